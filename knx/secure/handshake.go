package secure

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/eibnet/knx/internal/ccm"
	"github.com/eibnet/knx/knx/knxnet"
)

// Handshake drives the client side of a KNX IP Secure session establishment
// (spec §4.9): build the SessionRequest, verify SessionResponse's
// device-authentication MAC (returning the derived session key), and build
// the SessionAuthenticate. It does not process the peer's Session-Status
// and does not construct a Session.
type Handshake struct {
	privateKey [32]byte
	publicKey  [32]byte
}

// NewHandshake generates a fresh ephemeral key pair for one handshake
// attempt.
func NewHandshake() (*Handshake, error) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Handshake{privateKey: priv, publicKey: pub}, nil
}

// Request builds the SecureSessionRequest body to send to control, carrying
// this handshake's ephemeral public key.
func (h *Handshake) Request(control knxnet.HPAI) knxnet.SecureSessionReqBody {
	return knxnet.SecureSessionReqBody{Control: control, PublicKey: h.publicKey}
}

// deviceAuthMAC computes the CBC-MAC KNX IP Secure's SessionResponse uses to
// let the client verify it is talking to the device holding deviceAuthKey,
// per spec §4.9: a zero-length-plaintext CCM seal over the concatenated
// public keys and session id, which authenticates the associated data
// without needing any actual secret payload.
func deviceAuthMAC(deviceAuthKey [16]byte, sessionID uint16, clientPub, serverPub [32]byte) ([16]byte, error) {
	assoc := make([]byte, 2+32+32)
	binary.BigEndian.PutUint16(assoc[0:2], sessionID)
	copy(assoc[2:34], clientPub[:])
	copy(assoc[34:66], serverPub[:])

	var nonce [ccm.NonceSize]byte
	sealed, err := ccm.Seal(deviceAuthKey[:], nonce[:], assoc, nil)
	if err != nil {
		return [16]byte{}, err
	}
	var mac [16]byte
	copy(mac[:], sealed)
	return mac, nil
}

// VerifyResponse checks a SecureSessionResponse's MAC against the device
// authentication key, deriving and returning the session key on success.
func (h *Handshake) VerifyResponse(res knxnet.SecureSessionResBody, deviceAuthKey [16]byte) ([16]byte, error) {
	want, err := deviceAuthMAC(deviceAuthKey, res.SessionID, h.publicKey, res.PublicKey)
	if err != nil {
		return [16]byte{}, err
	}
	if want != res.MAC {
		return [16]byte{}, errors.New("secure: session response failed device authentication")
	}
	return DeriveSessionKey(h.privateKey, res.PublicKey)
}

// userAuthMAC computes the CBC-MAC for SecureSessionAuthenticate, proving
// knowledge of the per-user password-derived key without transmitting it.
func userAuthMAC(userKey [16]byte, sessionID, userID uint16, clientPub, serverPub [32]byte) ([16]byte, error) {
	assoc := make([]byte, 4+32+32)
	binary.BigEndian.PutUint16(assoc[0:2], sessionID)
	binary.BigEndian.PutUint16(assoc[2:4], userID)
	copy(assoc[4:36], clientPub[:])
	copy(assoc[36:68], serverPub[:])

	var nonce [ccm.NonceSize]byte
	sealed, err := ccm.Seal(userKey[:], nonce[:], assoc, nil)
	if err != nil {
		return [16]byte{}, err
	}
	var mac [16]byte
	copy(mac[:], sealed)
	return mac, nil
}

// Authenticate builds the SecureSessionAuthenticate body proving knowledge
// of userKey for userID.
func (h *Handshake) Authenticate(sessionID, userID uint16, serverPub [32]byte, userKey [16]byte) (knxnet.SecureSessionAuthBody, error) {
	mac, err := userAuthMAC(userKey, sessionID, userID, h.publicKey, serverPub)
	if err != nil {
		return knxnet.SecureSessionAuthBody{}, err
	}
	return knxnet.SecureSessionAuthBody{UserID: userID, MAC: mac}, nil
}

// randomSerial returns a random 6-byte KNX device serial, for use where no
// real backbone interface serial is available. Nothing in the module calls
// it.
func randomSerial() ([6]byte, error) {
	var serial [6]byte
	_, err := rand.Read(serial[:])
	return serial, errors.Wrap(err, "secure: generate random serial")
}
