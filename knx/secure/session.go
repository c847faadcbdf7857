// Package secure implements the KNX IP Secure session and routing layer:
// the X25519 handshake that derives a session key, AES-CCM frame wrapping,
// and the periodic clock synchronization secure routing relies on (spec
// §4.9, §4.10).
//
// The handshake and wrap/unwrap logic is grounded on the AES-CCM cipher
// suite wiring in xtaci/kcptun's std/crypt.go (a table of named ciphers each
// exposing an encrypt/decrypt pair used uniformly by the rest of the
// program) generalized from kcptun's pre-shared-key ciphers to an X25519
// ephemeral handshake, since unlike kcptun's tunnel, KNX IP Secure
// authenticates per-session rather than from a single static passphrase.
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"

	"github.com/eibnet/knx/internal/ccm"
	"github.com/eibnet/knx/knx/knxnet"
)

// KeepAliveInterval is how often a secure session sends a keep-alive
// Session-Status while otherwise idle (spec §4.9).
const KeepAliveInterval = 30 * time.Second

// deviceAuthCodeAllZero is the special-case device authentication code that
// means "no device authentication configured" (spec §4.9). A session built
// against it is still cryptographically valid but trivially spoofable by
// anyone on the IP network, so Session warns loudly rather than silently
// accepting it.
var deviceAuthCodeAllZero [16]byte

// Session is one established KNX IP Secure session: the derived symmetric
// key plus the sequence counters used to form each wrap/unwrap nonce.
type Session struct {
	mu sync.Mutex

	id        uint16
	key       [16]byte
	serial    [6]byte
	sendSeq   uint64
	recvSeq   uint64
	lastKeepAlive time.Time
}

// DeriveSessionKey computes the shared session key from an ephemeral X25519
// key exchange: SHA-256 of the raw shared secret, truncated to the leading
// 16 bytes (spec §4.9's key derivation for the session key, distinct from
// the separate per-user/device authentication keys supplied out of band).
func DeriveSessionKey(privateKey, peerPublicKey [32]byte) ([16]byte, error) {
	shared, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return [16]byte{}, errors.Wrap(err, "secure: X25519 key agreement")
	}
	sum := sha256.Sum256(shared)
	var key [16]byte
	copy(key[:], sum[:16])
	return key, nil
}

// GenerateKeyPair creates a fresh X25519 ephemeral key pair for one session
// handshake attempt.
func GenerateKeyPair() (private, public [32]byte, err error) {
	if _, err = rand.Read(private[:]); err != nil {
		return private, public, errors.Wrap(err, "secure: generate private key")
	}
	// clamp per RFC 7748
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64
	curve25519.ScalarBaseMult(&public, &private)
	return private, public, nil
}

// NewSession wraps an established session key under the given session id
// and local serial number. deviceAuthKey is only examined to emit a warning
// when it is the all-zero sentinel; the session key itself must already
// have been derived via DeriveSessionKey.
func NewSession(id uint16, key [16]byte, serial [6]byte, deviceAuthKey [16]byte) *Session {
	if deviceAuthKey == deviceAuthCodeAllZero {
		color.Yellow("secure: device authentication code is all-zero; this session accepts any peer claiming this serial number")
	}
	return &Session{id: id, key: key, serial: serial, lastKeepAlive: time.Now()}
}

// ID returns the session identifier negotiated during the handshake.
func (s *Session) ID() uint16 { return s.id }

// Wrap encrypts and authenticates plaintext (typically a packed KNXnet/IP
// frame) into a SecureWrapper body, advancing the send sequence counter.
func (s *Session) Wrap(tag uint16, plaintext []byte) (knxnet.SecureWrapperBody, error) {
	s.mu.Lock()
	seq := s.sendSeq
	s.sendSeq++
	s.mu.Unlock()

	nonce := sessionNonce(s.id, seq, s.serial, tag)
	assoc := sessionAssoc(s.id, seq, s.serial, tag)
	sealed, err := ccm.Seal(s.key[:], nonce, assoc, plaintext)
	if err != nil {
		return knxnet.SecureWrapperBody{}, errors.Wrap(err, "secure: wrap")
	}

	var body knxnet.SecureWrapperBody
	body.SessionID = s.id
	body.SeqNum = seq
	body.Serial = s.serial
	body.Tag = tag
	body.Payload = sealed[:len(sealed)-ccm.MACSize]
	copy(body.MAC[:], sealed[len(sealed)-ccm.MACSize:])
	return body, nil
}

// Unwrap authenticates and decrypts a received SecureWrapper body. It
// rejects a sequence number lower than the next one expected (anti-replay,
// spec §4.9) and otherwise advances the expected number past it.
func (s *Session) Unwrap(body knxnet.SecureWrapperBody) ([]byte, error) {
	nonce := sessionNonce(body.SessionID, body.SeqNum, body.Serial, body.Tag)
	assoc := sessionAssoc(body.SessionID, body.SeqNum, body.Serial, body.Tag)
	sealed := append(append([]byte(nil), body.Payload...), body.MAC[:]...)
	plaintext, err := ccm.Open(s.key[:], nonce, assoc, sealed)
	if err != nil {
		return nil, errors.Wrap(err, "secure: unwrap")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if body.SeqNum < s.recvSeq {
		return nil, errors.New("secure: replayed or out-of-order sequence number")
	}
	s.recvSeq = body.SeqNum + 1
	return plaintext, nil
}

// NeedsKeepAlive reports whether the session has been idle long enough that
// a keep-alive Session-Status should be sent to hold it open.
func (s *Session) NeedsKeepAlive(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastKeepAlive) >= KeepAliveInterval
}

// MarkActivity resets the keep-alive idle timer after any traffic on the
// session, sent or received.
func (s *Session) MarkActivity(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastKeepAlive = now
}

// sessionNonce builds the 13-byte CCM nonce from the 6-byte sequence number
// and 6-byte serial that spec §6's SecureWrapper frame already carries,
// plus one reserved octet; the session id and tag are authenticated data
// rather than part of the nonce, since they don't need to be unique per
// encryption, only bound to the ciphertext.
func sessionNonce(id uint16, seq uint64, serial [6]byte, tag uint16) []byte {
	nonce := make([]byte, ccm.NonceSize)
	nonce[0] = byte(seq >> 40)
	nonce[1] = byte(seq >> 32)
	nonce[2] = byte(seq >> 24)
	nonce[3] = byte(seq >> 16)
	nonce[4] = byte(seq >> 8)
	nonce[5] = byte(seq)
	copy(nonce[6:12], serial[:])
	nonce[12] = 0
	return nonce
}

func sessionAssoc(id uint16, seq uint64, serial [6]byte, tag uint16) []byte {
	assoc := make([]byte, 4)
	binary.BigEndian.PutUint16(assoc[0:2], id)
	binary.BigEndian.PutUint16(assoc[2:4], tag)
	return assoc
}
