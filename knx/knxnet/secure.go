package knxnet

import "encoding/binary"

// MACSize is the CBC-MAC / AES-CCM tag size used throughout KNX IP Secure.
const MACSize = 16

// PublicKeySize is the X25519 public key size carried in the session handshake.
const PublicKeySize = 32

// SecureWrapperBody is the SecureWrapper service (0x0950 on a secure
// connection): session id, monotonic send sequence, serial number, message
// tag, the encrypted KNXnet/IP frame, and the MAC (spec §4.9, §6).
type SecureWrapperBody struct {
	SessionID uint16
	SeqNum    uint64 // 48-bit
	Serial    [6]byte
	Tag       uint16
	Payload   []byte // ciphertext of the wrapped plaintext frame
	MAC       [MACSize]byte
}

func (SecureWrapperBody) Service() ServiceType { return SecureWrapper }

func (b SecureWrapperBody) Pack() []byte {
	out := make([]byte, 2+6+6+2, 2+6+6+2+len(b.Payload)+MACSize)
	binary.BigEndian.PutUint16(out[0:2], b.SessionID)
	putUint48(out[2:8], b.SeqNum)
	copy(out[8:14], b.Serial[:])
	binary.BigEndian.PutUint16(out[14:16], b.Tag)
	out = append(out, b.Payload...)
	out = append(out, b.MAC[:]...)
	return out
}

// ParseSecureWrapper decodes a 0x0950 frame known (by session context) to be
// a SecureWrapper. See the note in routing.go about the shared service code.
func ParseSecureWrapper(data []byte) (SecureWrapperBody, error) {
	if len(data) < 16+MACSize {
		return SecureWrapperBody{}, WireFormatError(0, "short SecureWrapper")
	}
	b := SecureWrapperBody{
		SessionID: binary.BigEndian.Uint16(data[0:2]),
		SeqNum:    getUint48(data[2:8]),
		Tag:       binary.BigEndian.Uint16(data[14:16]),
	}
	copy(b.Serial[:], data[8:14])
	payloadLen := len(data) - 16 - MACSize
	b.Payload = append([]byte(nil), data[16:16+payloadLen]...)
	copy(b.MAC[:], data[len(data)-MACSize:])
	return b, nil
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func getUint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

// SecureSessionReqBody is SecureSessionRequest (0x0951): HPAI + client
// ephemeral X25519 public key.
type SecureSessionReqBody struct {
	Control   HPAI
	PublicKey [PublicKeySize]byte
}

func (SecureSessionReqBody) Service() ServiceType { return SecureSessionReq }

func (b SecureSessionReqBody) Pack() []byte {
	return append(b.Control.Pack(), b.PublicKey[:]...)
}

func init() {
	register(SecureSessionReq, func(data []byte) (Body, error) {
		hpai, n, err := ParseHPAI(data)
		if err != nil {
			return nil, err
		}
		if len(data[n:]) < PublicKeySize {
			return nil, WireFormatError(n, "short SecureSessionRequest public key")
		}
		var req SecureSessionReqBody
		req.Control = hpai
		copy(req.PublicKey[:], data[n:n+PublicKeySize])
		return req, nil
	})
}

// SecureSessionResBody is SecureSessionResponse (0x0952): session id, server
// public key, CBC-MAC over the device authentication key.
type SecureSessionResBody struct {
	SessionID uint16
	PublicKey [PublicKeySize]byte
	MAC       [MACSize]byte
}

func (SecureSessionResBody) Service() ServiceType { return SecureSessionRes }

func (b SecureSessionResBody) Pack() []byte {
	out := make([]byte, 2, 2+PublicKeySize+MACSize)
	binary.BigEndian.PutUint16(out[0:2], b.SessionID)
	out = append(out, b.PublicKey[:]...)
	return append(out, b.MAC[:]...)
}

func init() {
	register(SecureSessionRes, func(data []byte) (Body, error) {
		if len(data) < 2+PublicKeySize+MACSize {
			return nil, WireFormatError(0, "short SecureSessionResponse")
		}
		var res SecureSessionResBody
		res.SessionID = binary.BigEndian.Uint16(data[0:2])
		copy(res.PublicKey[:], data[2:2+PublicKeySize])
		copy(res.MAC[:], data[2+PublicKeySize:2+PublicKeySize+MACSize])
		return res, nil
	})
}

// SecureSessionAuthBody is SecureSessionAuthenticate (0x0953): user id + MAC
// computed with the user key.
type SecureSessionAuthBody struct {
	UserID uint16
	MAC    [MACSize]byte
}

func (SecureSessionAuthBody) Service() ServiceType { return SecureSessionAuth }

func (b SecureSessionAuthBody) Pack() []byte {
	out := make([]byte, 2, 2+MACSize)
	binary.BigEndian.PutUint16(out[0:2], b.UserID)
	return append(out, b.MAC[:]...)
}

func init() {
	register(SecureSessionAuth, func(data []byte) (Body, error) {
		if len(data) < 2+MACSize {
			return nil, WireFormatError(0, "short SecureSessionAuthenticate")
		}
		var auth SecureSessionAuthBody
		auth.UserID = binary.BigEndian.Uint16(data[0:2])
		copy(auth.MAC[:], data[2:2+MACSize])
		return auth, nil
	})
}

// SessionStatusCode is carried, encrypted, inside a SecureWrapper.
type SessionStatusCode byte

const (
	AuthSuccess     SessionStatusCode = 0x00
	AuthFailed      SessionStatusCode = 0x01
	Unauthenticated SessionStatusCode = 0x02
	StatusTimeout   SessionStatusCode = 0x03
	StatusKeepAlive SessionStatusCode = 0x04
	StatusClose     SessionStatusCode = 0x05
)

// SecureSessionStatusBody is Session-Status (0x0954), always carried inside a
// SecureWrapper's decrypted payload.
type SecureSessionStatusBody struct {
	Code SessionStatusCode
}

func (SecureSessionStatusBody) Service() ServiceType { return SecureSessionStatus }

func (b SecureSessionStatusBody) Pack() []byte { return []byte{byte(b.Code)} }

func init() {
	register(SecureSessionStatus, func(data []byte) (Body, error) {
		if len(data) < 1 {
			return nil, WireFormatError(0, "short Session-Status")
		}
		return SecureSessionStatusBody{Code: SessionStatusCode(data[0])}, nil
	})
}

// SecureGroupSyncBody is SecureGroupSync (0x0955): 48-bit timestamp, 6-octet
// serial, 2-octet tag, 16-byte MAC (spec §4.10, §6).
type SecureGroupSyncBody struct {
	Timestamp uint64 // 48-bit millisecond clock
	Serial    [6]byte
	Tag       uint16
	MAC       [MACSize]byte
}

func (SecureGroupSyncBody) Service() ServiceType { return SecureGroupSync }

func (b SecureGroupSyncBody) Pack() []byte {
	out := make([]byte, 6+6+2, 6+6+2+MACSize)
	putUint48(out[0:6], b.Timestamp)
	copy(out[6:12], b.Serial[:])
	binary.BigEndian.PutUint16(out[12:14], b.Tag)
	return append(out, b.MAC[:]...)
}

func init() {
	register(SecureGroupSync, func(data []byte) (Body, error) {
		if len(data) < 14+MACSize {
			return nil, WireFormatError(0, "short SecureGroupSync")
		}
		var sync SecureGroupSyncBody
		sync.Timestamp = getUint48(data[0:6])
		copy(sync.Serial[:], data[6:12])
		sync.Tag = binary.BigEndian.Uint16(data[12:14])
		copy(sync.MAC[:], data[14:14+MACSize])
		return sync, nil
	})
}
