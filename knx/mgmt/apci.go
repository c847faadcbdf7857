// Package mgmt implements the KNX application-layer management client:
// APCI service encoding, property and memory access, function properties,
// ADC reads, and the network-parameter services a management connection
// exposes over a transport.Connection (spec §4.12).
//
// The request/response matching shape is grounded on the RPC-style façade
// other_examples/71b6a620_choopm-knxrpc__server.go.go builds over a
// connection-oriented KNX channel: a pending-request table keyed by the
// operation in flight, each entry carrying a channel the reader goroutine
// fulfills when a matching confirmation arrives.
package mgmt

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// APCI identifies the application-layer service carried in a TPDU (spec §6).
type APCI uint16

const (
	GroupValueRead     APCI = 0x000
	GroupValueResponse APCI = 0x040
	GroupValueWrite    APCI = 0x080

	IndividualAddressWrite APCI = 0x0C0
	IndividualAddressRead  APCI = 0x100
	IndividualAddressResp  APCI = 0x140

	ADCRead     APCI = 0x180
	ADCResponse APCI = 0x1C0

	MemoryRead     APCI = 0x200
	MemoryResponse APCI = 0x240
	MemoryWrite    APCI = 0x280

	UserMemoryRead         APCI = 0x2C0
	UserMemoryResponse     APCI = 0x2C1
	UserMemoryWrite        APCI = 0x2C2
	UserManufacturerInfoRead APCI = 0x2C5

	DeviceDescriptorRead     APCI = 0x300
	DeviceDescriptorResponse APCI = 0x340

	Restart APCI = 0x380

	AuthorizeRequest  APCI = 0x3D1
	AuthorizeResponse APCI = 0x3D2
	KeyWrite          APCI = 0x3D3
	KeyResponse       APCI = 0x3D4

	PropertyValueRead     APCI = 0x3D5
	PropertyValueResponse APCI = 0x3D6
	PropertyValueWrite    APCI = 0x3D7
	PropertyDescRead      APCI = 0x3D8
	PropertyDescResponse  APCI = 0x3D9

	NetworkParamRead     APCI = 0x3DB
	NetworkParamResponse APCI = 0x3DC
	NetworkParamWrite    APCI = 0x3DE

	FuncPropCommand    APCI = 0x2C7
	FuncPropStateRead  APCI = 0x2C8
	FuncPropResponse   APCI = 0x2C9

	MemoryExtWrite    APCI = 0x1FB
	MemoryExtWriteResponse APCI = 0x1FC
	MemoryExtRead     APCI = 0x1FD
	MemoryExtReadResponse  APCI = 0x1FE

	PropertyExtValueRead     APCI = 0x3EC
	PropertyExtValueResponse APCI = 0x3ED
	PropertyExtValueWrite    APCI = 0x3EF
	PropertyExtDescRead      APCI = 0x3EE
	PropertyExtDescResponse  APCI = 0x3F0
)

// encode10 packs a 10-bit APCI with up to 6 bits of immediate data in the
// low bits of the second octet (the short APCI form). None of the Client's
// services calls it; they put counts and lengths in separate octets.
func encode10(a APCI, data byte) []byte {
	hi := byte(a>>8) & 0x03
	lo := byte(a)
	return []byte{hi, lo | (data & 0x3F)}
}

// Encode packs an APCI service identifier and its argument bytes into the
// TPDU data that follows the TPCI control octet.
func Encode(a APCI, args []byte) []byte {
	out := make([]byte, 2+len(args))
	out[0] = byte(a>>8) & 0x03
	out[1] = byte(a)
	copy(out[2:], args)
	return out
}

// Decode reads an APCI and its argument bytes from TPDU data.
func Decode(data []byte) (APCI, []byte, error) {
	if len(data) < 2 {
		return 0, nil, errors.New("mgmt: short APDU")
	}
	a := APCI(uint16(data[0]&0x03)<<8 | uint16(data[1]))
	// the 10-bit extended APCI space leaves its low 6 bits free for small
	// immediate values on a handful of services; callers needing that form
	// mask data[1] themselves rather than relying on Decode to guess.
	return a, data[2:], nil
}

// DeviceDescriptor0 is the DD0 device descriptor value returned by
// A_DeviceDescriptor_Read for descriptor type 0 (mask version).
type DeviceDescriptor0 uint16

// EncodeMemoryAddress packs a 16-bit memory address, used by the classic
// memory services; the extended memory services write their 24-bit address
// inline.
func EncodeMemoryAddress(addr uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, addr)
	return b
}
