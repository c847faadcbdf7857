// Package crc16 implements the CRC-16/CCITT-FALSE checksum KNX extended
// memory services use to verify multi-APDU memory writes (spec §4.12).
//
// No example repo or other_examples/ file carries a CRC-16 implementation
// to ground this on; it is a well-defined, two-constant bit-twiddling
// primitive with no ecosystem package in the corpus worth adding a
// dependency for, so it is hand-rolled directly against the KNX
// specification's polynomial and initial value.
package crc16

const (
	poly    = 0x1021
	initVal = 0xFFFF
)

// Checksum computes the CRC-16/CCITT-FALSE checksum of data.
func Checksum(data []byte) uint16 {
	crc := uint16(initVal)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
