// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package knxnet implements the KNXnet/IP wire format: the 6-octet header,
// HPAI endpoint descriptors, and every service body of the KNXnet/IP 1.0
// suite used by a client (search, description, connect, tunneling,
// device-config, routing, and KNX IP Secure).
package knxnet

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ProtocolVersion is the only KNXnet/IP protocol version this stack supports.
// Frames declaring any other version are discarded (spec §1 Non-goals).
const ProtocolVersion = 0x10

// headerLength is the fixed length of the KNXnet/IP frame prefix.
const headerLength = 6

// ServiceType identifies the payload that follows a Header.
type ServiceType uint16

// Service type codes, spec §6.
const (
	SearchReq              ServiceType = 0x0201
	SearchRes               ServiceType = 0x0202
	DescriptionReq          ServiceType = 0x0203
	DescriptionRes          ServiceType = 0x0204
	ConnectReq              ServiceType = 0x0205
	ConnectRes              ServiceType = 0x0206
	ConnectionstateReq      ServiceType = 0x0207
	ConnectionstateRes      ServiceType = 0x0208
	DisconnectReq           ServiceType = 0x0209
	DisconnectRes           ServiceType = 0x020A
	SearchReqExt            ServiceType = 0x020B
	SearchResExt            ServiceType = 0x020C
	TunnelingReq            ServiceType = 0x0420
	TunnelingAck            ServiceType = 0x0421
	TunnelingFeatureGet     ServiceType = 0x0422
	TunnelingFeatureRes     ServiceType = 0x0423
	TunnelingFeatureSet     ServiceType = 0x0424
	TunnelingFeatureInfo    ServiceType = 0x0425
	DeviceConfigurationReq  ServiceType = 0x0310
	DeviceConfigurationAck  ServiceType = 0x0311
	RoutingInd              ServiceType = 0x0530
	RoutingLostMsg          ServiceType = 0x0531
	RoutingBusy             ServiceType = 0x0532
	RoutingSystemBroadcast  ServiceType = 0x0950
	SecureWrapper           ServiceType = 0x0950
	SecureSessionReq        ServiceType = 0x0951
	SecureSessionRes        ServiceType = 0x0952
	SecureSessionAuth       ServiceType = 0x0953
	SecureSessionStatus     ServiceType = 0x0954
	SecureGroupSync         ServiceType = 0x0955
)

// Header is the fixed 6-octet KNXnet/IP frame prefix.
type Header struct {
	ServiceType ServiceType
	TotalLength uint16
}

// Size returns the length in octets of the encoded header plus body.
func (h Header) Size() int {
	return int(h.TotalLength)
}

// packHeader writes the header for a body of the given payload length.
func packHeader(service ServiceType, bodyLen int) []byte {
	buf := make([]byte, headerLength)
	buf[0] = headerLength
	buf[1] = ProtocolVersion
	binary.BigEndian.PutUint16(buf[2:4], uint16(service))
	binary.BigEndian.PutUint16(buf[4:6], uint16(headerLength+bodyLen))
	return buf
}

// ParseHeader decodes the 6-octet frame prefix. It returns a WireFormatError if
// fewer than 6 bytes are available, the structure length isn't 6, or the
// total length is shorter than the header itself. A protocol version other
// than 1.0 is reported via ok=false so the caller can discard the frame
// without treating it as a hard parse failure.
func ParseHeader(data []byte) (hdr Header, ok bool, err error) {
	if len(data) < headerLength {
		return Header{}, false, WireFormatError(0, "short header: %d bytes", len(data))
	}
	if data[0] != headerLength {
		return Header{}, false, WireFormatError(0, "unexpected structure length %d", data[0])
	}
	total := binary.BigEndian.Uint16(data[4:6])
	if total < headerLength {
		return Header{}, false, WireFormatError(4, "total length %d shorter than header", total)
	}
	hdr = Header{
		ServiceType: ServiceType(binary.BigEndian.Uint16(data[2:4])),
		TotalLength: total,
	}
	if data[1] != ProtocolVersion {
		return hdr, false, nil
	}
	return hdr, true, nil
}

// WireFormatError builds a *WireError carrying the byte offset of the failure.
func WireFormatError(offset int, format string, args ...any) error {
	return errors.WithStack(&WireError{Offset: offset, Msg: errors.Errorf(format, args...).Error()})
}

// WireError is returned for malformed bytes; Offset is the byte position of
// the field that failed to parse, relative to the start of the body handed
// to the decoder.
type WireError struct {
	Offset int
	Msg    string
}

func (e *WireError) Error() string {
	return errors.Errorf("wire format error at offset %d: %s", e.Offset, e.Msg).Error()
}
