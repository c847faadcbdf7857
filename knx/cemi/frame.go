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

// Package cemi implements the Common External Message Interface framing
// used to carry KNX bus frames over any KNXnet/IP transport: L-Data,
// L-Busmon, and DevMgmt/T-Data.
package cemi

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MessageCode identifies the cEMI frame kind, the first octet of every
// cEMI frame.
type MessageCode byte

const (
	LDataReq    MessageCode = 0x11
	LDataCon    MessageCode = 0x2E
	LDataInd    MessageCode = 0x29
	LBusmonInd  MessageCode = 0x2B
	MPropReadReq  MessageCode = 0xFC
	MPropReadCon  MessageCode = 0xFB
	MPropWriteReq MessageCode = 0xF6
	MPropWriteCon MessageCode = 0xF5
	MPropInfoInd  MessageCode = 0xF7
	MFuncPropCommandReq MessageCode = 0xF8
	MFuncPropStateReadReq MessageCode = 0xF9
	MFuncPropCon MessageCode = 0xFA
	MResetReq   MessageCode = 0xF1
	MResetInd   MessageCode = 0xF0
	TDataConnectedReq MessageCode = 0x41
	TDataConnectedInd MessageCode = 0x89
	TDataIndividualReq MessageCode = 0x4A
	TDataIndividualInd MessageCode = 0x94
)

// AddInfo is one additional-information TLV inside an L-Data frame.
type AddInfo struct {
	Type byte
	Data []byte
}

// LData is the cEMI L-Data frame used by tunneling (spec §4.6, §6).
type LData struct {
	Code     MessageCode
	AddInfo  []AddInfo
	Ctrl1    byte
	Ctrl2    byte
	Source   uint16
	Dest     uint16
	TPDU     []byte // NPDU payload: TPCI/APCI bytes plus data
}

// Priority bits within Ctrl1.
const (
	CtrlPriorityMask   = 0x0C
	CtrlPrioritySystem = 0x00
	CtrlPriorityNormal = 0x04
	CtrlPriorityUrgent = 0x08
	CtrlPriorityLow    = 0x0C
)

// Pack encodes an L-Data frame to its wire bytes.
func (f LData) Pack() []byte {
	var addInfoBytes []byte
	for _, a := range f.AddInfo {
		addInfoBytes = append(addInfoBytes, a.Type, byte(len(a.Data)))
		addInfoBytes = append(addInfoBytes, a.Data...)
	}

	out := make([]byte, 0, 10+len(addInfoBytes)+len(f.TPDU))
	out = append(out, byte(f.Code), byte(len(addInfoBytes)))
	out = append(out, addInfoBytes...)
	out = append(out, f.Ctrl1, f.Ctrl2)
	out = append(out, byte(f.Source>>8), byte(f.Source))
	out = append(out, byte(f.Dest>>8), byte(f.Dest))
	out = append(out, byte(len(f.TPDU)-1))
	out = append(out, f.TPDU...)
	return out
}

// ParseLData decodes an L-Data frame (the message code must already have
// been consumed by the caller and passed in as code).
func ParseLData(code MessageCode, data []byte) (LData, error) {
	if len(data) < 1 {
		return LData{}, errors.New("cemi: short L-Data frame")
	}
	addInfoLen := int(data[0])
	if len(data) < 1+addInfoLen {
		return LData{}, errors.New("cemi: short additional info")
	}
	var infos []AddInfo
	rest := data[1 : 1+addInfoLen]
	for len(rest) >= 2 {
		l := int(rest[1])
		if len(rest) < 2+l {
			return LData{}, errors.New("cemi: truncated additional info TLV")
		}
		infos = append(infos, AddInfo{Type: rest[0], Data: append([]byte(nil), rest[2:2+l]...)})
		rest = rest[2+l:]
	}

	body := data[1+addInfoLen:]
	if len(body) < 7 {
		return LData{}, errors.New("cemi: short L-Data body")
	}
	npduLen := int(body[6]) + 1
	if len(body) < 7+npduLen {
		return LData{}, errors.New("cemi: short NPDU")
	}
	return LData{
		Code:    code,
		AddInfo: infos,
		Ctrl1:   body[0],
		Ctrl2:   body[1],
		Source:  binary.BigEndian.Uint16(body[2:4]),
		Dest:    binary.BigEndian.Uint16(body[4:6]),
		TPDU:    append([]byte(nil), body[7:7+npduLen]...),
	}, nil
}

// LBusmon is the cEMI L-Busmon.ind frame: a raw bus-monitor capture.
type LBusmon struct {
	AddInfo []AddInfo
	Raw     []byte // ctrl byte(s) + raw bus frame as captured
}

// Pack encodes an L-Busmon.ind frame.
func (f LBusmon) Pack() []byte {
	var addInfoBytes []byte
	for _, a := range f.AddInfo {
		addInfoBytes = append(addInfoBytes, a.Type, byte(len(a.Data)))
		addInfoBytes = append(addInfoBytes, a.Data...)
	}
	out := make([]byte, 0, 2+len(addInfoBytes)+len(f.Raw))
	out = append(out, byte(LBusmonInd), byte(len(addInfoBytes)))
	out = append(out, addInfoBytes...)
	out = append(out, f.Raw...)
	return out
}

// ParseLBusmon decodes an L-Busmon.ind frame.
func ParseLBusmon(data []byte) (LBusmon, error) {
	if len(data) < 1 {
		return LBusmon{}, errors.New("cemi: short L-Busmon frame")
	}
	addInfoLen := int(data[0])
	if len(data) < 1+addInfoLen {
		return LBusmon{}, errors.New("cemi: short additional info")
	}
	var infos []AddInfo
	rest := data[1 : 1+addInfoLen]
	for len(rest) >= 2 {
		l := int(rest[1])
		if len(rest) < 2+l {
			return LBusmon{}, errors.New("cemi: truncated additional info TLV")
		}
		infos = append(infos, AddInfo{Type: rest[0], Data: append([]byte(nil), rest[2:2+l]...)})
		rest = rest[2+l:]
	}
	return LBusmon{AddInfo: infos, Raw: append([]byte(nil), data[1+addInfoLen:]...)}, nil
}

// Frame is the outer cEMI envelope: a message code plus the type-specific
// body recognized by that code.
type Frame struct {
	Code MessageCode
	Raw  []byte // full cEMI bytes including the code, for callers needing the exact wire form
}

// Decode reads the leading message code and returns the raw remainder so the
// caller can dispatch to ParseLData / ParseLBusmon / device-management
// decoding as appropriate.
func Decode(data []byte) (MessageCode, []byte, error) {
	if len(data) < 1 {
		return 0, nil, errors.New("cemi: empty frame")
	}
	return MessageCode(data[0]), data[1:], nil
}

// IsLData reports whether code identifies an L-Data frame (req/con/ind).
func IsLData(code MessageCode) bool {
	return code == LDataReq || code == LDataCon || code == LDataInd
}

// IsDevMgmt reports whether code identifies a cEMI DevMgmt (M_*) frame.
func IsDevMgmt(code MessageCode) bool {
	switch code {
	case MPropReadReq, MPropReadCon, MPropWriteReq, MPropWriteCon, MPropInfoInd,
		MFuncPropCommandReq, MFuncPropStateReadReq, MFuncPropCon, MResetReq, MResetInd:
		return true
	default:
		return false
	}
}

// IsTData reports whether code identifies a T-Data frame used by device
// management's transport-independent variants.
func IsTData(code MessageCode) bool {
	switch code {
	case TDataConnectedReq, TDataConnectedInd, TDataIndividualReq, TDataIndividualInd:
		return true
	default:
		return false
	}
}
