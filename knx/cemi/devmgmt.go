package cemi

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PropRead is the cEMI M_PropRead.req/.con body used by device management
// connections to read an interface-object property (spec §4.7, §4.12).
type PropRead struct {
	ObjectType     uint16
	ObjectInstance byte
	PID            byte
	Count          byte // number of elements, top 4 bits; start index packed below
	Start          uint16
	Data           []byte // present on .con
	Error          byte   // non-zero on negative .con
}

// Pack encodes the common M_PropRead layout shared by req and con.
func (p PropRead) Pack(code MessageCode) []byte {
	out := make([]byte, 7)
	out[0] = byte(code)
	binary.BigEndian.PutUint16(out[1:3], p.ObjectType)
	out[3] = p.ObjectInstance
	out[4] = p.PID
	binary.BigEndian.PutUint16(out[5:7], uint16(p.Count&0x0F)<<12|p.Start&0x0FFF)
	if code == MPropReadCon {
		if p.Error != 0 {
			out = append(out, p.Error)
		} else {
			out = append(out, p.Data...)
		}
	}
	return out
}

// ParsePropRead decodes an M_PropRead.req/.con body (data already past the
// message code).
func ParsePropRead(code MessageCode, data []byte) (PropRead, error) {
	if len(data) < 6 {
		return PropRead{}, errors.New("cemi: short M_PropRead body")
	}
	numIdx := binary.BigEndian.Uint16(data[4:6])
	p := PropRead{
		ObjectType:     binary.BigEndian.Uint16(data[0:2]),
		ObjectInstance: data[2],
		PID:            data[3],
		Count:          byte(numIdx >> 12),
		Start:          numIdx & 0x0FFF,
	}
	rest := data[6:]
	if code == MPropReadCon {
		if p.Count == 0 && len(rest) == 1 {
			p.Error = rest[0]
		} else {
			p.Data = append([]byte(nil), rest...)
		}
	}
	return p, nil
}

// PropWrite is the cEMI M_PropWrite.req/.con body.
type PropWrite struct {
	ObjectType     uint16
	ObjectInstance byte
	PID            byte
	Count          byte
	Start          uint16
	Data           []byte
	Error          byte
}

// Pack encodes an M_PropWrite.req/.con body.
func (p PropWrite) Pack(code MessageCode) []byte {
	out := make([]byte, 7)
	out[0] = byte(code)
	binary.BigEndian.PutUint16(out[1:3], p.ObjectType)
	out[3] = p.ObjectInstance
	out[4] = p.PID
	binary.BigEndian.PutUint16(out[5:7], uint16(p.Count&0x0F)<<12|p.Start&0x0FFF)
	if code == MPropWriteReq {
		out = append(out, p.Data...)
	} else if p.Error != 0 {
		out = append(out, p.Error)
	}
	return out
}

// ParsePropWrite decodes an M_PropWrite.req/.con body.
func ParsePropWrite(code MessageCode, data []byte) (PropWrite, error) {
	if len(data) < 6 {
		return PropWrite{}, errors.New("cemi: short M_PropWrite body")
	}
	numIdx := binary.BigEndian.Uint16(data[4:6])
	p := PropWrite{
		ObjectType:     binary.BigEndian.Uint16(data[0:2]),
		ObjectInstance: data[2],
		PID:            data[3],
		Count:          byte(numIdx >> 12),
		Start:          numIdx & 0x0FFF,
	}
	rest := data[6:]
	if code == MPropWriteReq {
		p.Data = append([]byte(nil), rest...)
	} else if len(rest) == 1 {
		p.Error = rest[0]
	}
	return p, nil
}

// FuncPropCommand is the cEMI M_FuncPropCommand.req / M_FuncPropStateRead.req
// body used by extended function-property services (spec §4.12).
type FuncPropCommand struct {
	ObjectType     uint16
	ObjectInstance byte
	PID            byte
	Data           []byte
}

// Pack encodes an M_FuncPropCommand.req or M_FuncPropStateRead.req body.
func (f FuncPropCommand) Pack(code MessageCode) []byte {
	out := make([]byte, 5)
	out[0] = byte(code)
	binary.BigEndian.PutUint16(out[1:3], f.ObjectType)
	out[3] = f.ObjectInstance
	out[4] = f.PID
	return append(out, f.Data...)
}

// ParseFuncPropCommand decodes an M_FuncPropCommand.req/M_FuncPropStateRead.req
// body.
func ParseFuncPropCommand(data []byte) (FuncPropCommand, error) {
	if len(data) < 4 {
		return FuncPropCommand{}, errors.New("cemi: short M_FuncPropCommand body")
	}
	return FuncPropCommand{
		ObjectType:     binary.BigEndian.Uint16(data[0:2]),
		ObjectInstance: data[2],
		PID:            data[3],
		Data:           append([]byte(nil), data[4:]...),
	}, nil
}

// FuncPropCon is the cEMI M_FuncPropCommand.con / M_FuncPropStateRead.con body.
type FuncPropCon struct {
	ObjectType     uint16
	ObjectInstance byte
	PID            byte
	ReturnCode     byte
	Data           []byte
}

// Pack encodes an M_FuncPropCommand.con body.
func (f FuncPropCon) Pack() []byte {
	out := make([]byte, 6)
	out[0] = byte(MFuncPropCon)
	binary.BigEndian.PutUint16(out[1:3], f.ObjectType)
	out[3] = f.ObjectInstance
	out[4] = f.PID
	out[5] = f.ReturnCode
	return append(out, f.Data...)
}

// ParseFuncPropCon decodes an M_FuncPropCommand.con/M_FuncPropStateRead.con body.
func ParseFuncPropCon(data []byte) (FuncPropCon, error) {
	if len(data) < 5 {
		return FuncPropCon{}, errors.New("cemi: short M_FuncPropCommand.con body")
	}
	return FuncPropCon{
		ObjectType:     binary.BigEndian.Uint16(data[0:2]),
		ObjectInstance: data[2],
		PID:            data[3],
		ReturnCode:     data[4],
		Data:           append([]byte(nil), data[5:]...),
	}, nil
}

// Reset is the cEMI M_Reset.req/.ind body: no payload beyond the message code.
type Reset struct{}

// Pack encodes an M_Reset.req or M_Reset.ind body.
func (Reset) Pack(code MessageCode) []byte {
	return []byte{byte(code)}
}
