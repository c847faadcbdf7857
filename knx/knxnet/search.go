package knxnet

import "encoding/binary"

// SRPType identifies a Search Request Parameter block, used by SEARCH_REQ
// extended (spec §4.2) to ask for selective responses.
type SRPType byte

const (
	SRPSelectByMAC             SRPType = 0x01
	SRPSelectByService         SRPType = 0x02
	SRPSelectByProgrammingMode SRPType = 0x03
	SRPRequestDIBs             SRPType = 0x04
)

// SRPBlock is one TLV entry of a SEARCH_REQ extended's parameter list.
type SRPBlock struct {
	Type      SRPType
	Mandatory bool
	Data      []byte
}

func (b SRPBlock) pack() []byte {
	first := byte(b.Type) &^ 0x80
	if b.Mandatory {
		first |= 0x80
	}
	out := []byte{byte(2 + len(b.Data)), first}
	return append(out, b.Data...)
}

func parseSRPBlock(data []byte) (SRPBlock, int, error) {
	if len(data) < 2 {
		return SRPBlock{}, 0, WireFormatError(0, "short SRP block")
	}
	length := int(data[0])
	if length < 2 || length > len(data) {
		return SRPBlock{}, 0, WireFormatError(0, "invalid SRP block length %d", length)
	}
	return SRPBlock{
		Type:      SRPType(data[1] &^ 0x80),
		Mandatory: data[1]&0x80 != 0,
		Data:      append([]byte(nil), data[2:length]...),
	}, length, nil
}

// SearchReqBody is SEARCH_REQ (0x0201): a discovery broadcast/multicast.
type SearchReqBody struct {
	Discovery HPAI
}

func (SearchReqBody) Service() ServiceType { return SearchReq }

func (b SearchReqBody) Pack() []byte { return b.Discovery.Pack() }

func init() {
	register(SearchReq, func(data []byte) (Body, error) {
		hpai, _, err := ParseHPAI(data)
		if err != nil {
			return nil, err
		}
		return SearchReqBody{Discovery: hpai}, nil
	})
}

// SearchReqExtBody is the extended SEARCH_REQ (0x020B) carrying SRP blocks.
type SearchReqExtBody struct {
	Discovery HPAI
	Params    []SRPBlock
}

func (SearchReqExtBody) Service() ServiceType { return SearchReqExt }

func (b SearchReqExtBody) Pack() []byte {
	out := append([]byte(nil), b.Discovery.Pack()...)
	for _, p := range b.Params {
		out = append(out, p.pack()...)
	}
	return out
}

func init() {
	register(SearchReqExt, func(data []byte) (Body, error) {
		hpai, n, err := ParseHPAI(data)
		if err != nil {
			return nil, err
		}
		body := SearchReqExtBody{Discovery: hpai}
		rest := data[n:]
		for len(rest) > 0 {
			blk, consumed, err := parseSRPBlock(rest)
			if err != nil {
				return nil, err
			}
			body.Params = append(body.Params, blk)
			rest = rest[consumed:]
		}
		return body, nil
	})
}

// DIBType identifies a Description Information Block.
type DIBType byte

const (
	DIBDeviceInfo          DIBType = 0x01
	DIBSuppSvcFamilies     DIBType = 0x02
	DIBManufacturerData    DIBType = 0xFE
)

// DIB is an opaque, length-prefixed Description Information Block. Datapoint
// interpretation of the payload is out of scope (spec §1); the bytes are
// round-tripped unchanged.
type DIB struct {
	Type    DIBType
	Payload []byte
}

func (d DIB) pack() []byte {
	out := []byte{byte(2 + len(d.Payload)), byte(d.Type)}
	return append(out, d.Payload...)
}

func parseDIB(data []byte) (DIB, int, error) {
	if len(data) < 2 {
		return DIB{}, 0, WireFormatError(0, "short DIB")
	}
	length := int(data[0])
	if length < 2 || length > len(data) {
		return DIB{}, 0, WireFormatError(0, "invalid DIB length %d", length)
	}
	return DIB{Type: DIBType(data[1]), Payload: append([]byte(nil), data[2:length]...)}, length, nil
}

func parseDIBs(data []byte) ([]DIB, error) {
	var dibs []DIB
	for len(data) > 0 {
		d, n, err := parseDIB(data)
		if err != nil {
			return nil, err
		}
		dibs = append(dibs, d)
		data = data[n:]
	}
	return dibs, nil
}

// SearchResBody is SEARCH_RES (0x0202): a server's discovery reply.
type SearchResBody struct {
	Control HPAI
	DIBs    []DIB
}

func (SearchResBody) Service() ServiceType { return SearchRes }

func (b SearchResBody) Pack() []byte {
	out := append([]byte(nil), b.Control.Pack()...)
	for _, d := range b.DIBs {
		out = append(out, d.pack()...)
	}
	return out
}

func init() {
	register(SearchRes, func(data []byte) (Body, error) {
		hpai, n, err := ParseHPAI(data)
		if err != nil {
			return nil, err
		}
		dibs, err := parseDIBs(data[n:])
		if err != nil {
			return nil, err
		}
		return SearchResBody{Control: hpai, DIBs: dibs}, nil
	})
}

// SearchResExtBody is the extended SEARCH_RES (0x020C), identical shape to
// SearchResBody but carrying a richer DIB set (feature families etc.).
type SearchResExtBody struct {
	Control HPAI
	DIBs    []DIB
}

func (SearchResExtBody) Service() ServiceType { return SearchResExt }

func (b SearchResExtBody) Pack() []byte {
	out := append([]byte(nil), b.Control.Pack()...)
	for _, d := range b.DIBs {
		out = append(out, d.pack()...)
	}
	return out
}

func init() {
	register(SearchResExt, func(data []byte) (Body, error) {
		hpai, n, err := ParseHPAI(data)
		if err != nil {
			return nil, err
		}
		dibs, err := parseDIBs(data[n:])
		if err != nil {
			return nil, err
		}
		return SearchResExtBody{Control: hpai, DIBs: dibs}, nil
	})
}

// encodeBigEndianU16 returns v as two big-endian octets.
func encodeBigEndianU16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}
