package knxnet

import "log"

// Body is implemented by every decoded KNXnet/IP service payload.
type Body interface {
	// Service returns the wire service-type code for this body.
	Service() ServiceType
	// Pack encodes the body (without the header) to its wire form.
	Pack() []byte
}

// Pack assembles a full KNXnet/IP frame: header + body.
func Pack(body Body) []byte {
	payload := body.Pack()
	buf := packHeader(body.Service(), len(payload))
	return append(buf, payload...)
}

type bodyDecoder func(data []byte) (Body, error)

var decoders = map[ServiceType]bodyDecoder{}

func register(service ServiceType, dec bodyDecoder) {
	decoders[service] = dec
}

// Decode parses a full KNXnet/IP frame (header + body) into a Body.
//
// Unknown or unsupported service types (including Gira-proprietary codes
// outside the documented set) are logged and dropped by returning a nil
// Body, the parsed header, ok=false and a nil error: spec §1 Non-goals and §5
// "zero service-type frames are ignored" / "invalid frames are logged and
// ignored".
func Decode(data []byte) (Body, Header, bool, error) {
	hdr, ok, err := ParseHeader(data)
	if err != nil {
		return nil, hdr, false, err
	}
	if !ok {
		log.Printf("knxnet: discarding frame with unsupported protocol version")
		return nil, hdr, false, nil
	}
	if int(hdr.TotalLength) > len(data) {
		return nil, hdr, false, WireFormatError(4, "total length %d exceeds available %d bytes", hdr.TotalLength, len(data))
	}
	if hdr.ServiceType == 0 {
		return nil, hdr, false, nil
	}
	dec, known := decoders[hdr.ServiceType]
	if !known {
		log.Printf("knxnet: dropping unsupported service type 0x%04x", uint16(hdr.ServiceType))
		return nil, hdr, false, nil
	}
	body, err := dec(data[headerLength:hdr.TotalLength])
	if err != nil {
		return nil, hdr, false, err
	}
	return body, hdr, true, nil
}
