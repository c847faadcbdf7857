package knxnet

import (
	"encoding/binary"
	"net"
)

// EndpointKind tags which transport an Address describes.
type EndpointKind int

const (
	// EndpointUDP is a UDP ip:port endpoint.
	EndpointUDP EndpointKind = iota
	// EndpointTCP is a TCP ip:port endpoint.
	EndpointTCP
	// EndpointUDS is a Unix domain socket endpoint, identified by path.
	EndpointUDS
)

// Address is a tagged endpoint descriptor: UDP(ip:port), TCP(ip:port), or
// UDS(path). Exactly one of (IP,Port) or Path is meaningful, selected by Kind.
type Address struct {
	Kind EndpointKind
	IP   net.IP
	Port uint16
	Path string
}

// UDPAddress builds a UDP endpoint address.
func UDPAddress(ip net.IP, port uint16) Address {
	return Address{Kind: EndpointUDP, IP: ip, Port: port}
}

// TCPAddress builds a TCP endpoint address.
func TCPAddress(ip net.IP, port uint16) Address {
	return Address{Kind: EndpointTCP, IP: ip, Port: port}
}

// UDSAddress builds a Unix-domain-socket endpoint address.
func UDSAddress(path string) Address {
	return Address{Kind: EndpointUDS, Path: path}
}

// HPAIProtocol identifies the HPAI wire variant, spec §3.
type HPAIProtocol byte

const (
	// HPAIUdp carries a real, non-zero host/port: the local bound UDP address.
	HPAIUdp HPAIProtocol = 0x01
	// HPAITcp tags an HPAI body belonging to a TCP connection; host/port are zero.
	HPAITcp HPAIProtocol = 0x04
	// HPAINat tags a NAT-aware UDP connection; host/port are zero, the server
	// is expected to use the packet's source address instead.
	HPAINat HPAIProtocol = 0x01 // same protocol octet as UDP; NAT is signalled by zero host/port
)

const hpaiLength = 8

// HPAI is the 8-octet Host Protocol Address Information structure.
//
// Invariant (spec §3): a TCP connection uses the Tcp variant; a NAT-aware UDP
// connection uses the Nat variant (zero host/port, protocol=0x01); otherwise
// Udp carries the non-zero locally bound address.
type HPAI struct {
	Protocol HPAIProtocol
	IsNAT    bool // true selects the Nat variant when Protocol == HPAIUdp and IP/Port are zero
	IP       net.IP
	Port     uint16
}

// Tcp returns the zero-host/port Tcp HPAI variant.
func Tcp() HPAI {
	return HPAI{Protocol: HPAITcp}
}

// Nat returns the zero-host/port NAT-aware UDP HPAI variant.
func Nat() HPAI {
	return HPAI{Protocol: HPAIUdp, IsNAT: true}
}

// Udp returns the concrete-address UDP HPAI variant.
func Udp(ip net.IP, port uint16) HPAI {
	return HPAI{Protocol: HPAIUdp, IP: ip, Port: port}
}

// Pack encodes the HPAI to its 8-octet wire form.
func (h HPAI) Pack() []byte {
	buf := make([]byte, hpaiLength)
	buf[0] = hpaiLength
	buf[1] = byte(h.Protocol)
	if h.Protocol == HPAIUdp && !h.IsNAT && h.IP != nil {
		ip4 := h.IP.To4()
		if ip4 != nil {
			copy(buf[2:6], ip4)
		}
		binary.BigEndian.PutUint16(buf[6:8], h.Port)
	}
	return buf
}

// ParseHPAI decodes an 8-octet HPAI structure.
func ParseHPAI(data []byte) (HPAI, int, error) {
	if len(data) < hpaiLength {
		return HPAI{}, 0, WireFormatError(0, "short HPAI: %d bytes", len(data))
	}
	if data[0] != hpaiLength {
		return HPAI{}, 0, WireFormatError(0, "unexpected HPAI structure length %d", data[0])
	}
	proto := HPAIProtocol(data[1])
	ip := net.IPv4(data[2], data[3], data[4], data[5])
	port := binary.BigEndian.Uint16(data[6:8])
	h := HPAI{Protocol: proto, IP: ip, Port: port}
	if proto == HPAIUdp && ip.Equal(net.IPv4zero) && port == 0 {
		h.IsNAT = true
		h.IP = nil
	}
	if proto == HPAITcp {
		h.IP = nil
		h.Port = 0
	}
	return h, hpaiLength, nil
}

// Endpoint converts the HPAI into an Address given the source the frame
// arrived from, honoring the NAT convention of substituting the observed
// source endpoint when host/port are zero.
func (h HPAI) Endpoint(observed Address) Address {
	switch {
	case h.Protocol == HPAITcp:
		return observed
	case h.IsNAT:
		return observed
	default:
		return UDPAddress(h.IP, h.Port)
	}
}
