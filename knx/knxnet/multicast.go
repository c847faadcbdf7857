package knxnet

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// DefaultMulticastAddr is the KNXnet/IP discovery/system-setup multicast
// group, also the default routing group (spec §6).
const DefaultMulticastAddr = "224.0.23.12"

// DefaultPort is the default KNXnet/IP UDP/TCP port (spec §6).
const DefaultPort = 3671

// MulticastSocket is a UDP socket joined to a multicast group on every
// up, multicast-capable network interface. Routing (spec §4.8) opens one of
// these for the routing group and, when it differs from the system-setup
// group, a second for system broadcasts/search.
//
// Joining per-interface with golang.org/x/net/ipv4 (rather than relying on
// net.ListenMulticastUDP's single implicit interface) mirrors the multicast
// beacon in syncthing-syncthing/lib/beacon/multicast.go, which needs the same
// fan-out across interfaces for its discovery beacon.
type MulticastSocket struct {
	*Socket
	pktConn *ipv4.PacketConn
	group   *net.UDPAddr
}

// ListenMulticast joins the given multicast group on port, across every
// currently-up multicast-capable interface.
func ListenMulticast(group net.IP, port int) (*MulticastSocket, error) {
	gaddr := &net.UDPAddr{IP: group, Port: port}

	conn, err := listenPacketReusable("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "knxnet: listen multicast")
	}

	pc := ipv4.NewPacketConn(conn)
	ifaces, err := upMulticastInterfaces()
	if err != nil {
		conn.Close()
		return nil, err
	}
	joined := 0
	for _, iface := range ifaces {
		if err := pc.JoinGroup(iface, gaddr); err == nil {
			joined++
		}
	}
	if joined == 0 {
		// fall back to the system default interface
		if err := pc.JoinGroup(nil, gaddr); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "knxnet: join multicast group")
		}
	}
	_ = pc.SetMulticastLoopback(true)

	s := newSocket(conn)
	go s.readLoop(nil)
	return &MulticastSocket{Socket: s, pktConn: pc, group: gaddr}, nil
}

// SendRouting writes a body to the joined multicast group.
func (m *MulticastSocket) SendRouting(body Body) error {
	return m.Socket.SendTo(body, m.group)
}

// SetMulticastTTL controls the outbound multicast hop limit.
func (m *MulticastSocket) SetMulticastTTL(ttl int) error {
	return m.pktConn.SetMulticastTTL(ttl)
}

func upMulticastInterfaces() ([]*net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "knxnet: list interfaces")
	}
	var up []*net.Interface
	for i := range all {
		iface := all[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		up = append(up, &iface)
	}
	return up, nil
}
