package knxnet

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// SystemBroadcastSocket carries IP system broadcast frames (spec §4.8):
// ROUTING_SYSTEM_BROADCAST frames sent unencrypted on the system-setup
// multicast group regardless of any secure routing session on the main
// routing group. Kept off the shared service-type dispatch table (see the
// note by RoutingSystemBroadcastBody) since 0x0950 is ambiguous with
// SecureWrapper; this socket only ever carries the unencrypted variant, so
// it decodes that one service type itself instead of going through Decode.
type SystemBroadcastSocket struct {
	conn    net.PacketConn
	pktConn *ipv4.PacketConn
	group   *net.UDPAddr
	inbound chan SystemBroadcastIncoming
}

// SystemBroadcastIncoming pairs a received system broadcast cEMI payload
// with its sender.
type SystemBroadcastIncoming struct {
	CEMI []byte
	From net.Addr
}

// ListenSystemBroadcast joins the system-setup multicast group on port,
// across every currently-up multicast-capable interface, the same way
// ListenMulticast does.
func ListenSystemBroadcast(group net.IP, port int) (*SystemBroadcastSocket, error) {
	gaddr := &net.UDPAddr{IP: group, Port: port}

	conn, err := listenPacketReusable("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "knxnet: listen system broadcast")
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
		if err := pc.JoinGroup(nil, gaddr); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "knxnet: join system broadcast group")
		}
	}
	_ = pc.SetMulticastLoopback(true)

	s := &SystemBroadcastSocket{conn: conn, pktConn: pc, group: gaddr, inbound: make(chan SystemBroadcastIncoming, 16)}
	go s.readLoop()
	return s, nil
}

// Inbound delivers decoded system broadcast cEMI payloads as they arrive.
func (s *SystemBroadcastSocket) Inbound() <-chan SystemBroadcastIncoming { return s.inbound }

// Send transmits cemiFrame as an unencrypted ROUTING_SYSTEM_BROADCAST.
func (s *SystemBroadcastSocket) Send(cemiFrame []byte) error {
	body := RoutingSystemBroadcastBody{CEMI: cemiFrame}
	_, err := s.conn.WriteTo(Pack(body), s.group)
	return errors.Wrap(err, "knxnet: send system broadcast")
}

// Close releases the underlying socket.
func (s *SystemBroadcastSocket) Close() error { return s.conn.Close() }

func (s *SystemBroadcastSocket) readLoop() {
	defer close(s.inbound)
	buf := make([]byte, MaxUDPPayload)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		hdr, ok, err := ParseHeader(buf[:n])
		if err != nil || !ok || hdr.ServiceType != RoutingSystemBroadcast {
			continue
		}
		body, err := ParseRoutingSystemBroadcast(buf[headerLength:hdr.TotalLength])
		if err != nil {
			continue
		}
		select {
		case s.inbound <- SystemBroadcastIncoming{CEMI: body.CEMI, From: from}:
		default:
		}
	}
}
