package knxnet

import (
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// MaxUDPPayload is the minimum receive buffer size for a single datagram
// (spec §4.3: "Reads a bounded buffer (≥512 octets for UDP)").
const MaxUDPPayload = 2048

// Socket is a bidirectional KNXnet/IP datagram channel: inbound decoded
// bodies and their sender, outbound raw frames.
type Socket struct {
	conn      net.PacketConn
	localAddr net.Addr

	inbound chan Incoming
	closeMu sync.Mutex
	closed  bool
}

// Incoming pairs a decoded Body with the header and sender it arrived with.
type Incoming struct {
	Body   Body
	Header Header
	From   net.Addr
}

// DialTunnelUDP opens a UDP socket to a single KNXnet/IP server control
// endpoint, mirroring the per-destination dial of knx-go's
// knxnet.DialTunnelUDP.
func DialTunnelUDP(address string) (*Socket, error) {
	conn, err := net.Dial("udp", address)
	if err != nil {
		return nil, errors.Wrap(err, "knxnet: dial udp")
	}
	pc, ok := conn.(net.PacketConn)
	if !ok {
		conn.Close()
		return nil, errors.New("knxnet: dialed connection is not a PacketConn")
	}
	s := newSocket(pc)
	go s.readLoop(conn.RemoteAddr())
	return s, nil
}

// ListenUDP opens an unconnected UDP socket bound to localAddr (e.g. ":0" for
// an ephemeral per-interface discovery socket, spec §4.2).
func ListenUDP(localAddr string) (*Socket, error) {
	pc, err := net.ListenPacket("udp4", localAddr)
	if err != nil {
		return nil, errors.Wrap(err, "knxnet: listen udp")
	}
	s := newSocket(pc)
	go s.readLoop(nil)
	return s, nil
}

func newSocket(conn net.PacketConn) *Socket {
	return &Socket{conn: conn, localAddr: conn.LocalAddr(), inbound: make(chan Incoming, 64)}
}

// LocalAddr returns the socket's locally bound address.
func (s *Socket) LocalAddr() net.Addr { return s.localAddr }

// Inbound delivers decoded, dispatch-ready frames as they are received.
func (s *Socket) Inbound() <-chan Incoming { return s.inbound }

// Send encodes and writes a body to the connected peer of a socket opened
// by DialTunnelUDP. Unconnected sockets use SendTo instead.
func (s *Socket) Send(body Body) error {
	c, ok := s.conn.(net.Conn)
	if !ok {
		return errors.New("knxnet: send needs a connected socket")
	}
	_, err := c.Write(Pack(body))
	return errors.Wrap(err, "knxnet: send")
}

// SendTo writes a body to an explicit peer, for unconnected sockets.
func (s *Socket) SendTo(body Body, peer net.Addr) error {
	_, err := s.conn.WriteTo(Pack(body), peer)
	return errors.Wrap(err, "knxnet: send to peer")
}

func (s *Socket) readLoop(fixedPeer net.Addr) {
	defer close(s.inbound)
	buf := make([]byte, MaxUDPPayload)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			return
		}
		if fixedPeer != nil {
			from = fixedPeer
		}
		body, hdr, ok, err := Decode(buf[:n])
		if err != nil {
			// malformed frame: dropped without logging, connection stays up (spec §4.3, §7)
			continue
		}
		if !ok {
			continue
		}
		select {
		case s.inbound <- Incoming{Body: body, Header: hdr, From: from}:
		default:
			// receiver not keeping up; drop rather than block the read loop
		}
	}
}

// Close releases the underlying socket. Safe to call more than once.
func (s *Socket) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
