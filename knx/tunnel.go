package knx

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/eibnet/knx/knx/cemi"
	"github.com/eibnet/knx/knx/knxnet"
)

// Tunnel is a KNXnet/IP tunneling connection (spec §4.6): a single logical
// channel carrying cEMI L-Data frames to and from one server, sequenced
// independently in each direction.
type Tunnel struct {
	cfg     Config
	sock    *knxnet.Socket
	server  net.Addr
	control knxnet.HPAI

	channel byte
	layer   knxnet.TunnelLayer

	mu      sync.Mutex
	sendSeq byte
	recvSeq byte
	closed  bool

	gate sendGate

	waitingCon bool
	pendingReq cemi.LData
	conCh      chan cemi.LData

	ackCh        chan knxnet.Status
	disconnectCh chan knxnet.DisconnectResBody
	inbound      chan cemi.LData
	busmon       chan cemi.LBusmon

	hb     *heartbeatMonitor
	cancel context.CancelFunc
}

// DialTunnel opens a tunneling connection to a KNXnet/IP server at address,
// operating at the given layer (usually knxnet.TunnelLinkLayer).
func DialTunnel(ctx context.Context, address string, layer knxnet.TunnelLayer, cfg Config) (*Tunnel, error) {
	cfg = cfg.withDefaults()

	sock, err := knxnet.DialTunnelUDP(address)
	if err != nil {
		return nil, err
	}

	localHPAI, ok := localHPAIFromSocket(sock)
	if !ok {
		sock.Close()
		return nil, newErr(KindWireFormat, "could not determine local UDP endpoint")
	}

	req := knxnet.ConnectReqBody{
		Control: localHPAI,
		Data:    localHPAI,
		CRI:     knxnet.CRI{ConnType: knxnet.ConnTypeTunnel, Layer: layer},
	}
	if err := sock.Send(req); err != nil {
		sock.Close()
		return nil, err
	}

	res, err := waitForConnectRes(ctx, sock, cfg.ResponseTimeout)
	if err != nil {
		sock.Close()
		return nil, err
	}
	if res.Status != knxnet.StatusNoError {
		sock.Close()
		return nil, newErr(KindRemoteError, "CONNECT_REQ refused, status %#x", res.Status)
	}

	t := &Tunnel{
		cfg:     cfg,
		sock:    sock,
		server:  sock.LocalAddr(), // the socket's local address; not updated after dial
		control: localHPAI,
		channel: res.Channel,
		layer:   layer,
		gate:         newSendGate(),
		ackCh:        make(chan knxnet.Status, 1),
		disconnectCh: make(chan knxnet.DisconnectResBody, 1),
		inbound:      make(chan cemi.LData, 32),
		busmon:       make(chan cemi.LBusmon, 32),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.hb = newHeartbeatMonitor(cfg, t.channel, localHPAI, func(b knxnet.Body) error { return sock.Send(b) })

	go t.readLoop()
	go t.hb.Run(runCtx)
	go t.watchHeartbeatDeath(runCtx)

	return t, nil
}

func (t *Tunnel) watchHeartbeatDeath(ctx context.Context) {
	select {
	case <-t.hb.Dead():
		t.Close()
	case <-ctx.Done():
	}
}

// Channel returns the connection channel id assigned by the server.
func (t *Tunnel) Channel() byte { return t.channel }

// Inbound delivers L-Data frames received on the tunnel. Empty (and never
// written to) for a TunnelBusmon connection; use BusmonInbound instead.
func (t *Tunnel) Inbound() <-chan cemi.LData { return t.inbound }

// BusmonInbound delivers raw bus-monitor captures on a TunnelBusmon
// connection (spec §4.6). Empty for any other layer.
func (t *Tunnel) BusmonInbound() <-chan cemi.LBusmon { return t.busmon }

// Send transmits an L-Data frame following spec §4.4's send/ack state
// machine, sending it up to Config.MaxSendAttempts times in all while
// TUNNELING_ACK times out. NonBlocking fails at once with ErrBusyState if
// a send is already outstanding and otherwise, like WaitForAck, returns
// once the server's TUNNELING_ACK confirms the frame; WaitForCon
// additionally waits for the matching L_Data.con (matched via cemi.Matches)
// within Config.ConWindow.
func (t *Tunnel) Send(ctx context.Context, frame cemi.LData, mode SendMode) error {
	if t.layer == knxnet.TunnelBusmon {
		return ErrIllegalArgument
	}

	if err := t.gate.acquire(ctx, mode); err != nil {
		return err
	}
	defer t.gate.release()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	seq := t.sendSeq
	t.mu.Unlock()

	conn := knxnet.ConnectionHeader{Channel: t.channel, Seq: seq}
	body := knxnet.TunnelingReqBody{Conn: conn, CEMI: frame.Pack()}

	maxAttempts := t.cfg.MaxSendAttempts
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := t.sock.Send(body); err != nil {
			lastErr = err
			continue
		}
		select {
		case status := <-t.ackCh:
			if status == knxnet.StatusNoError {
				t.mu.Lock()
				t.sendSeq = (t.sendSeq + 1) & 0xFF
				t.mu.Unlock()
				if mode == WaitForCon {
					return t.waitForCon(ctx, frame)
				}
				return nil
			}
			lastErr = newErr(KindRemoteError, "TUNNELING_ACK status %#x", status)
		case <-time.After(t.cfg.ResponseTimeout):
			lastErr = ErrAckTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// waitForCon blocks until handleIncomingReq delivers an L_Data.con matching
// req (spec §4.4's "keep-for-con" canonicalized-byte match) or ConWindow
// elapses.
func (t *Tunnel) waitForCon(ctx context.Context, req cemi.LData) error {
	ch := make(chan cemi.LData, 1)
	t.mu.Lock()
	t.conCh = ch
	t.pendingReq = req
	t.waitingCon = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.waitingCon = false
		t.conCh = nil
		t.mu.Unlock()
	}()

	select {
	case <-ch:
		return nil
	case <-time.After(t.cfg.ConWindow):
		return newErr(KindTimeout, "no matching L_Data.con within %s", t.cfg.ConWindow)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverCon hands a received L_Data.con to a waitForCon call if it matches
// the outstanding request, discarding it otherwise.
func (t *Tunnel) deliverCon(con cemi.LData) {
	t.mu.Lock()
	waiting := t.waitingCon
	ch := t.conCh
	req := t.pendingReq
	t.mu.Unlock()
	if !waiting || !cemi.Matches(req, con) {
		return
	}
	select {
	case ch <- con:
	default:
	}
}

func (t *Tunnel) readLoop() {
	defer close(t.inbound)
	defer close(t.busmon)
	for in := range t.sock.Inbound() {
		switch body := in.Body.(type) {
		case knxnet.TunnelingAckBody:
			select {
			case t.ackCh <- body.Conn.Status:
			default:
			}
		case knxnet.TunnelingReqBody:
			t.handleIncomingReq(body)
		case knxnet.ConnectionstateResBody:
			t.hb.Deliver(body)
		case knxnet.DisconnectReqBody:
			t.closeImmediate()
			return
		case knxnet.DisconnectResBody:
			select {
			case t.disconnectCh <- body:
			default:
			}
		}
	}
}

func (t *Tunnel) handleIncomingReq(body knxnet.TunnelingReqBody) {
	t.mu.Lock()
	expect := t.recvSeq
	skip := body.Conn.Seq - expect // 8-bit, so 0 after 255 is a skip of 1
	resync := !t.cfg.DisableResyncOnSkip && skip == 1
	inSeq := body.Conn.Seq == expect || resync
	t.mu.Unlock()

	if !inSeq {
		_ = t.sock.Send(knxnet.TunnelingAckBody{Conn: knxnet.ConnectionHeader{Channel: t.channel, Seq: body.Conn.Seq, Status: knxnet.StatusSequenceNumber}})
		return
	}

	_ = t.sock.Send(knxnet.TunnelingAckBody{Conn: knxnet.ConnectionHeader{Channel: t.channel, Seq: body.Conn.Seq, Status: knxnet.StatusNoError}})

	t.mu.Lock()
	t.recvSeq = (body.Conn.Seq + 1) & 0xFF
	t.mu.Unlock()

	code, rest, err := cemi.Decode(body.CEMI)
	if err != nil {
		return
	}

	if code == cemi.LBusmonInd {
		busmon, err := cemi.ParseLBusmon(rest)
		if err != nil {
			log.Printf("knx: discarding malformed L-Busmon frame: %v", err)
			return
		}
		select {
		case t.busmon <- busmon:
		default:
			log.Printf("knx: busmon buffer full, dropping frame")
		}
		return
	}

	if !cemi.IsLData(code) {
		return
	}
	frame, err := cemi.ParseLData(code, rest)
	if err != nil {
		log.Printf("knx: discarding malformed L-Data frame: %v", err)
		return
	}

	if code == cemi.LDataCon {
		t.deliverCon(frame)
		return
	}
	select {
	case t.inbound <- frame:
	default:
		log.Printf("knx: inbound buffer full, dropping L-Data frame")
	}
}

// Close sends DISCONNECT_REQ, waits up to 10s for DISCONNECT_RES, and then
// unconditionally releases the underlying socket regardless of whether the
// response arrived (spec §4.4). Safe to call more than once.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	alreadyClosed := t.closed
	t.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	if t.cancel != nil {
		t.cancel()
	}
	if t.sock.Send(knxnet.DisconnectReqBody{Channel: t.channel, Control: t.control}) == nil {
		select {
		case <-t.disconnectCh:
		case <-time.After(disconnectTimeout):
		}
	}
	return t.closeImmediate()
}

// closeImmediate marks the connection closed and releases the socket
// without sending or waiting for DISCONNECT_REQ/RES, used for peer-
// initiated teardown (an incoming DISCONNECT_REQ) where calling the
// graceful Close from inside readLoop would deadlock waiting on a
// response only readLoop itself could deliver.
func (t *Tunnel) closeImmediate() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	return t.sock.Close()
}

func waitForConnectRes(ctx context.Context, sock *knxnet.Socket, timeout time.Duration) (knxnet.ConnectResBody, error) {
	select {
	case in, ok := <-sock.Inbound():
		if !ok {
			return knxnet.ConnectResBody{}, ErrClosed
		}
		res, ok := in.Body.(knxnet.ConnectResBody)
		if !ok {
			return knxnet.ConnectResBody{}, ErrInvalidResponse
		}
		return res, nil
	case <-time.After(timeout):
		return knxnet.ConnectResBody{}, ErrTimeout
	case <-ctx.Done():
		return knxnet.ConnectResBody{}, ErrInterrupted
	}
}

func localHPAIFromSocket(sock *knxnet.Socket) (knxnet.HPAI, bool) {
	addr, ok := sock.LocalAddr().(*net.UDPAddr)
	if !ok {
		return knxnet.HPAI{}, false
	}
	ip := addr.IP
	if ip == nil || ip.IsUnspecified() {
		ip = net.IPv4zero
	}
	return knxnet.Udp(ip, uint16(addr.Port)), true
}
