package knx

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/eibnet/knx/knx/cemi"
	"github.com/eibnet/knx/knx/knxnet"
)

// DeviceManagement is a KNXnet/IP device management connection (spec §4.7):
// a direct channel to the connected device's own management server, used
// to carry the application-layer management client's APDUs without going
// through the transport-layer per-destination state machine tunneling
// would otherwise require (the connection itself IS the addressed peer).
type DeviceManagement struct {
	cfg     Config
	sock    *knxnet.Socket
	control knxnet.HPAI

	channel byte

	mu       sync.Mutex
	sendSeq  byte
	recvSeq  byte
	closed   bool
	closeErr error

	gate sendGate

	waitingCon bool
	pendingReq cemi.MessageCode
	conCh      chan []byte

	ackCh        chan knxnet.Status
	disconnectCh chan knxnet.DisconnectResBody
	inbound      chan []byte // raw cEMI DevMgmt payloads past the message code

	hb     *heartbeatMonitor
	cancel context.CancelFunc
}

// DialDeviceManagement opens a device management connection to address.
func DialDeviceManagement(ctx context.Context, address string, cfg Config) (*DeviceManagement, error) {
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
		CRI:     knxnet.CRI{ConnType: knxnet.ConnTypeDeviceMgmt},
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

	d := &DeviceManagement{
		cfg:          cfg,
		sock:         sock,
		control:      localHPAI,
		channel:      res.Channel,
		gate:         newSendGate(),
		ackCh:        make(chan knxnet.Status, 1),
		disconnectCh: make(chan knxnet.DisconnectResBody, 1),
		inbound:      make(chan []byte, 32),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.hb = newHeartbeatMonitor(cfg, d.channel, localHPAI, func(b knxnet.Body) error { return sock.Send(b) })

	go d.readLoop()
	go d.hb.Run(runCtx)
	go func() {
		select {
		case <-d.hb.Dead():
			d.Close()
		case <-runCtx.Done():
		}
	}()

	return d, nil
}

// Channel returns the server-assigned connection channel id.
func (d *DeviceManagement) Channel() byte { return d.channel }

// Inbound delivers raw cEMI DevMgmt payloads (message code stripped) as
// they arrive, for knx/mgmt.Client or a caller's own APCI handling.
func (d *DeviceManagement) Inbound() <-chan []byte { return d.inbound }

// devMgmtConCode maps a DevMgmt request message code to the confirmation
// code a matching response carries, mirroring cEMI's req/con pairing for
// L-Data (spec §4.4, §4.7).
func devMgmtConCode(req cemi.MessageCode) (cemi.MessageCode, bool) {
	switch req {
	case cemi.MPropReadReq:
		return cemi.MPropReadCon, true
	case cemi.MPropWriteReq:
		return cemi.MPropWriteCon, true
	case cemi.MFuncPropCommandReq, cemi.MFuncPropStateReadReq:
		return cemi.MFuncPropCon, true
	default:
		return 0, false
	}
}

// Send transmits a raw cEMI DevMgmt frame (including its message code), the
// same send/ack/con state machine as Tunnel.Send: mode NonBlocking fails at
// once with ErrBusyState if a send is already outstanding and otherwise,
// like WaitForAck, waits for DEV_CFG_ACK; WaitForCon additionally waits up
// to Config.ConWindow for the matching confirmation message code.
func (d *DeviceManagement) Send(ctx context.Context, cemiFrame []byte, mode SendMode) error {
	if err := d.gate.acquire(ctx, mode); err != nil {
		return err
	}
	defer d.gate.release()

	d.mu.Lock()
	if d.closed {
		reason := d.closeErr
		d.mu.Unlock()
		if reason == nil {
			reason = ErrClosed
		}
		return reason
	}
	seq := d.sendSeq
	d.mu.Unlock()

	conn := knxnet.ConnectionHeader{Channel: d.channel, Seq: seq}
	body := knxnet.DeviceConfigurationReqBody{Conn: conn, CEMI: cemiFrame}

	maxAttempts := d.cfg.MaxSendAttempts
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := d.sock.Send(body); err != nil {
			lastErr = err
			continue
		}
		select {
		case status := <-d.ackCh:
			if status == knxnet.StatusNoError {
				d.mu.Lock()
				d.sendSeq = (d.sendSeq + 1) & 0xFF
				d.mu.Unlock()
				if mode == WaitForCon {
					if conCode, ok := devMgmtConCode(cemi.MessageCode(cemiFrame[0])); ok {
						return d.waitForCon(ctx, conCode)
					}
				}
				return nil
			}
			lastErr = newErr(KindRemoteError, "DEV_CFG_ACK status %#x", status)
		case <-time.After(d.cfg.ResponseTimeout):
			lastErr = ErrAckTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// waitForCon blocks until handleIncomingReq delivers a DevMgmt frame whose
// message code matches conCode or Config.ConWindow elapses.
func (d *DeviceManagement) waitForCon(ctx context.Context, conCode cemi.MessageCode) error {
	ch := make(chan []byte, 1)
	d.mu.Lock()
	d.conCh = ch
	d.pendingReq = conCode
	d.waitingCon = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.waitingCon = false
		d.conCh = nil
		d.mu.Unlock()
	}()

	select {
	case <-ch:
		return nil
	case <-time.After(d.cfg.ConWindow):
		return newErr(KindTimeout, "no matching DevMgmt confirmation within %s", d.cfg.ConWindow)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverCon hands a received DevMgmt frame to a waitForCon call if its
// message code matches the outstanding request, discarding it otherwise.
func (d *DeviceManagement) deliverCon(code cemi.MessageCode, payload []byte) bool {
	d.mu.Lock()
	waiting := d.waitingCon
	ch := d.conCh
	want := d.pendingReq
	d.mu.Unlock()
	if !waiting || code != want {
		return false
	}
	select {
	case ch <- append([]byte{byte(code)}, payload...):
	default:
	}
	return true
}

func (d *DeviceManagement) readLoop() {
	defer close(d.inbound)
	for in := range d.sock.Inbound() {
		switch body := in.Body.(type) {
		case knxnet.DeviceConfigurationAckBody:
			select {
			case d.ackCh <- body.Conn.Status:
			default:
			}
		case knxnet.DeviceConfigurationReqBody:
			d.handleIncomingReq(body)
		case knxnet.ConnectionstateResBody:
			d.hb.Deliver(body)
		case knxnet.DisconnectReqBody:
			d.closeImmediate(ErrClosed)
			return
		case knxnet.DisconnectResBody:
			select {
			case d.disconnectCh <- body:
			default:
			}
		}
	}
}

func (d *DeviceManagement) handleIncomingReq(body knxnet.DeviceConfigurationReqBody) {
	d.mu.Lock()
	expect := d.recvSeq
	inSeq := body.Conn.Seq == expect
	d.mu.Unlock()

	status := knxnet.StatusNoError
	if !inSeq {
		status = knxnet.StatusSequenceNumber
	}
	_ = d.sock.Send(knxnet.DeviceConfigurationAckBody{Conn: knxnet.ConnectionHeader{Channel: d.channel, Seq: body.Conn.Seq, Status: status}})
	if !inSeq {
		return
	}

	d.mu.Lock()
	d.recvSeq = (body.Conn.Seq + 1) & 0xFF
	d.mu.Unlock()

	code, rest, err := cemi.Decode(body.CEMI)
	if err != nil || !(cemi.IsDevMgmt(code) || cemi.IsTData(code)) {
		log.Printf("knx: discarding unexpected DevMgmt frame")
		return
	}

	if code == cemi.MResetInd {
		log.Printf("knx: RESET_IND received, closing adapter")
		d.closeImmediate(ErrServerRequest)
		return
	}

	if d.deliverCon(code, rest) {
		return
	}
	select {
	case d.inbound <- append([]byte{byte(code)}, rest...):
	default:
		log.Printf("knx: device management inbound buffer full, dropping frame")
	}
}

// Close sends DISCONNECT_REQ, waits up to 10s for DISCONNECT_RES, and then
// unconditionally releases the underlying socket regardless of whether the
// response arrived (spec §4.4).
func (d *DeviceManagement) Close() error {
	d.mu.Lock()
	alreadyClosed := d.closed
	d.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	if d.cancel != nil {
		d.cancel()
	}
	if d.sock.Send(knxnet.DisconnectReqBody{Channel: d.channel, Control: d.control}) == nil {
		select {
		case <-d.disconnectCh:
		case <-time.After(disconnectTimeout):
		}
	}
	return d.closeImmediate(ErrClosed)
}

// closeImmediate marks the connection closed and releases the socket
// without sending or waiting for DISCONNECT_REQ/RES, used for peer-
// initiated teardown (an incoming DISCONNECT_REQ or RESET_IND) where
// calling the graceful Close from inside readLoop would deadlock waiting
// on a response only readLoop itself could deliver.
func (d *DeviceManagement) closeImmediate(reason error) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.closeErr = reason
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	return d.sock.Close()
}
