// Package transport implements the KNX transport layer (OSI layer 4): the
// per-destination connection-oriented state machine that sequences and
// acknowledges T_Data_Connected APDUs between a management client and one
// remote device (spec §4.11).
//
// The retry loop's shape — send, start a timer, retransmit up to a bounded
// count on timeout, give up and tear the connection down past that — is
// grounded on the ARQ loop xtaci/kcp-go's Session uses to manage its own
// unacknowledged-segment retransmission (VineBalloon-kcp-go/sess.go), not
// imported: KCP's wire format (conversation id, 24-byte segment header,
// sliding window) has nothing to do with the 4-bit TPCI sequence counters
// this layer must produce, so only the retry *shape* carries over.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MaxRepeat is the number of retransmissions attempted before an
// unacknowledged data segment is abandoned (spec §4.11). Connect sends
// T_Connect once and does not retry.
const MaxRepeat = 3

// AckTimeout is how long the state machine waits for a T_ACK before
// retransmitting (spec §4.11).
const AckTimeout = 3 * time.Second

// State is one of the transport-layer connection states for a single
// destination (spec §4.11).
type State int

const (
	Disconnected State = iota
	Connecting
	OpenIdle
	OpenWait
	Destroyed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case OpenIdle:
		return "open-idle"
	case OpenWait:
		return "open-wait"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Sender is the transport layer's view of the underlying link: send one
// cEMI-framed TPDU to the peer.
type Sender interface {
	SendTPDU(dest uint16, tpdu []byte) error
}

// Connection is the per-destination transport-layer state machine. One
// Connection exists per remote individual address a management client has
// an open T_Connect to.
type Connection struct {
	sender Sender
	dest   uint16

	mu      sync.Mutex
	state   State
	seqSend byte // 4-bit
	seqRecv byte // 4-bit
	ackCh   chan bool // true = ACK, false = NACK
}

// New creates a transport-layer connection to dest over sender, initially
// Disconnected.
func New(sender Sender, dest uint16) *Connection {
	return &Connection{sender: sender, dest: dest, state: Disconnected}
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dest returns the destination individual address this connection talks to.
func (c *Connection) Dest() uint16 { return c.dest }

// Destroy marks the connection as permanently unusable; no further Connect
// or Send call will succeed (spec §4.11: "destinations in Destroyed can no
// longer be sent on").
func (c *Connection) Destroy() {
	c.setState(Destroyed)
}

// Connect sends T_Connect and transitions to OpenIdle on success.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Destroyed {
		c.mu.Unlock()
		return errors.New("transport: connection destroyed")
	}
	if c.state != Disconnected {
		c.mu.Unlock()
		return errors.Errorf("transport: cannot connect from state %v", c.state)
	}
	c.state = Connecting
	c.seqSend, c.seqRecv = 0, 0
	c.mu.Unlock()

	if err := c.sender.SendTPDU(c.dest, []byte{tpciConnect}); err != nil {
		c.setState(Disconnected)
		return errors.Wrap(err, "transport: send T_Connect")
	}

	c.setState(OpenIdle)
	return nil
}

// Disconnect sends T_Disconnect and transitions to Disconnected
// unconditionally.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	prev := c.state
	c.state = Disconnected
	c.mu.Unlock()

	if prev == Disconnected {
		return nil
	}
	return errors.Wrap(c.sender.SendTPDU(c.dest, []byte{tpciDisconnect}), "transport: send T_Disconnect")
}

// Send transmits one APDU as T_Data_Connected, retrying up to MaxRepeat
// times on ACK timeout, and returns an error if every attempt is
// unacknowledged or a NACK is received after exhausting retries.
func (c *Connection) Send(ctx context.Context, apdu []byte) error {
	c.mu.Lock()
	if c.state != OpenIdle {
		c.mu.Unlock()
		return errors.Errorf("transport: cannot send from state %v", c.state)
	}
	c.state = OpenWait
	seq := c.seqSend
	c.ackCh = make(chan bool, 1)
	c.mu.Unlock()

	tpdu := append([]byte{tpciDataConnected | seq<<2}, apdu...)

	var lastErr error
	for attempt := 0; attempt <= MaxRepeat; attempt++ {
		if err := c.sender.SendTPDU(c.dest, tpdu); err != nil {
			lastErr = err
			continue
		}
		select {
		case ok := <-c.ackCh:
			if ok {
				c.mu.Lock()
				c.seqSend = (c.seqSend + 1) & 0x0F
				c.state = OpenIdle
				c.mu.Unlock()
				return nil
			}
			lastErr = errors.New("transport: received NACK")
		case <-time.After(AckTimeout):
			lastErr = errors.New("transport: ACK timeout")
		case <-ctx.Done():
			c.setState(OpenIdle)
			return ctx.Err()
		}
	}

	c.setState(Disconnected)
	_ = c.sender.SendTPDU(c.dest, []byte{tpciDisconnect})
	return errors.Wrap(lastErr, "transport: exceeded max repeat")
}

// HandleAck delivers a received T_ACK/T_NACK to a pending Send call.
func (c *Connection) HandleAck(ok bool) {
	c.mu.Lock()
	ch := c.ackCh
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ok:
	default:
	}
}

// HandleIncoming processes a received TPDU, returning the APDU payload and
// true if it was an in-sequence T_Data_Connected that should be delivered
// to the application, sending the matching T_ACK as a side effect. Out of
// sequence segments are NACKed and dropped per spec §4.11.
func (c *Connection) HandleIncoming(tpdu []byte) ([]byte, bool) {
	if len(tpdu) == 0 {
		return nil, false
	}
	control := tpdu[0]

	switch {
	case control == tpciDisconnect:
		c.setState(Disconnected)
		return nil, false
	case control == tpciConnect:
		return nil, false
	case control&0xC0 == tpciDataConnected:
		seq := (control >> 2) & 0x0F
		c.mu.Lock()
		expect := c.seqRecv
		c.mu.Unlock()

		switch seq {
		case expect:
			_ = c.sender.SendTPDU(c.dest, []byte{tpciAck | expect<<2})
			c.mu.Lock()
			c.seqRecv = (c.seqRecv + 1) & 0x0F
			c.mu.Unlock()
			return tpdu[1:], true
		case (expect - 1) & 0x0F:
			// the peer's retransmission of the segment we already
			// acked and delivered: ack again, don't redeliver.
			_ = c.sender.SendTPDU(c.dest, []byte{tpciAck | seq<<2})
			return nil, false
		default:
			_ = c.sender.SendTPDU(c.dest, []byte{tpciNack | expect<<2})
			return nil, false
		}
	}
	return nil, false
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// TPCI control field values (spec §4.11, §6).
const (
	tpciDataConnected byte = 0x00
	tpciConnect       byte = 0x80
	tpciDisconnect    byte = 0x81
	tpciAck           byte = 0xC2
	tpciNack          byte = 0xC3
)
