package knx

import "context"

// SendMode selects how far Send waits before returning (spec §4.4).
type SendMode int

const (
	// NonBlocking does not wait for the send gate: it fails with
	// ErrBusyState if another send is already outstanding on the connection.
	// Once it holds the gate it waits for the service-ack like WaitForAck;
	// it does not return before that.
	NonBlocking SendMode = iota
	// WaitForAck blocks until the service-level acknowledgment (TUNNELING_ACK
	// or DEV_CFG_ACK) for the frame arrives or the send attempts are
	// exhausted.
	WaitForAck
	// WaitForCon additionally waits up to Config.ConWindow, after the
	// service-ack succeeds, for the matching confirmation frame.
	WaitForCon
)

// sendGate is a fair FIFO binary semaphore serializing the send/ack/con
// state machine across goroutines: Go's channel implementation wakes
// blocked receivers in the order they queued, so acquiring by receiving
// from a single-token buffered channel gives the ordering spec §4.4's
// single-outstanding-send model requires.
type sendGate chan struct{}

func newSendGate() sendGate {
	g := make(sendGate, 1)
	g <- struct{}{}
	return g
}

// acquire blocks for the token unless mode is NonBlocking, in which case it
// takes the token only if free and reports ErrBusyState otherwise.
func (g sendGate) acquire(ctx context.Context, mode SendMode) error {
	if mode == NonBlocking {
		select {
		case <-g:
			return nil
		default:
			return ErrBusyState
		}
	}
	select {
	case <-g:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g sendGate) release() { g <- struct{}{} }
