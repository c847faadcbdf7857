package transport

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
	peer *Connection // not used by SendTPDU, which only records what was sent
}

func (f *fakeSender) SendTPDU(dest uint16, tpdu []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), tpdu...))
	f.mu.Unlock()
	return nil
}

func TestConnectTransitionsToOpenIdle(t *testing.T) {
	c := New(&fakeSender{}, 0x1101)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != OpenIdle {
		t.Fatalf("state = %v, want OpenIdle", c.State())
	}
}

func TestSendSucceedsOnAck(t *testing.T) {
	s := &fakeSender{}
	c := New(s, 0x1101)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), []byte{0x00, 0x80}) }()

	time.Sleep(20 * time.Millisecond)
	c.HandleAck(true)

	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if c.State() != OpenIdle {
		t.Fatalf("state after send = %v, want OpenIdle", c.State())
	}
}

func TestSendWithoutAckFailsWhenContextEnds(t *testing.T) {
	s := &fakeSender{}
	c := New(s, 0x1101)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// never acks: expect ctx cancellation to end the wait loop instead of
	// actually exhausting all AckTimeout retries in a unit test
	err := c.Send(ctx, []byte{0x00, 0x80})
	if err == nil {
		t.Fatalf("expected send without ack to fail")
	}
}

func TestHandleIncomingRejectsOutOfSequence(t *testing.T) {
	s := &fakeSender{}
	c := New(s, 0x1101)
	_ = c.Connect(context.Background())

	_, ok := c.HandleIncoming([]byte{0x04, 0x00, 0x80}) // seq=1, expected 0
	if ok {
		t.Fatalf("expected out-of-sequence TPDU to be rejected")
	}
}

func TestHandleIncomingAcceptsInSequence(t *testing.T) {
	s := &fakeSender{}
	c := New(s, 0x1101)
	_ = c.Connect(context.Background())

	apdu, ok := c.HandleIncoming([]byte{0x00, 0x00, 0x80})
	if !ok {
		t.Fatalf("expected in-sequence TPDU to be accepted")
	}
	if len(apdu) != 2 {
		t.Fatalf("apdu length = %d, want 2", len(apdu))
	}
}

func TestHandleIncomingReacksPriorSegmentWithoutRedelivery(t *testing.T) {
	s := &fakeSender{}
	c := New(s, 0x1101)
	_ = c.Connect(context.Background())

	_, ok := c.HandleIncoming([]byte{0x00, 0x00, 0x80})
	if !ok {
		t.Fatalf("expected first in-sequence TPDU to be accepted")
	}

	// peer didn't see our ACK and retransmits seq=0, now one behind seqRecv=1
	_, ok = c.HandleIncoming([]byte{0x00, 0x00, 0x80})
	if ok {
		t.Fatalf("expected retransmitted prior segment not to be redelivered")
	}
}

func TestDestroyedConnectionRejectsConnect(t *testing.T) {
	c := New(&fakeSender{}, 0x1101)
	c.Destroy()
	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("expected Connect on a destroyed connection to fail")
	}
}
