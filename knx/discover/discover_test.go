package discover

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/eibnet/knx/knx/knxnet"
)

type fakeInbound struct {
	ch chan knxnet.Incoming
}

func (f *fakeInbound) Inbound() <-chan knxnet.Incoming { return f.ch }

func TestCollectDedupesBySender(t *testing.T) {
	f := &fakeInbound{ch: make(chan knxnet.Incoming, 4)}
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 3671}
	body := knxnet.SearchResBody{Control: knxnet.Udp(net.IPv4(10, 0, 0, 5), 3671)}
	f.ch <- knxnet.Incoming{Body: body, From: addr}
	f.ch <- knxnet.Incoming{Body: body, From: addr}
	close(f.ch)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := collect(ctx, f, func(b knxnet.Body, from net.Addr) (Result, bool) {
		res, ok := b.(knxnet.SearchResBody)
		if !ok {
			return Result{}, false
		}
		return Result{From: from, Control: res.Control}, true
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1 (deduplicated)", len(results))
	}
}

func TestCollectStopsOnContextDone(t *testing.T) {
	f := &fakeInbound{ch: make(chan knxnet.Incoming)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	results, err := collect(ctx, f, func(b knxnet.Body, from net.Addr) (Result, bool) {
		return Result{}, false
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results from an empty, cancelled collection")
	}
}
