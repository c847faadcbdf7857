package knx

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/eibnet/knx/knx/knxnet"
)

// heartbeatRetryInterval is the spacing between retry probes once the first
// CONNECTIONSTATE_REQ on a tick misses its response (spec §4.5).
const heartbeatRetryInterval = 1 * time.Second

// heartbeatMonitor sends CONNECTIONSTATE_REQ on an interval and reports the
// connection dead after HeartbeatRetries consecutive misses, each waited
// on for up to HeartbeatTimeout (spec §4.5).
type heartbeatMonitor struct {
	cfg     Config
	channel byte
	control knxnet.HPAI
	send    func(knxnet.Body) error

	mu      sync.Mutex
	waiters []chan knxnet.ConnectionstateResBody

	dead chan struct{}
	once sync.Once
}

func newHeartbeatMonitor(cfg Config, channel byte, control knxnet.HPAI, send func(knxnet.Body) error) *heartbeatMonitor {
	return &heartbeatMonitor{cfg: cfg, channel: channel, control: control, send: send, dead: make(chan struct{})}
}

// Dead is closed once the heartbeat monitor gives up on the connection.
func (h *heartbeatMonitor) Dead() <-chan struct{} { return h.dead }

// Deliver feeds a received CONNECTIONSTATE_RES to whichever probe is
// currently waiting for one.
func (h *heartbeatMonitor) Deliver(res knxnet.ConnectionstateResBody) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.waiters {
		select {
		case w <- res:
		default:
		}
	}
}

// Run drives the periodic probe loop until ctx is cancelled or the
// connection is declared dead. A missed probe is retried at
// heartbeatRetryInterval spacing, rather than waiting for the next
// HeartbeatInterval tick, until HeartbeatRetries probes in a row have
// missed (spec §4.5): every 60s sends a CONNECTIONSTATE_REQ and awaits a
// response for up to HeartbeatTimeout, retrying at 1s intervals on failure
// before declaring the connection dead.
func (h *heartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.probe(ctx) {
				continue
			}
			if h.retryUntilDeadOrAlive(ctx) {
				return
			}
		}
	}
}

// retryUntilDeadOrAlive is called after the first missed probe on a tick.
// It retries every heartbeatRetryInterval, up to HeartbeatRetries total
// misses (including the first), and declares the connection dead if none
// succeed. Returns true if the connection was declared dead (caller should
// stop the loop).
func (h *heartbeatMonitor) retryUntilDeadOrAlive(ctx context.Context) bool {
	misses := 1
	log.Printf("knx: missed heartbeat %d/%d on channel %d", misses, h.cfg.HeartbeatRetries, h.channel)
	for misses < h.cfg.HeartbeatRetries {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(heartbeatRetryInterval):
		}
		if h.probe(ctx) {
			return false
		}
		misses++
		log.Printf("knx: missed heartbeat %d/%d on channel %d", misses, h.cfg.HeartbeatRetries, h.channel)
	}
	log.Printf("knx: connection on channel %d declared dead after %d missed heartbeats", h.channel, misses)
	h.once.Do(func() { close(h.dead) })
	return true
}

func (h *heartbeatMonitor) probe(ctx context.Context) bool {
	ch := make(chan knxnet.ConnectionstateResBody, 1)
	h.mu.Lock()
	h.waiters = append(h.waiters, ch)
	h.mu.Unlock()
	defer h.removeWaiter(ch)

	if err := h.send(knxnet.ConnectionstateReqBody{Channel: h.channel, Control: h.control}); err != nil {
		return false
	}

	select {
	case res := <-ch:
		return res.Status == knxnet.StatusNoError
	case <-time.After(h.cfg.HeartbeatTimeout):
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *heartbeatMonitor) removeWaiter(ch chan knxnet.ConnectionstateResBody) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, w := range h.waiters {
		if w == ch {
			h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
			break
		}
	}
}
