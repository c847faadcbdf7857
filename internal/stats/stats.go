// Package stats counts frame traffic for a long-running connection, the
// same shape as kcptun's kcp.Snmp counters but sized for KNXnet/IP: frames
// sent/received/dropped and the protocol-level recovery events worth
// watching over time (resyncs, missed heartbeats).
package stats

import (
	"strconv"
	"sync/atomic"
)

// Counters is safe for concurrent use; every field is updated with atomic
// operations so a CSV logger can snapshot it from a separate goroutine
// without locking out the hot path.
type Counters struct {
	FramesSent      int64
	FramesRecv      int64
	FramesDropped   int64
	Resyncs         int64
	HeartbeatMisses int64
}

// Header returns the CSV column names, in the same order ToSlice emits
// them.
func (c *Counters) Header() []string {
	return []string{"FramesSent", "FramesRecv", "FramesDropped", "Resyncs", "HeartbeatMisses"}
}

// ToSlice snapshots the counters as strings for one CSV row.
func (c *Counters) ToSlice() []string {
	return []string{
		strconv.FormatInt(atomic.LoadInt64(&c.FramesSent), 10),
		strconv.FormatInt(atomic.LoadInt64(&c.FramesRecv), 10),
		strconv.FormatInt(atomic.LoadInt64(&c.FramesDropped), 10),
		strconv.FormatInt(atomic.LoadInt64(&c.Resyncs), 10),
		strconv.FormatInt(atomic.LoadInt64(&c.HeartbeatMisses), 10),
	}
}

func (c *Counters) IncSent()            { atomic.AddInt64(&c.FramesSent, 1) }
func (c *Counters) IncRecv()            { atomic.AddInt64(&c.FramesRecv, 1) }
func (c *Counters) IncDropped()         { atomic.AddInt64(&c.FramesDropped, 1) }
func (c *Counters) IncResync()          { atomic.AddInt64(&c.Resyncs, 1) }
func (c *Counters) IncHeartbeatMisses() { atomic.AddInt64(&c.HeartbeatMisses, 1) }
