package secure

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/eibnet/knx/internal/ccm"
	"github.com/eibnet/knx/knx/knxnet"
)

// GroupSyncInterval is how often the time-keeper broadcasts a
// SecureGroupSync to hold the shared clock current (spec §4.10).
const GroupSyncInterval = 10 * time.Second

// SyncTolerance is the maximum disagreement between a follower's local
// clock and a received timestamp before it is treated as a resync-worthy
// drift rather than ordinary broadcast jitter (spec §4.10).
const SyncTolerance = 2 * time.Second

// FollowerTimeout bounds how long a follower waits for its first group-sync
// before AwaitGroupSync gives up (spec §4.10): two sync intervals plus the
// tolerance, so one missed broadcast doesn't trip it.
const FollowerTimeout = 2*GroupSyncInterval + SyncTolerance

// timeKeeperDelayUnit and timeFollowerDelayUnit scale the randomized delay
// window a device waits before acting on a detected time-keeper absence,
// spreading out simultaneous self-promotion/resync attempts across the
// backbone (spec §4.10).
const (
	timeKeeperDelayUnit   = 50 * time.Millisecond
	timeFollowerDelayUnit = 100 * time.Millisecond
)

// Clock is the millisecond-resolution monotonic clock secure routing frames
// carry, kept in sync across all devices on a backbone by group-sync
// broadcasts. The local clock never runs backwards: timestamp_offset only
// ever advances to absorb a group member running ahead, per spec §4.10.
type Clock struct {
	mu              sync.Mutex
	start           time.Time
	timestampOffset uint64
	isKeeper        bool

	synced   bool
	syncedCh chan struct{}
}

// NewClock starts a clock at zero, in the time-keeper role if keeper is true
// and in the follower role otherwise; only Promote and Demote change the
// role afterwards (ApplySync does not). A keeper is
// considered synced with itself from the start; a follower is not synced
// until its first ApplySync.
func NewClock(keeper bool) *Clock {
	return &Clock{
		start:    time.Now(),
		isKeeper: keeper,
		synced:   keeper,
		syncedCh: make(chan struct{}),
	}
}

func (c *Clock) localMs() uint64 {
	return c.timestampOffset + uint64(time.Since(c.start)/time.Millisecond)
}

// Now returns the current synchronized 48-bit millisecond timestamp.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localMs()
}

// IsTimeKeeper reports whether this device currently holds the time-keeper
// role (the device with the lowest serial number among those heard from
// normally wins this role per spec §4.10; callers decide and call Promote/
// Demote accordingly).
func (c *Clock) IsTimeKeeper() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isKeeper
}

// Promote makes this device the time-keeper.
func (c *Clock) Promote() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isKeeper = true
}

// Demote yields the time-keeper role, e.g. on hearing a sync from a device
// with a lower serial number.
func (c *Clock) Demote() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isKeeper = false
}

// IsSynced reports whether this clock has ever accepted a group-sync
// timestamp (always true for a time-keeper, which defines the group's
// time rather than following it).
func (c *Clock) IsSynced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// AwaitGroupSync blocks until the clock is synced with the group (or
// already was, e.g. as time-keeper), ctx is cancelled, or FollowerTimeout
// elapses, whichever comes first.
func (c *Clock) AwaitGroupSync(ctx context.Context) error {
	c.mu.Lock()
	ch := c.syncedCh
	synced := c.synced
	c.mu.Unlock()
	if synced {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-time.After(FollowerTimeout):
		return errors.New("secure: no group-sync received within FollowerTimeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KeeperDelayWindow returns a randomized delay a device should wait before
// promoting itself to time-keeper after detecting one is missing, spreading
// out simultaneous self-promotion across the backbone (spec §4.10).
func (c *Clock) KeeperDelayWindow() time.Duration {
	return time.Duration(rand.Int63n(int64(timeKeeperDelayUnit))) +
		time.Duration(rand.Int63n(int64(timeFollowerDelayUnit)))
}

// ApplySync advances timestamp_offset to absorb a received group-sync
// timestamp running ahead of the local clock (forward-sync only, per spec
// §4.10: the local clock never jumps backwards). It reports whether the
// received timestamp disagreed with the local value by SyncTolerance or
// more, i.e. whether this was a meaningful resync rather than
// ordinary broadcast jitter. The clock is marked synced on the first call
// regardless of drift size.
func (c *Clock) ApplySync(timestamp uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	local := c.localMs()
	var diff int64
	if timestamp > local {
		diff = int64(timestamp - local)
	} else {
		diff = int64(local - timestamp)
	}

	if timestamp > local {
		c.timestampOffset += timestamp - local
	}

	if !c.synced {
		c.synced = true
		close(c.syncedCh)
	}

	return diff >= int64(SyncTolerance/time.Millisecond)
}

// BuildGroupSync produces the authenticated SecureGroupSync frame a
// time-keeper broadcasts, MACed with the backbone key (distinct from any
// per-tunnel session key; the whole multicast group shares one).
func BuildGroupSync(backboneKey [16]byte, serial [6]byte, timestamp uint64, tag uint16) (knxnet.SecureGroupSyncBody, error) {
	assoc := make([]byte, 2)
	binary.BigEndian.PutUint16(assoc, tag)
	nonce := make([]byte, ccm.NonceSize)
	nonce[0] = byte(timestamp >> 40)
	nonce[1] = byte(timestamp >> 32)
	nonce[2] = byte(timestamp >> 24)
	nonce[3] = byte(timestamp >> 16)
	nonce[4] = byte(timestamp >> 8)
	nonce[5] = byte(timestamp)
	copy(nonce[6:12], serial[:])

	sealed, err := ccm.Seal(backboneKey[:], nonce, assoc, nil)
	if err != nil {
		return knxnet.SecureGroupSyncBody{}, err
	}

	var body knxnet.SecureGroupSyncBody
	body.Timestamp = timestamp
	body.Serial = serial
	body.Tag = tag
	copy(body.MAC[:], sealed)
	return body, nil
}

// VerifyGroupSync authenticates a received SecureGroupSync frame against
// the shared backbone key.
func VerifyGroupSync(backboneKey [16]byte, body knxnet.SecureGroupSyncBody) error {
	assoc := make([]byte, 2)
	binary.BigEndian.PutUint16(assoc, body.Tag)
	nonce := make([]byte, ccm.NonceSize)
	nonce[0] = byte(body.Timestamp >> 40)
	nonce[1] = byte(body.Timestamp >> 32)
	nonce[2] = byte(body.Timestamp >> 24)
	nonce[3] = byte(body.Timestamp >> 16)
	nonce[4] = byte(body.Timestamp >> 8)
	nonce[5] = byte(body.Timestamp)
	copy(nonce[6:12], body.Serial[:])

	_, err := ccm.Open(backboneKey[:], nonce, assoc, body.MAC[:])
	return err
}
