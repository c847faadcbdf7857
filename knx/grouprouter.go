package knx

import (
	"bytes"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/eibnet/knx/internal/stats"
	"github.com/eibnet/knx/knx/cemi"
	"github.com/eibnet/knx/knx/knxnet"
)

// loopbackCapacity bounds the ring buffer GroupRouter keeps of its own
// recently sent frames, used to recognize and suppress the kernel-level
// multicast echo of those sends on receive (spec §4.8 invariant #3).
const loopbackCapacity = 20

// RoutingRateLimit is the nominal routing frame rate per second (spec
// §4.8). Send does not count frames per second against it; the only
// spacing Send applies is RoutingMinSpacing plus any ROUTING_BUSY pause.
const RoutingRateLimit = 50

// RoutingMinSpacing is the minimum gap enforced between two outbound
// routing frames.
const RoutingMinSpacing = 5 * time.Millisecond

// busyDebounce is the minimum gap between two ROUTING_BUSY notifications
// that counts as a second, distinct busy event rather than noise from the
// same underlying condition (spec §4.8).
const busyDebounce = 10 * time.Millisecond

// busyRandomUnit and busyThrottleUnit scale the random extra delay and the
// throttle window to the current busy_counter (spec §4.8).
const (
	busyRandomUnit   = 50 * time.Millisecond
	busyThrottleUnit = 100 * time.Millisecond
)

// busyDecrementInterval is the tick of the scheduler that counts
// busy_counter back down to zero once the throttle window has ended
// (spec §4.8).
const busyDecrementInterval = 5 * time.Millisecond

// GroupRouter is a KNXnet/IP routing connection (spec §4.8): an
// unconnected peer on the routing multicast group, sending and receiving
// ROUTING_IND frames with no channel handshake, subject to a
// cooperative flow-control protocol (ROUTING_BUSY) instead of per-frame
// acknowledgment.
type GroupRouter struct {
	sock    *knxnet.MulticastSocket
	sysSock *knxnet.SystemBroadcastSocket

	localAddrs map[string]bool

	mu            sync.Mutex
	lastSend      time.Time
	sentBuf       [][]byte
	busyCounter   int
	lastBusyAt    time.Time
	pauseUntil    time.Time
	throttleUntil time.Time
	closed        bool

	inbound chan cemi.LData
	lost    chan knxnet.RoutingLostMsgBody
	done    chan struct{}

	stats stats.Counters
}

// DialGroupRouter joins the routing multicast group (the default group
// unless overridden) and returns a ready-to-use router. When group differs
// from the system-setup group (spec's default, 224.0.23.12), a second
// socket is opened on the system-setup group for IP system broadcasts.
func DialGroupRouter(group net.IP, port int) (*GroupRouter, error) {
	sysGroup := net.ParseIP(knxnet.DefaultMulticastAddr)
	if group == nil {
		group = sysGroup
	}
	if port == 0 {
		port = knxnet.DefaultPort
	}
	sock, err := knxnet.ListenMulticast(group, port)
	if err != nil {
		return nil, err
	}

	addrs, err := localInterfaceAddrs()
	if err != nil {
		sock.Close()
		return nil, err
	}

	r := &GroupRouter{
		sock:       sock,
		localAddrs: addrs,
		inbound:    make(chan cemi.LData, 64),
		lost:       make(chan knxnet.RoutingLostMsgBody, 4),
		done:       make(chan struct{}),
	}

	if !group.Equal(sysGroup) {
		sysSock, err := knxnet.ListenSystemBroadcast(sysGroup, port)
		if err != nil {
			sock.Close()
			return nil, err
		}
		r.sysSock = sysSock
		go r.readSystemBroadcastLoop()
	}

	go r.readLoop()
	return r, nil
}

// Inbound delivers L-Data frames received from the group. The kernel's own
// multicast loopback of this router's sends is suppressed rather than
// delivered here (spec §4.8 invariant #3).
func (r *GroupRouter) Inbound() <-chan cemi.LData { return r.inbound }

// LostMessages delivers ROUTING_LOST_MSG notifications from other routers
// on the segment reporting buffer overflows.
func (r *GroupRouter) LostMessages() <-chan knxnet.RoutingLostMsgBody { return r.lost }

// Stats returns the router's frame counters, suitable for periodic CSV
// logging via internal/stats.CSVLogger.
func (r *GroupRouter) Stats() *stats.Counters { return &r.stats }

// Send transmits an L-Data frame as ROUTING_IND, with at least
// RoutingMinSpacing between sends and honoring any active ROUTING_BUSY
// pause (spec §4.8). It applies no per-second cap of RoutingRateLimit
// frames beyond what that spacing implies. The sent
// frame's bytes are recorded so the kernel's own multicast loopback of it
// can be recognized and dropped on receive instead of delivered twice.
func (r *GroupRouter) Send(frame cemi.LData) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	wait := RoutingMinSpacing - time.Since(r.lastSend)
	pauseWait := time.Until(r.pauseUntil)
	r.mu.Unlock()

	if pauseWait > wait {
		wait = pauseWait
	}
	if wait > 0 {
		time.Sleep(wait)
	}

	packed := frame.Pack()
	if err := r.sock.SendRouting(knxnet.RoutingIndBody{CEMI: packed}); err != nil {
		return err
	}
	r.stats.IncSent()

	r.mu.Lock()
	r.lastSend = time.Now()
	r.sentBuf = append(r.sentBuf, packed)
	if len(r.sentBuf) > loopbackCapacity {
		r.sentBuf = r.sentBuf[len(r.sentBuf)-loopbackCapacity:]
	}
	r.mu.Unlock()
	return nil
}

// SendSystemBroadcast transmits frame as an unencrypted IP system
// broadcast on the system-setup multicast group (spec §4.8), bypassing any
// secure routing session regardless of the routing group or session state.
// If the routing and system-setup groups coincide, it reuses the main
// routing socket, since there is then only one multicast group to send on.
func (r *GroupRouter) SendSystemBroadcast(frame cemi.LData) error {
	packed := frame.Pack()
	if r.sysSock != nil {
		return r.sysSock.Send(packed)
	}
	return r.sock.SendRouting(knxnet.RoutingSystemBroadcastBody{CEMI: packed})
}

func (r *GroupRouter) readLoop() {
	defer close(r.inbound)
	for in := range r.sock.Inbound() {
		switch body := in.Body.(type) {
		case knxnet.RoutingIndBody:
			if r.suppressLoopback(body.CEMI) {
				continue
			}
			r.handleIndication(body.CEMI)
		case knxnet.RoutingLostMsgBody:
			select {
			case r.lost <- body:
			default:
			}
		case knxnet.RoutingBusyBody:
			r.handleBusy(body, in.From)
		}
	}
}

func (r *GroupRouter) readSystemBroadcastLoop() {
	for in := range r.sysSock.Inbound() {
		r.handleIndication(in.CEMI)
	}
}

// suppressLoopback reports whether cemiFrame matches a frame this router
// sent itself (the kernel's multicast loopback echoing it back), consuming
// the matched entry so a legitimately repeated frame from elsewhere isn't
// suppressed a second time.
func (r *GroupRouter) suppressLoopback(cemiFrame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sent := range r.sentBuf {
		if bytes.Equal(sent, cemiFrame) {
			r.sentBuf = append(r.sentBuf[:i], r.sentBuf[i+1:]...)
			return true
		}
	}
	return false
}

// handleBusy applies a received ROUTING_BUSY to the busy-counter flow
// control state machine (spec §4.8): a notification within busyDebounce of
// the last one is treated as the same busy event rather than bumping the
// counter again; otherwise busy_counter increments, a random delay in
// [0, busy_counter*busyRandomUnit) is added on top of the requested wait,
// and the throttle window extends busy_counter*busyThrottleUnit past that.
// Notifications from this router's own interfaces are ignored, since they
// can only be its own broadcast looped back, not a peer under load.
func (r *GroupRouter) handleBusy(body knxnet.RoutingBusyBody, from net.Addr) {
	if r.isLocalAddr(from) {
		return
	}

	r.mu.Lock()
	now := time.Now()
	wasIdle := r.busyCounter == 0
	if now.Sub(r.lastBusyAt) >= busyDebounce {
		r.busyCounter++
	}
	r.lastBusyAt = now
	counter := r.busyCounter

	wait := time.Duration(body.WaitMillis) * time.Millisecond
	random := time.Duration(rand.Int63n(int64(counter) * int64(busyRandomUnit)))
	r.pauseUntil = now.Add(wait + random)
	r.throttleUntil = r.pauseUntil.Add(time.Duration(counter) * busyThrottleUnit)
	r.mu.Unlock()

	if wasIdle {
		time.AfterFunc(busyDecrementInterval, r.decrementBusyCounter)
	}
}

// decrementBusyCounter is the recurring 5ms scheduler that counts
// busy_counter back down to zero once a busy event has started it running
// (spec §4.8). While throttleUntil lies ahead it defers to that time
// instead of decrementing.
func (r *GroupRouter) decrementBusyCounter() {
	r.mu.Lock()
	if wait := time.Until(r.throttleUntil); wait > 0 {
		r.mu.Unlock()
		time.AfterFunc(wait, r.decrementBusyCounter)
		return
	}
	if r.busyCounter > 0 {
		r.busyCounter--
	}
	keepGoing := r.busyCounter > 0
	r.mu.Unlock()

	if keepGoing {
		time.AfterFunc(busyDecrementInterval, r.decrementBusyCounter)
	}
}

func (r *GroupRouter) isLocalAddr(from net.Addr) bool {
	udp, ok := from.(*net.UDPAddr)
	if !ok {
		return false
	}
	return r.localAddrs[udp.IP.String()]
}

func localInterfaceAddrs() (map[string]bool, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		switch v := a.(type) {
		case *net.IPNet:
			out[v.IP.String()] = true
		case *net.IPAddr:
			out[v.IP.String()] = true
		}
	}
	return out, nil
}

func (r *GroupRouter) handleIndication(cemiFrame []byte) {
	code, rest, err := cemi.Decode(cemiFrame)
	if err != nil || !cemi.IsLData(code) {
		return
	}
	frame, err := cemi.ParseLData(code, rest)
	if err != nil {
		log.Printf("knx: discarding malformed routing frame: %v", err)
		return
	}
	r.stats.IncRecv()
	select {
	case r.inbound <- frame:
	default:
		r.stats.IncDropped()
		log.Printf("knx: inbound buffer full, dropping routing frame")
	}
}

// Close leaves the multicast group(s) and releases the socket(s).
func (r *GroupRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	close(r.done)
	if r.sysSock != nil {
		r.sysSock.Close()
	}
	return r.sock.Close()
}
