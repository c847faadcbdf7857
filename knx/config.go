package knx

import "time"

// disconnectTimeout bounds how long Close waits for DISCONNECT_RES after
// sending DISCONNECT_REQ before proceeding with unconditional cleanup
// anyway (spec §4.4).
const disconnectTimeout = 10 * time.Second

// Config holds the tunable parameters common to every connection kind. A
// zero Config is valid; DefaultConfig fills in the spec's recommended
// defaults for the parameters a caller cares to not think about (mirroring
// client/config.go's pattern of a Config struct whose zero value is made
// sane by a single defaulting pass, not by field-by-field default tags).
type Config struct {
	// ResponseTimeout bounds how long a request-expecting call waits for its
	// service confirmation (spec §4.3/§4.6, e.g. CONNECT_RES, TUNNELING_ACK).
	ResponseTimeout time.Duration

	// HeartbeatInterval is how often CONNECTIONSTATE_REQ is sent on an idle
	// connection (spec §4.5).
	HeartbeatInterval time.Duration

	// HeartbeatTimeout bounds how long a single CONNECTIONSTATE_REQ waits for
	// its response before it counts as a missed heartbeat (spec §4.5).
	HeartbeatTimeout time.Duration

	// HeartbeatRetries is how many consecutive missed heartbeats are
	// tolerated before the connection is torn down (spec §4.5).
	HeartbeatRetries int

	// DisableResyncOnSkip turns off tolerating a single skipped sequence
	// number on a tunnel connection; by default (zero value, spec §9 Open
	// Question 1, decided in DESIGN.md) a tunnel that sees exactly one
	// sequence number skipped (counted modulo 256) accepts the frame; with
	// the flag set such a frame is answered with a sequence-number error ack
	// and dropped. Named as a negative flag so Config's zero value
	// already matches the spec's chosen default.
	DisableResyncOnSkip bool

	// MaxSendAttempts bounds how many times in all, the first attempt
	// included, Send transmits a frame that times out waiting for its
	// service-ack before giving up (spec §4.4).
	MaxSendAttempts int

	// ConWindow bounds how long SendMode WaitForCon waits for a matching
	// L_Data.con after the service-ack succeeds (spec §4.4).
	ConWindow time.Duration
}

// DefaultConfig returns the spec's recommended parameter values.
func DefaultConfig() Config {
	return Config{
		ResponseTimeout:   10 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		HeartbeatRetries:  4,
		MaxSendAttempts:   2,
		ConWindow:         3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.HeartbeatRetries <= 0 {
		c.HeartbeatRetries = d.HeartbeatRetries
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = d.MaxSendAttempts
	}
	if c.ConWindow <= 0 {
		c.ConWindow = d.ConWindow
	}
	return c
}
