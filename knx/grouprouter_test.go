package knx

import "testing"

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	d := DefaultConfig()
	if cfg.ResponseTimeout != d.ResponseTimeout {
		t.Fatalf("ResponseTimeout = %v, want %v", cfg.ResponseTimeout, d.ResponseTimeout)
	}
	if cfg.HeartbeatInterval != d.HeartbeatInterval {
		t.Fatalf("HeartbeatInterval = %v, want %v", cfg.HeartbeatInterval, d.HeartbeatInterval)
	}
	if cfg.DisableResyncOnSkip {
		t.Fatalf("expected DisableResyncOnSkip zero value to leave resync-on-skip enabled by default")
	}
}

func TestConfigPreservesExplicitValues(t *testing.T) {
	cfg := Config{HeartbeatRetries: 2}.withDefaults()
	if cfg.HeartbeatRetries != 2 {
		t.Fatalf("HeartbeatRetries = %d, want 2 (explicit value should survive defaulting)", cfg.HeartbeatRetries)
	}
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := newErr(KindTimeout, "no response from 1.1.1")
	if !err.Is(ErrTimeout) {
		t.Fatalf("expected newErr(KindTimeout, ...) to match ErrTimeout by kind")
	}
	if err.Is(ErrClosed) {
		t.Fatalf("expected mismatched kinds to not match")
	}
}
