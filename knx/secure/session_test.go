package secure

import (
	"bytes"
	"testing"
	"time"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	clientPriv, clientPub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	serverPriv, serverPub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	clientKey, err := DeriveSessionKey(clientPriv, serverPub)
	if err != nil {
		t.Fatalf("derive client key: %v", err)
	}
	serverKey, err := DeriveSessionKey(serverPriv, clientPub)
	if err != nil {
		t.Fatalf("derive server key: %v", err)
	}
	if clientKey != serverKey {
		t.Fatalf("shared keys disagree")
	}

	var serial [6]byte
	copy(serial[:], []byte{1, 2, 3, 4, 5, 6})
	client := NewSession(1, clientKey, serial, [16]byte{})
	server := NewSession(1, serverKey, serial, [16]byte{})

	plaintext := []byte("a tunneling request frame")
	wrapped, err := client.Wrap(0, plaintext)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	got, err := server.Unwrap(wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestUnwrapRejectsReplay(t *testing.T) {
	_, pub1, _ := GenerateKeyPair()
	priv2, _, _ := GenerateKeyPair()
	key, _ := DeriveSessionKey(priv2, pub1)

	var serial [6]byte
	client := NewSession(1, key, serial, [16]byte{})
	server := NewSession(1, key, serial, [16]byte{})

	wrapped, err := client.Wrap(0, []byte("first"))
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := server.Unwrap(wrapped); err != nil {
		t.Fatalf("first unwrap: %v", err)
	}
	if _, err := server.Unwrap(wrapped); err == nil {
		t.Fatalf("expected replayed sequence number to be rejected")
	}
}

func TestNeedsKeepAlive(t *testing.T) {
	var serial [6]byte
	s := NewSession(1, [16]byte{}, serial, [16]byte{})
	if s.NeedsKeepAlive(time.Now()) {
		t.Fatalf("freshly created session should not need a keep-alive yet")
	}
	future := time.Now().Add(KeepAliveInterval + time.Second)
	if !s.NeedsKeepAlive(future) {
		t.Fatalf("expected keep-alive to be due after the interval elapses")
	}
}

func TestClockApplySyncRespectsTolerance(t *testing.T) {
	c := NewClock(false)
	now := c.Now()
	if c.ApplySync(now + 100) {
		t.Fatalf("small drift within tolerance should not trigger a resync")
	}
	if !c.ApplySync(now + uint64(SyncTolerance/time.Millisecond) + 1000) {
		t.Fatalf("large drift beyond tolerance should trigger a resync")
	}
}
