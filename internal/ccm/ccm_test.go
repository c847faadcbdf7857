package ccm

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	nonce := bytes.Repeat([]byte{0x07}, NonceSize)
	assoc := []byte{0x01, 0x02, 0x03}
	plaintext := []byte("knxnet/ip secure test payload")

	sealed, err := Seal(key, nonce, assoc, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Open(key, nonce, assoc, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	nonce := bytes.Repeat([]byte{0x02}, NonceSize)
	sealed, err := Seal(key, nonce, nil, []byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[0] ^= 0xFF
	if _, err := Open(key, nonce, nil, sealed); err == nil {
		t.Fatalf("expected tampered ciphertext to fail authentication")
	}
}

func TestOpenRejectsWrongAssoc(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	nonce := bytes.Repeat([]byte{0x02}, NonceSize)
	sealed, err := Seal(key, nonce, []byte("right"), []byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(key, nonce, []byte("wrong"), sealed); err == nil {
		t.Fatalf("expected mismatched associated data to fail authentication")
	}
}
