package knxnet

import (
	"bytes"
	"net"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	body := TunnelingAckBody{Conn: ConnectionHeader{Channel: 7, Seq: 3, Status: StatusNoError}}
	encoded := Pack(body)

	decoded, hdr, ok, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ok {
		t.Fatalf("decode reported not ok")
	}
	if hdr.ServiceType != TunnelingAck {
		t.Fatalf("service type = %v, want %v", hdr.ServiceType, TunnelingAck)
	}
	ack, ok := decoded.(TunnelingAckBody)
	if !ok {
		t.Fatalf("decoded type = %T", decoded)
	}
	if ack != body {
		t.Fatalf("round trip mismatch: got %+v, want %+v", ack, body)
	}
}

func TestHPAIRoundTrip(t *testing.T) {
	cases := []HPAI{
		Tcp(),
		Nat(),
		Udp(net.IPv4(192, 168, 1, 10), 3671),
	}
	for _, h := range cases {
		encoded := h.Pack()
		decoded, n, err := ParseHPAI(encoded)
		if err != nil {
			t.Fatalf("parse HPAI: %v", err)
		}
		if n != hpaiLength {
			t.Fatalf("consumed %d, want %d", n, hpaiLength)
		}
		if decoded.Protocol != h.Protocol || decoded.IsNAT != h.IsNAT {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, h)
		}
		if h.Protocol == HPAIUdp && !h.IsNAT && !decoded.IP.Equal(h.IP) {
			t.Fatalf("IP mismatch: got %v, want %v", decoded.IP, h.IP)
		}
	}
}

func TestConnectReqRoundTrip(t *testing.T) {
	req := ConnectReqBody{
		Control: Udp(net.IPv4(10, 0, 0, 1), 3671),
		Data:    Udp(net.IPv4(10, 0, 0, 1), 3672),
		CRI:     CRI{ConnType: ConnTypeTunnel, Layer: TunnelLinkLayer},
	}
	encoded := Pack(req)
	decoded, _, ok, err := Decode(encoded)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	got := decoded.(ConnectReqBody)
	if got.CRI != req.CRI {
		t.Fatalf("CRI mismatch: got %+v, want %+v", got.CRI, req.CRI)
	}
}

func TestTunnelingReqRoundTrip(t *testing.T) {
	req := TunnelingReqBody{
		Conn: ConnectionHeader{Channel: 5, Seq: 0},
		CEMI: []byte{0x29, 0x00, 0xB0, 0x00, 0x00, 0x11, 0x01, 0x01, 0x00, 0x81},
	}
	encoded := Pack(req)
	decoded, _, ok, err := Decode(encoded)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	got := decoded.(TunnelingReqBody)
	if got.Conn != req.Conn || !bytes.Equal(got.CEMI, req.CEMI) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestUnsupportedVersionDiscarded(t *testing.T) {
	encoded := Pack(TunnelingAckBody{Conn: ConnectionHeader{Channel: 1}})
	encoded[1] = 0x11 // corrupt the protocol version

	decoded, _, ok, err := Decode(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || decoded != nil {
		t.Fatalf("expected frame to be discarded, got ok=%v decoded=%v", ok, decoded)
	}
}

func TestZeroServiceTypeIgnored(t *testing.T) {
	encoded := Pack(TunnelingAckBody{Conn: ConnectionHeader{Channel: 1}})
	encoded[2], encoded[3] = 0, 0

	_, _, ok, err := Decode(encoded)
	if err != nil || ok {
		t.Fatalf("expected zero service type to be ignored, got ok=%v err=%v", ok, err)
	}
}

func TestSecureGroupSyncRoundTrip(t *testing.T) {
	sync := SecureGroupSyncBody{Timestamp: 123456789, Tag: 42}
	copy(sync.Serial[:], []byte{1, 2, 3, 4, 5, 6})
	for i := range sync.MAC {
		sync.MAC[i] = byte(i)
	}
	encoded := Pack(sync)
	decoded, _, ok, err := Decode(encoded)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	got := decoded.(SecureGroupSyncBody)
	if got != sync {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, sync)
	}
}
