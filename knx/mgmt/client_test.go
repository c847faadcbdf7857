package mgmt

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/eibnet/knx/knx/transport"
)

// loopSender hands every sent TPDU straight back to the connection as if
// the peer ACKed it and optionally injects a scripted response APDU.
type loopSender struct {
	conn      *transport.Connection
	client    *Client
	onRequest func(apdu []byte) []byte
}

func (s *loopSender) SendTPDU(dest uint16, tpdu []byte) error {
	if len(tpdu) == 0 {
		return nil
	}
	control := tpdu[0]
	if control&0xC0 != 0x00 {
		// Connect/Disconnect/ACK control frames: nothing to do for this test double.
		return nil
	}
	go func() {
		s.conn.HandleAck(true)
		if s.onRequest == nil {
			return
		}
		resp := s.onRequest(tpdu[1:])
		if resp == nil {
			return
		}
		respTPDU := append([]byte{0x00}, resp...)
		s.client.HandleIncoming(respTPDU)
	}()
	return nil
}

func newLoopClient(t *testing.T, onRequest func([]byte) []byte) *Client {
	t.Helper()
	sender := &loopSender{}
	conn := transport.New(sender, 0x1101)
	client := NewClient(conn, NewSecurity())
	sender.conn = conn
	sender.client = client
	sender.onRequest = onRequest
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return client
}

func TestDeviceDescriptorRead0(t *testing.T) {
	client := newLoopClient(t, func(apdu []byte) []byte {
		return Encode(DeviceDescriptorResponse, []byte{0x07, 0x01})
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dd, err := client.DeviceDescriptorRead0(ctx)
	if err != nil {
		t.Fatalf("device descriptor read: %v", err)
	}
	if dd != 0x0701 {
		t.Fatalf("dd = %#x, want 0x0701", dd)
	}
}

func TestPropertyReadSingleChunk(t *testing.T) {
	client := newLoopClient(t, func(apdu []byte) []byte {
		args := make([]byte, 6)
		binary.BigEndian.PutUint16(args[0:2], 0)
		args[2] = 1
		args[3] = 0x0B
		binary.BigEndian.PutUint16(args[4:6], uint16(1)<<12|1)
		return Encode(PropertyValueResponse, append(args, 0xAA))
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := client.PropertyRead(ctx, 0, 1, 0x0B, 1, 1)
	if err != nil {
		t.Fatalf("property read: %v", err)
	}
	if len(data) != 1 || data[0] != 0xAA {
		t.Fatalf("data = %v, want [0xAA]", data)
	}
}

func TestMemoryExtWriteVerifiesCrc(t *testing.T) {
	client := newLoopClient(t, func(apdu []byte) []byte {
		return Encode(MemoryExtWriteResponse, []byte{0x01})
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.MemoryExtWrite(ctx, 0x010000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("extended memory write: %v", err)
	}
}

func TestPropertyReadSkipsStrayResponse(t *testing.T) {
	var client *Client
	client = newLoopClient(t, func(apdu []byte) []byte {
		stray := make([]byte, 6)
		binary.BigEndian.PutUint16(stray[0:2], 0)
		stray[2] = 1
		stray[3] = 0x0C // wrong PID: a response to someone else's outstanding request
		binary.BigEndian.PutUint16(stray[4:6], uint16(1)<<12|1)
		client.HandleIncoming(append([]byte{0x00}, Encode(PropertyValueResponse, append(stray, 0xFF))...))

		args := make([]byte, 6)
		binary.BigEndian.PutUint16(args[0:2], 0)
		args[2] = 1
		args[3] = 0x0B
		binary.BigEndian.PutUint16(args[4:6], uint16(1)<<12|1)
		// the stray frame took TPCI sequence 0, so the real response is the
		// peer's next data segment, sequence 1
		client.HandleIncoming(append([]byte{0x04}, Encode(PropertyValueResponse, append(args, 0xAA))...))
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := client.PropertyRead(ctx, 0, 1, 0x0B, 1, 1)
	if err != nil {
		t.Fatalf("property read: %v", err)
	}
	if len(data) != 1 || data[0] != 0xAA {
		t.Fatalf("data = %v, want [0xAA]", data)
	}
}

func TestRequestReportsInvalidResponseOnMismatchOnlyTimeout(t *testing.T) {
	var client *Client
	client = newLoopClient(t, func(apdu []byte) []byte {
		// Responds with the right APCI but the wrong object/instance/PID: a
		// stray answer to someone else's outstanding request on the bus.
		stray := make([]byte, 6)
		stray[2] = 1
		stray[3] = 0x0C
		client.HandleIncoming(append([]byte{0x00}, Encode(PropertyValueResponse, append(stray, 0xFF))...))
		return nil
	})
	spec := requestSpec{
		apci:     PropertyValueRead,
		wantAPCI: PropertyValueResponse,
		matches:  matchPrefix([]byte{0, 0, 1, 0x0B}, 4),
		window:   20 * time.Millisecond,
	}
	if _, err := client.request(context.Background(), spec, []byte{0, 0, 1, 0x0B, 0x10, 0x01}); errors.Cause(err) != ErrInvalidResponse {
		t.Fatalf("err = %v, want ErrInvalidResponse", err)
	}
}

func TestStageToolKeyCommitsOnSuccess(t *testing.T) {
	client := newLoopClient(t, func(apdu []byte) []byte {
		args := make([]byte, 6)
		binary.BigEndian.PutUint16(args[0:2], toolKeyObjectType)
		args[2] = toolKeyInstance
		args[3] = toolKeyPID
		binary.BigEndian.PutUint16(args[4:6], uint16(1)<<12)
		return Encode(PropertyValueResponse, args)
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var key [16]byte
	copy(key[:], []byte("0123456789ABCDEF"))
	if err := client.StageToolKey(ctx, key); err != nil {
		t.Fatalf("stage tool key: %v", err)
	}
	got, ok := client.security.ToolKey(client.conn.Dest())
	if !ok || got != key {
		t.Fatalf("committed key = %v, ok %v, want %v, true", got, ok, key)
	}
}

func TestStageToolKeyRollsBackOnFailure(t *testing.T) {
	var oldKey [16]byte
	copy(oldKey[:], []byte("OLDKEY0123456789"))

	client := newLoopClient(t, func(apdu []byte) []byte {
		// elements == 0 signals a negative return code (spec §4.12).
		args := make([]byte, 6)
		binary.BigEndian.PutUint16(args[0:2], toolKeyObjectType)
		args[2] = toolKeyInstance
		args[3] = toolKeyPID
		return Encode(PropertyValueResponse, args)
	})
	client.security.setToolKey(client.conn.Dest(), oldKey)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var newKey [16]byte
	copy(newKey[:], []byte("NEWKEY0123456789"))
	if err := client.StageToolKey(ctx, newKey); err == nil {
		t.Fatalf("expected stage tool key to fail")
	}
	got, ok := client.security.ToolKey(client.conn.Dest())
	if !ok || got != oldKey {
		t.Fatalf("committed key = %v, ok %v, want the restored old key %v", got, ok, oldKey)
	}
}

func TestRequestRejectsConcurrentOutstanding(t *testing.T) {
	client := newLoopClient(t, nil)
	ctx := context.Background()
	spec := requestSpec{apci: DeviceDescriptorRead, wantAPCI: DeviceDescriptorResponse}
	go client.request(ctx, spec, []byte{0})
	time.Sleep(10 * time.Millisecond)
	if _, err := client.request(ctx, spec, []byte{0}); err == nil {
		t.Fatalf("expected concurrent request to be rejected")
	}
}
