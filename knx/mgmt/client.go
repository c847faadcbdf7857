package mgmt

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/eibnet/knx/internal/crc16"
	"github.com/eibnet/knx/knx/transport"
)

// ResponseWindow is the default per-service active window a read-style
// request waits in before giving up (spec §4.12).
const ResponseWindow = 5 * time.Second

// WriteResponseWindow is the active window used for services whose
// confirmation can lag behind a read (a property or memory write may
// involve a flash erase on the device), kept distinct from ResponseWindow
// per spec §4.12's per-service (not shared) active window.
const WriteResponseWindow = 10 * time.Second

// DefaultMaxAPDU is assumed until a device's actual maximum APDU length is
// read or discovered via PropertyDescription (spec §4.12).
const DefaultMaxAPDU = 15

// ErrInvalidResponse is returned when the active window elapses after
// having seen only frames that don't match the outstanding request (the
// device did respond, just not to this request), as opposed to a plain
// timeout where nothing matching the expected APCI arrived at all.
var ErrInvalidResponse = errors.New("mgmt: response did not match outstanding request")

// requestSpec describes what response a pending request is scanning for:
// the expected confirmation APCI and, where the service's response payload
// echoes back enough of the request to disambiguate it (object type,
// object instance, PID, address, ...), a matches predicate over the
// payload (spec §4.12). A frame with the right APCI but a matches that
// fails is a stray response to some other request on the bus and is
// skipped rather than accepted, mirroring device management's find_frame
// scanning; a frame with the wrong APCI is ignored outright.
type requestSpec struct {
	apci     APCI
	wantAPCI APCI
	matches  func(data []byte) bool
	window   time.Duration
}

func matchPrefix(args []byte, n int) func([]byte) bool {
	key := append([]byte(nil), args[:n]...)
	return func(data []byte) bool {
		return len(data) >= len(key) && bytes.Equal(data[:len(key)], key)
	}
}

// matchMemoryAddress matches an A_Memory_Response's echoed address, which
// follows a 1-byte count field rather than sitting at the start of data.
func matchMemoryAddress(addr []byte) func([]byte) bool {
	key := append([]byte(nil), addr...)
	return func(data []byte) bool {
		return len(data) >= 1+len(key) && bytes.Equal(data[1:1+len(key)], key)
	}
}

// matchMemoryExtAddress matches an A_MemoryExtended_Read_Response's echoed
// address, which follows a return-code and count byte pair.
func matchMemoryExtAddress(addr []byte) func([]byte) bool {
	key := append([]byte(nil), addr...)
	return func(data []byte) bool {
		return len(data) >= 2+len(key) && bytes.Equal(data[2:2+len(key)], key)
	}
}

// matchMasked matches a single byte of data against want after masking both
// with mask, used for services (ADC channel, key level) that only echo a
// handful of low bits.
func matchMasked(want, mask byte) func([]byte) bool {
	return func(data []byte) bool {
		return len(data) >= 1 && data[0]&mask == want&mask
	}
}

type pendingRequest struct {
	spec       requestSpec
	ch         chan response
	mismatched bool
}

type response struct {
	apci APCI
	data []byte
	err  error
}

// Security holds the tool keys staged and committed across every device a
// process manages, shared by the Clients talking to them (spec §4.12:
// "the device's tool key in Security.deviceToolKeys").
type Security struct {
	mu             sync.Mutex
	deviceToolKeys map[uint16][16]byte
}

// NewSecurity returns an empty tool-key store.
func NewSecurity() *Security {
	return &Security{deviceToolKeys: make(map[uint16][16]byte)}
}

// ToolKey returns the committed tool key for device, if any.
func (s *Security) ToolKey(device uint16) ([16]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.deviceToolKeys[device]
	return key, ok
}

func (s *Security) setToolKey(device uint16, key [16]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceToolKeys[device] = key
}

func (s *Security) clearToolKey(device uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deviceToolKeys, device)
}

// Client is an application-layer management client bound to one open
// transport connection. Exactly one request may be outstanding at a time,
// matching spec §4.12's single-outstanding-request model for a management
// connection.
type Client struct {
	conn     *transport.Connection
	security *Security

	mu      sync.Mutex
	pending *pendingRequest
	maxAPDU int
}

// NewClient wraps an already-Connected transport.Connection. security may
// be nil if the caller never needs tool-key staging (StageToolKey then
// fails with an error rather than silently not persisting anything).
func NewClient(conn *transport.Connection, security *Security) *Client {
	return &Client{conn: conn, security: security, maxAPDU: DefaultMaxAPDU}
}

// HandleIncoming must be called by the connection owner with every TPDU
// received on conn's destination; it feeds transport layer ACK/sequencing
// and, if the resulting APDU matches the outstanding request's spec,
// completes it. A frame that carries the expected APCI but fails the
// request's matches predicate is a stray response to a different object/
// instance/PID (or address, or channel) and is recorded but otherwise
// skipped, so the caller keeps scanning for the real match instead of
// accepting whatever arrives first.
func (c *Client) HandleIncoming(tpdu []byte) {
	apdu, ok := c.conn.HandleIncoming(tpdu)
	if !ok || len(apdu) < 2 {
		return
	}
	apci, data, err := Decode(apdu)

	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()
	if p == nil {
		return
	}
	if err == nil && apci == p.spec.wantAPCI && (p.spec.matches == nil || p.spec.matches(data)) {
		select {
		case p.ch <- response{apci: apci, data: data, err: err}:
		default:
		}
		return
	}
	if err == nil && apci == p.spec.wantAPCI {
		c.mu.Lock()
		p.mismatched = true
		c.mu.Unlock()
	}
}

// request sends one APDU and scans for the response spec describes,
// failing if another request is already outstanding, a frame matching the
// expected APCI but not the request arrives and nothing else follows
// within the window (ErrInvalidResponse), or the window elapses with no
// response at all.
func (c *Client) request(ctx context.Context, spec requestSpec, args []byte) (response, error) {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return response{}, errors.New("mgmt: a request is already outstanding on this connection")
	}
	p := &pendingRequest{spec: spec, ch: make(chan response, 1)}
	c.pending = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	if err := c.conn.Send(ctx, Encode(spec.apci, args)); err != nil {
		return response{}, errors.Wrap(err, "mgmt: send request")
	}

	window := spec.window
	if window == 0 {
		window = ResponseWindow
	}

	select {
	case r := <-p.ch:
		return r, r.err
	case <-time.After(window):
		c.mu.Lock()
		sawMismatch := p.mismatched
		c.mu.Unlock()
		if sawMismatch {
			return response{}, ErrInvalidResponse
		}
		return response{}, errors.New("mgmt: response window elapsed")
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// DeviceDescriptorRead0 reads descriptor type 0 (mask version).
func (c *Client) DeviceDescriptorRead0(ctx context.Context) (DeviceDescriptor0, error) {
	spec := requestSpec{apci: DeviceDescriptorRead, wantAPCI: DeviceDescriptorResponse}
	r, err := c.request(ctx, spec, []byte{0})
	if err != nil {
		return 0, err
	}
	if len(r.data) < 2 {
		return 0, errors.New("mgmt: short device descriptor response")
	}
	return DeviceDescriptor0(binary.BigEndian.Uint16(r.data)), nil
}

// PropertyRead reads count elements of pid on objectType/objectInstance
// starting at start, chunking across multiple requests when the device's
// maximum APDU length can't carry the full response in one frame (spec
// §4.12).
func (c *Client) PropertyRead(ctx context.Context, objectType uint16, objectInstance, pid byte, start uint16, count int) ([]byte, error) {
	var out []byte
	remaining := count
	cur := start
	for remaining > 0 {
		chunk := c.maxElementsPerAPDU()
		if chunk > remaining {
			chunk = remaining
		}
		args := make([]byte, 6)
		binary.BigEndian.PutUint16(args[0:2], objectType)
		args[2] = objectInstance
		args[3] = pid
		binary.BigEndian.PutUint16(args[4:6], uint16(chunk&0x0F)<<12|cur&0x0FFF)

		spec := requestSpec{apci: PropertyValueRead, wantAPCI: PropertyValueResponse, matches: matchPrefix(args, 4)}
		r, err := c.request(ctx, spec, args)
		if err != nil {
			return nil, errors.Wrapf(err, "mgmt: property read at index %d", cur)
		}
		if len(r.data) < 6 {
			return nil, errors.New("mgmt: short property read response")
		}
		got := int((binary.BigEndian.Uint16(r.data[4:6]) >> 12) & 0x0F)
		if got == 0 {
			return nil, errors.New("mgmt: property read returned an error code")
		}
		out = append(out, r.data[6:]...)
		cur += uint16(got)
		remaining -= got
		if got < chunk {
			break
		}
	}
	return out, nil
}

// PropertyWrite writes data as count elements of pid starting at start.
func (c *Client) PropertyWrite(ctx context.Context, objectType uint16, objectInstance, pid byte, start uint16, count int, data []byte) error {
	args := make([]byte, 6, 6+len(data))
	binary.BigEndian.PutUint16(args[0:2], objectType)
	args[2] = objectInstance
	args[3] = pid
	binary.BigEndian.PutUint16(args[4:6], uint16(count&0x0F)<<12|start&0x0FFF)
	args = append(args, data...)

	spec := requestSpec{apci: PropertyValueWrite, wantAPCI: PropertyValueResponse, matches: matchPrefix(args, 4), window: WriteResponseWindow}
	r, err := c.request(ctx, spec, args)
	if err != nil {
		return errors.Wrap(err, "mgmt: property write")
	}
	if len(r.data) >= 6 && (binary.BigEndian.Uint16(r.data[4:6])>>12)&0x0F == 0 {
		return errors.New("mgmt: property write returned an error code")
	}
	return nil
}

// PropertyDescriptionRead reads an interface object property's description
// (max number of elements, access level, data type), used to discover
// PID_MAX_APDU_LENGTH before issuing larger reads.
func (c *Client) PropertyDescriptionRead(ctx context.Context, objectType uint16, objectInstance, pid byte) ([]byte, error) {
	args := []byte{byte(objectType >> 8), byte(objectType), objectInstance, pid, 0}
	spec := requestSpec{apci: PropertyDescRead, wantAPCI: PropertyDescResponse, matches: matchPrefix(args, 4)}
	r, err := c.request(ctx, spec, args)
	if err != nil {
		return nil, errors.Wrap(err, "mgmt: property description read")
	}
	return r.data, nil
}

// CacheMaxAPDU records a device's maximum APDU length for chunking future
// property and memory accesses.
func (c *Client) CacheMaxAPDU(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.maxAPDU = n
	}
}

func (c *Client) maxElementsPerAPDU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := (c.maxAPDU - 6) / 1
	if n < 1 {
		n = 1
	}
	return n
}

// MemoryRead reads count bytes starting at addr using A_Memory_Read (spec
// §4.12, classic, unchecksummed form).
func (c *Client) MemoryRead(ctx context.Context, addr uint16, count int) ([]byte, error) {
	args := append([]byte{byte(count & 0x3F)}, EncodeMemoryAddress(addr)...)
	spec := requestSpec{apci: MemoryRead, wantAPCI: MemoryResponse, matches: matchMemoryAddress(args[1:3])}
	r, err := c.request(ctx, spec, args)
	if err != nil {
		return nil, errors.Wrap(err, "mgmt: memory read")
	}
	if len(r.data) < 3 {
		return nil, errors.New("mgmt: short memory read response")
	}
	return r.data[3:], nil
}

// MemoryWrite writes data starting at addr using A_Memory_Write.
func (c *Client) MemoryWrite(ctx context.Context, addr uint16, data []byte) error {
	args := append([]byte{byte(len(data) & 0x3F)}, EncodeMemoryAddress(addr)...)
	args = append(args, data...)
	spec := requestSpec{apci: MemoryWrite, wantAPCI: MemoryResponse, matches: matchMemoryAddress(args[1:3]), window: WriteResponseWindow}
	_, err := c.request(ctx, spec, args)
	return errors.Wrap(err, "mgmt: memory write")
}

// MemoryExtWrite writes data starting at a 24-bit addr with an appended
// CRC-16/CCITT over the data, using A_MemoryExtended_Write, verified by the
// device and reported back via the .con's return code (spec §4.12).
func (c *Client) MemoryExtWrite(ctx context.Context, addr uint32, data []byte) error {
	crc := crc16.Checksum(data)
	args := make([]byte, 0, 4+len(data)+2)
	args = append(args, byte(len(data)))
	args = append(args, byte(addr>>16), byte(addr>>8), byte(addr))
	args = append(args, data...)
	args = append(args, byte(crc>>8), byte(crc))

	spec := requestSpec{apci: MemoryExtWrite, wantAPCI: MemoryExtWriteResponse, window: WriteResponseWindow}
	r, err := c.request(ctx, spec, args)
	if err != nil {
		return errors.Wrap(err, "mgmt: extended memory write")
	}
	if len(r.data) < 1 {
		return errors.New("mgmt: short extended memory write response")
	}
	if r.data[0] != extMemoryWriteSuccessCrc && r.data[0] != extMemoryWriteSuccess {
		return errors.Errorf("mgmt: extended memory write failed, return code %#x", r.data[0])
	}
	return nil
}

const (
	extMemoryWriteSuccess    = 0x00
	extMemoryWriteSuccessCrc = 0x01
)

// MemoryExtRead reads count bytes at a 24-bit addr using
// A_MemoryExtended_Read.
func (c *Client) MemoryExtRead(ctx context.Context, addr uint32, count int) ([]byte, error) {
	args := []byte{byte(count), byte(addr >> 16), byte(addr >> 8), byte(addr)}
	spec := requestSpec{apci: MemoryExtRead, wantAPCI: MemoryExtReadResponse, matches: matchMemoryExtAddress(args[1:4])}
	r, err := c.request(ctx, spec, args)
	if err != nil {
		return nil, errors.Wrap(err, "mgmt: extended memory read")
	}
	if len(r.data) < 5 {
		return nil, errors.New("mgmt: short extended memory read response")
	}
	return r.data[5:], nil
}

// ADCRead reads an analog/digital converter channel, returning the averaged
// raw value (spec §4.12).
func (c *Client) ADCRead(ctx context.Context, channel byte, count byte) (int16, error) {
	spec := requestSpec{apci: ADCRead, wantAPCI: ADCResponse, matches: matchMasked(channel, 0x3F)}
	r, err := c.request(ctx, spec, []byte{channel & 0x3F, count})
	if err != nil {
		return 0, errors.Wrap(err, "mgmt: ADC read")
	}
	if len(r.data) < 2 {
		return 0, errors.New("mgmt: short ADC response")
	}
	return int16(binary.BigEndian.Uint16(r.data[:2])), nil
}

// AccessLevel identifies one of the authorization levels a device grants
// after a successful A_Authorize_Request.
type AccessLevel byte

// Authorize exchanges a 4-byte key for an access level via
// A_Authorize_Request/Response.
func (c *Client) Authorize(ctx context.Context, key [4]byte) (AccessLevel, error) {
	spec := requestSpec{apci: AuthorizeRequest, wantAPCI: AuthorizeResponse}
	r, err := c.request(ctx, spec, append([]byte{0}, key[:]...))
	if err != nil {
		return 0, errors.Wrap(err, "mgmt: authorize")
	}
	if len(r.data) < 1 {
		return 0, errors.New("mgmt: short authorize response")
	}
	return AccessLevel(r.data[0]), nil
}

// WriteKey installs a new 4-byte access key at level via A_Key_Write
// (spec §4.12). Tool keys are staged separately, by StageToolKey.
func (c *Client) WriteKey(ctx context.Context, level AccessLevel, key [4]byte) error {
	spec := requestSpec{apci: KeyWrite, wantAPCI: KeyResponse, matches: matchMasked(byte(level), 0xFF), window: WriteResponseWindow}
	r, err := c.request(ctx, spec, append([]byte{byte(level)}, key[:]...))
	if err != nil {
		return errors.Wrap(err, "mgmt: write key")
	}
	if len(r.data) < 1 || AccessLevel(r.data[0]) != level {
		return errors.New("mgmt: key write not confirmed at requested level")
	}
	return nil
}

// toolKeyObjectType, toolKeyInstance and toolKeyPID locate the tool key
// property on the Security interface object (spec §4.12).
const (
	toolKeyObjectType = 17
	toolKeyInstance   = 1
	toolKeyPID        = 56
)

// StageToolKey stages key as the connected device's tool key, writes it to
// the Security interface object's tool-key property, and commits it into
// the Client's Security store on success; on failure the previously
// committed key is restored so the store never disagrees with what the
// device actually holds (spec §4.12). Requires the Client to have been
// built with a non-nil Security store.
func (c *Client) StageToolKey(ctx context.Context, key [16]byte) error {
	if c.security == nil {
		return errors.New("mgmt: StageToolKey requires a Client built with a Security store")
	}
	device := c.conn.Dest()
	oldKey, hadOldKey := c.security.ToolKey(device)

	c.security.setToolKey(device, key)
	if err := c.PropertyWrite(ctx, toolKeyObjectType, toolKeyInstance, toolKeyPID, 0, 1, key[:]); err != nil {
		if hadOldKey {
			c.security.setToolKey(device, oldKey)
		} else {
			c.security.clearToolKey(device)
		}
		return errors.Wrap(err, "mgmt: stage tool key")
	}
	return nil
}

// NetworkParamRead reads a network parameter (spec §4.12, router/coupler
// management).
func (c *Client) NetworkParamRead(ctx context.Context, objectType uint16, pid byte, testInfo []byte) ([]byte, error) {
	args := append([]byte{byte(objectType >> 8), byte(objectType), pid}, testInfo...)
	spec := requestSpec{apci: NetworkParamRead, wantAPCI: NetworkParamResponse, matches: matchPrefix(args, 3)}
	r, err := c.request(ctx, spec, args)
	if err != nil {
		return nil, errors.Wrap(err, "mgmt: network parameter read")
	}
	return r.data, nil
}

// NetworkParamWrite writes a network parameter value.
func (c *Client) NetworkParamWrite(ctx context.Context, objectType uint16, pid byte, value []byte) error {
	args := append([]byte{byte(objectType >> 8), byte(objectType), pid}, value...)
	spec := requestSpec{apci: NetworkParamWrite, wantAPCI: NetworkParamResponse, matches: matchPrefix(args, 3), window: WriteResponseWindow}
	_, err := c.request(ctx, spec, args)
	return errors.Wrap(err, "mgmt: network parameter write")
}

// FuncPropCommandInvoke issues an A_FunctionPropertyCommand and returns the
// device's return code plus any result data (spec §4.12).
func (c *Client) FuncPropCommandInvoke(ctx context.Context, objectType uint16, objectInstance, pid byte, data []byte) (byte, []byte, error) {
	args := append([]byte{byte(objectType >> 8), byte(objectType), objectInstance, pid}, data...)
	spec := requestSpec{apci: FuncPropCommand, wantAPCI: FuncPropResponse, matches: matchPrefix(args, 4)}
	r, err := c.request(ctx, spec, args)
	if err != nil {
		return 0, nil, errors.Wrap(err, "mgmt: function property command")
	}
	if len(r.data) < 1 {
		return 0, nil, errors.New("mgmt: short function property response")
	}
	return r.data[0], r.data[1:], nil
}

// FuncPropStateRead issues an A_FunctionPropertyStateRead.
func (c *Client) FuncPropStateRead(ctx context.Context, objectType uint16, objectInstance, pid byte, data []byte) (byte, []byte, error) {
	args := append([]byte{byte(objectType >> 8), byte(objectType), objectInstance, pid}, data...)
	spec := requestSpec{apci: FuncPropStateRead, wantAPCI: FuncPropResponse, matches: matchPrefix(args, 4)}
	r, err := c.request(ctx, spec, args)
	if err != nil {
		return 0, nil, errors.Wrap(err, "mgmt: function property state read")
	}
	if len(r.data) < 1 {
		return 0, nil, errors.New("mgmt: short function property state response")
	}
	return r.data[0], r.data[1:], nil
}

// SupportsFeature reports whether a device advertises support for a given
// extended service via the PropertyDescription of its interface object,
// rather than blindly issuing extended services and hoping for the best.
func (c *Client) SupportsFeature(ctx context.Context, objectType uint16, objectInstance, pid byte) (bool, error) {
	desc, err := c.PropertyDescriptionRead(ctx, objectType, objectInstance, pid)
	if err != nil {
		return false, err
	}
	return len(desc) > 0, nil
}

// Restart issues an unconfirmed A_Restart to the connected device.
func (c *Client) Restart(ctx context.Context) error {
	return errors.Wrap(c.conn.Send(ctx, Encode(Restart, nil)), "mgmt: restart")
}
