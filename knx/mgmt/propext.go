package mgmt

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
)

// PropertyExtRead reads count elements of pid on an interface object using
// A_PropertyExtValue_Read, with 16-bit object type, instance, PID and count
// fields and a 24-bit start index, for devices whose object model exceeds
// the classic 4-bit count/12-bit index encoding (spec §4.12).
func (c *Client) PropertyExtRead(ctx context.Context, objectType uint16, objectInstance uint16, pid uint16, start uint32, count uint16) ([]byte, error) {
	args := make([]byte, 11)
	binary.BigEndian.PutUint16(args[0:2], objectType)
	binary.BigEndian.PutUint16(args[2:4], objectInstance)
	binary.BigEndian.PutUint16(args[4:6], pid)
	binary.BigEndian.PutUint16(args[6:8], count)
	args[8] = byte(start >> 16)
	args[9] = byte(start >> 8)
	args[10] = byte(start)

	r, err := c.request(ctx, requestSpec{apci: PropertyExtValueRead, wantAPCI: PropertyExtValueResponse}, args)
	if err != nil {
		return nil, errors.Wrap(err, "mgmt: extended property read")
	}
	if len(r.data) < 7 {
		return nil, errors.New("mgmt: short extended property read response")
	}
	return r.data[7:], nil
}

// PropertyExtWrite writes data as count elements of pid starting at start
// using A_PropertyExtValue_Write.
func (c *Client) PropertyExtWrite(ctx context.Context, objectType uint16, objectInstance uint16, pid uint16, start uint32, count uint16, data []byte) error {
	args := make([]byte, 11, 11+len(data))
	binary.BigEndian.PutUint16(args[0:2], objectType)
	binary.BigEndian.PutUint16(args[2:4], objectInstance)
	binary.BigEndian.PutUint16(args[4:6], pid)
	binary.BigEndian.PutUint16(args[6:8], count)
	args[8] = byte(start >> 16)
	args[9] = byte(start >> 8)
	args[10] = byte(start)
	args = append(args, data...)

	_, err := c.request(ctx, requestSpec{apci: PropertyExtValueWrite, wantAPCI: PropertyExtValueResponse, window: WriteResponseWindow}, args)
	return errors.Wrap(err, "mgmt: extended property write")
}

// PropertyExtDescription is the decoded response to
// A_PropertyExtDescription_Read.
type PropertyExtDescription struct {
	ObjectType     uint16
	ObjectInstance uint16
	PID            uint16
	PropertyIndex  uint16
	WriteEnabled   bool
	DataType       byte
	MaxElements    uint16
	AccessLevel    byte
}

// PropertyExtDescriptionRead reads an extended interface object property's
// description, the 24-bit-addressable counterpart of PropertyDescriptionRead.
func (c *Client) PropertyExtDescriptionRead(ctx context.Context, objectType, objectInstance, pid, propertyIndex uint16) (PropertyExtDescription, error) {
	args := make([]byte, 8)
	binary.BigEndian.PutUint16(args[0:2], objectType)
	binary.BigEndian.PutUint16(args[2:4], objectInstance)
	binary.BigEndian.PutUint16(args[4:6], pid)
	binary.BigEndian.PutUint16(args[6:8], propertyIndex)

	r, err := c.request(ctx, requestSpec{apci: PropertyExtDescRead, wantAPCI: PropertyExtDescResponse}, args)
	if err != nil {
		return PropertyExtDescription{}, errors.Wrap(err, "mgmt: extended property description read")
	}
	if len(r.data) < 13 {
		return PropertyExtDescription{}, errors.New("mgmt: short extended property description response")
	}
	return PropertyExtDescription{
		ObjectType:     binary.BigEndian.Uint16(r.data[0:2]),
		ObjectInstance: binary.BigEndian.Uint16(r.data[2:4]),
		PID:            binary.BigEndian.Uint16(r.data[4:6]),
		PropertyIndex:  binary.BigEndian.Uint16(r.data[6:8]),
		WriteEnabled:   r.data[8]&0x80 != 0,
		DataType:       r.data[8] & 0x7F,
		MaxElements:    binary.BigEndian.Uint16(r.data[9:11]),
		AccessLevel:    r.data[12],
	}, nil
}
