package knxnet

import "encoding/binary"

// RoutingIndBody is ROUTING_IND (0x0530): an unconfirmed cEMI frame
// distributed over the routing multicast group.
type RoutingIndBody struct {
	CEMI []byte
}

func (RoutingIndBody) Service() ServiceType { return RoutingInd }

func (b RoutingIndBody) Pack() []byte { return append([]byte(nil), b.CEMI...) }

func init() {
	register(RoutingInd, func(data []byte) (Body, error) {
		return RoutingIndBody{CEMI: append([]byte(nil), data...)}, nil
	})
}

// RoutingLostMsgBody is ROUTING_LOST_MSG (0x0531): a server-side buffer
// overflow notification.
type RoutingLostMsgBody struct {
	DeviceState byte
	LostCount   uint16
}

func (RoutingLostMsgBody) Service() ServiceType { return RoutingLostMsg }

func (b RoutingLostMsgBody) Pack() []byte {
	out := []byte{2, b.DeviceState, 0, 0}
	binary.BigEndian.PutUint16(out[2:4], b.LostCount)
	return out
}

func init() {
	register(RoutingLostMsg, func(data []byte) (Body, error) {
		if len(data) < 4 {
			return nil, WireFormatError(0, "short ROUTING_LOST_MSG")
		}
		return RoutingLostMsgBody{DeviceState: data[1], LostCount: binary.BigEndian.Uint16(data[2:4])}, nil
	})
}

// RoutingBusyBody is ROUTING_BUSY (0x0532): cooperative flow-control
// notification (spec §4.8).
type RoutingBusyBody struct {
	DeviceState byte
	WaitMillis  uint16
	ControlFlag uint16
}

func (RoutingBusyBody) Service() ServiceType { return RoutingBusy }

func (b RoutingBusyBody) Pack() []byte {
	out := []byte{2, b.DeviceState, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(out[2:4], b.WaitMillis)
	binary.BigEndian.PutUint16(out[4:6], b.ControlFlag)
	return out
}

func init() {
	register(RoutingBusy, func(data []byte) (Body, error) {
		if len(data) < 6 {
			return nil, WireFormatError(0, "short ROUTING_BUSY")
		}
		return RoutingBusyBody{
			DeviceState: data[1],
			WaitMillis:  binary.BigEndian.Uint16(data[2:4]),
			ControlFlag: binary.BigEndian.Uint16(data[4:6]),
		}, nil
	})
}

// RoutingSystemBroadcastBody is the IP system broadcast variant of
// ROUTING_IND, sent unencrypted on the system-setup channel regardless of
// secure-session state (spec §4.8).
type RoutingSystemBroadcastBody struct {
	CEMI []byte
}

func (RoutingSystemBroadcastBody) Service() ServiceType { return RoutingSystemBroadcast }

func (b RoutingSystemBroadcastBody) Pack() []byte { return append([]byte(nil), b.CEMI...) }

// Note: RoutingSystemBroadcast and SecureWrapper share service type 0x0950;
// the system-setup multicast socket only ever carries the former unencrypted,
// and the routing/unicast sockets otherwise carry the latter (a GroupRouter
// whose routing group is the system-setup group also sends system
// broadcasts on its routing socket), so a single decoder registration for
// 0x0950 would be ambiguous. Decoding therefore
// happens contextually: callers on the system-broadcast path parse with
// ParseRoutingSystemBroadcast, callers on a secure session parse with
// ParseSecureWrapper. Neither is registered in the generic dispatch table.

// ParseRoutingSystemBroadcast decodes a 0x0950 frame known (by socket context)
// to be an unencrypted system broadcast.
func ParseRoutingSystemBroadcast(data []byte) (RoutingSystemBroadcastBody, error) {
	return RoutingSystemBroadcastBody{CEMI: append([]byte(nil), data...)}, nil
}
