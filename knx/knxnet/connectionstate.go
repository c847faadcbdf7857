package knxnet

// ConnectionstateReqBody is CONNECTIONSTATE_REQ (0x0207), sent by the
// heartbeat monitor (spec §4.5).
type ConnectionstateReqBody struct {
	Channel byte
	Control HPAI
}

func (ConnectionstateReqBody) Service() ServiceType { return ConnectionstateReq }

func (b ConnectionstateReqBody) Pack() []byte {
	out := []byte{b.Channel, 0x00}
	return append(out, b.Control.Pack()...)
}

func init() {
	register(ConnectionstateReq, func(data []byte) (Body, error) {
		if len(data) < 2 {
			return nil, WireFormatError(0, "short CONNECTIONSTATE_REQ")
		}
		hpai, _, err := ParseHPAI(data[2:])
		if err != nil {
			return nil, err
		}
		return ConnectionstateReqBody{Channel: data[0], Control: hpai}, nil
	})
}

// ConnectionstateResBody is CONNECTIONSTATE_RES (0x0208).
type ConnectionstateResBody struct {
	Channel byte
	Status  Status
}

func (ConnectionstateResBody) Service() ServiceType { return ConnectionstateRes }

func (b ConnectionstateResBody) Pack() []byte { return []byte{b.Channel, byte(b.Status)} }

func init() {
	register(ConnectionstateRes, func(data []byte) (Body, error) {
		if len(data) < 2 {
			return nil, WireFormatError(0, "short CONNECTIONSTATE_RES")
		}
		return ConnectionstateResBody{Channel: data[0], Status: Status(data[1])}, nil
	})
}

// DisconnectReqBody is DISCONNECT_REQ (0x0209).
type DisconnectReqBody struct {
	Channel byte
	Control HPAI
}

func (DisconnectReqBody) Service() ServiceType { return DisconnectReq }

func (b DisconnectReqBody) Pack() []byte {
	out := []byte{b.Channel, 0x00}
	return append(out, b.Control.Pack()...)
}

func init() {
	register(DisconnectReq, func(data []byte) (Body, error) {
		if len(data) < 2 {
			return nil, WireFormatError(0, "short DISCONNECT_REQ")
		}
		hpai, _, err := ParseHPAI(data[2:])
		if err != nil {
			return nil, err
		}
		return DisconnectReqBody{Channel: data[0], Control: hpai}, nil
	})
}

// DisconnectResBody is DISCONNECT_RES (0x020A).
type DisconnectResBody struct {
	Channel byte
	Status  Status
}

func (DisconnectResBody) Service() ServiceType { return DisconnectRes }

func (b DisconnectResBody) Pack() []byte { return []byte{b.Channel, byte(b.Status)} }

func init() {
	register(DisconnectRes, func(data []byte) (Body, error) {
		if len(data) < 2 {
			return nil, WireFormatError(0, "short DISCONNECT_RES")
		}
		return DisconnectResBody{Channel: data[0], Status: Status(data[1])}, nil
	})
}
