package knxnet

// ConnectionHeader is the 4-octet per-datagram header shared by
// TUNNELING_REQ/ACK and DEV_CFG_REQ/ACK.
type ConnectionHeader struct {
	Channel byte
	Seq     byte
	Status  Status // only meaningful on the ack side
}

func (h ConnectionHeader) pack() []byte {
	return []byte{4, h.Channel, h.Seq, byte(h.Status)}
}

func parseConnectionHeader(data []byte) (ConnectionHeader, int, error) {
	if len(data) < 4 {
		return ConnectionHeader{}, 0, WireFormatError(0, "short connection header")
	}
	if data[0] != 4 {
		return ConnectionHeader{}, 0, WireFormatError(0, "unexpected connection header length %d", data[0])
	}
	return ConnectionHeader{Channel: data[1], Seq: data[2], Status: Status(data[3])}, 4, nil
}

// TunnelingReqBody is TUNNELING_REQ (0x0420): carries one cEMI frame.
type TunnelingReqBody struct {
	Conn ConnectionHeader
	CEMI []byte
}

func (TunnelingReqBody) Service() ServiceType { return TunnelingReq }

func (b TunnelingReqBody) Pack() []byte {
	return append(b.Conn.pack(), b.CEMI...)
}

func init() {
	register(TunnelingReq, func(data []byte) (Body, error) {
		conn, n, err := parseConnectionHeader(data)
		if err != nil {
			return nil, err
		}
		return TunnelingReqBody{Conn: conn, CEMI: append([]byte(nil), data[n:]...)}, nil
	})
}

// TunnelingAckBody is TUNNELING_ACK (0x0421).
type TunnelingAckBody struct {
	Conn ConnectionHeader
}

func (TunnelingAckBody) Service() ServiceType { return TunnelingAck }

func (b TunnelingAckBody) Pack() []byte { return b.Conn.pack() }

func init() {
	register(TunnelingAck, func(data []byte) (Body, error) {
		conn, _, err := parseConnectionHeader(data)
		if err != nil {
			return nil, err
		}
		return TunnelingAckBody{Conn: conn}, nil
	})
}

// FeatureID identifies a tunneling-feature get/set/info target.
type FeatureID byte

const (
	FeatureSupportedEMIType  FeatureID = 0x01
	FeatureHostDeviceDescr   FeatureID = 0x02
	FeatureBusConnStatus     FeatureID = 0x03
	FeatureKNXManufCode      FeatureID = 0x04
	FeatureActiveEMIType     FeatureID = 0x05
	FeatureInfoExchangeMode  FeatureID = 0x07
)

// TunnelingFeatureBody backs GET/RES/SET/INFO, which all share one wire
// shape: connection header + feature id + return code + value.
type TunnelingFeatureBody struct {
	service ServiceType
	Conn    ConnectionHeader
	Feature FeatureID
	Return  byte
	Value   []byte
}

func (b TunnelingFeatureBody) Service() ServiceType { return b.service }

func (b TunnelingFeatureBody) Pack() []byte {
	out := append([]byte(nil), b.Conn.pack()...)
	out = append(out, byte(b.Feature), b.Return)
	return append(out, b.Value...)
}

func NewTunnelingFeatureGet(conn ConnectionHeader, feature FeatureID) TunnelingFeatureBody {
	return TunnelingFeatureBody{service: TunnelingFeatureGet, Conn: conn, Feature: feature}
}

func NewTunnelingFeatureSet(conn ConnectionHeader, feature FeatureID, value []byte) TunnelingFeatureBody {
	return TunnelingFeatureBody{service: TunnelingFeatureSet, Conn: conn, Feature: feature, Value: value}
}

func parseFeatureBody(service ServiceType) bodyDecoder {
	return func(data []byte) (Body, error) {
		conn, n, err := parseConnectionHeader(data)
		if err != nil {
			return nil, err
		}
		if len(data) < n+2 {
			return nil, WireFormatError(n, "short tunneling feature body")
		}
		return TunnelingFeatureBody{
			service: service,
			Conn:    conn,
			Feature: FeatureID(data[n]),
			Return:  data[n+1],
			Value:   append([]byte(nil), data[n+2:]...),
		}, nil
	}
}

func init() {
	register(TunnelingFeatureGet, parseFeatureBody(TunnelingFeatureGet))
	register(TunnelingFeatureRes, parseFeatureBody(TunnelingFeatureRes))
	register(TunnelingFeatureSet, parseFeatureBody(TunnelingFeatureSet))
	register(TunnelingFeatureInfo, parseFeatureBody(TunnelingFeatureInfo))
}

// DeviceConfigurationReqBody is DEV_CFG_REQ (0x0310): cEMI DevMgmt/T-Data.
type DeviceConfigurationReqBody struct {
	Conn ConnectionHeader
	CEMI []byte
}

func (DeviceConfigurationReqBody) Service() ServiceType { return DeviceConfigurationReq }

func (b DeviceConfigurationReqBody) Pack() []byte { return append(b.Conn.pack(), b.CEMI...) }

func init() {
	register(DeviceConfigurationReq, func(data []byte) (Body, error) {
		conn, n, err := parseConnectionHeader(data)
		if err != nil {
			return nil, err
		}
		return DeviceConfigurationReqBody{Conn: conn, CEMI: append([]byte(nil), data[n:]...)}, nil
	})
}

// DeviceConfigurationAckBody is DEV_CFG_ACK (0x0311).
type DeviceConfigurationAckBody struct {
	Conn ConnectionHeader
}

func (DeviceConfigurationAckBody) Service() ServiceType { return DeviceConfigurationAck }

func (b DeviceConfigurationAckBody) Pack() []byte { return b.Conn.pack() }

func init() {
	register(DeviceConfigurationAck, func(data []byte) (Body, error) {
		conn, _, err := parseConnectionHeader(data)
		if err != nil {
			return nil, err
		}
		return DeviceConfigurationAckBody{Conn: conn}, nil
	})
}
