package knxnet

import "encoding/binary"

// ConnectionType identifies the kind of logical channel a CONNECT_REQ opens.
type ConnectionType byte

const (
	ConnTypeDeviceMgmt ConnectionType = 0x03
	ConnTypeTunnel     ConnectionType = 0x04
	ConnTypeRemLog     ConnectionType = 0x06
	ConnTypeRemConf    ConnectionType = 0x07
	ConnTypeObjSvr     ConnectionType = 0x08
)

// TunnelLayer selects the KNX layer a tunnel connection operates at.
type TunnelLayer byte

const (
	TunnelLinkLayer  TunnelLayer = 0x02
	TunnelRaw        TunnelLayer = 0x04
	TunnelBusmon     TunnelLayer = 0x80
)

// CRI is Connection Request Information, carried in CONNECT_REQ.
type CRI struct {
	ConnType ConnectionType
	Layer    TunnelLayer // meaningful only when ConnType == ConnTypeTunnel
}

func (c CRI) pack() []byte {
	switch c.ConnType {
	case ConnTypeTunnel:
		return []byte{4, byte(c.ConnType), byte(c.Layer), 0x00}
	default:
		return []byte{2, byte(c.ConnType)}
	}
}

func parseCRI(data []byte) (CRI, int, error) {
	if len(data) < 2 {
		return CRI{}, 0, WireFormatError(0, "short CRI")
	}
	length := int(data[0])
	if length < 2 || length > len(data) {
		return CRI{}, 0, WireFormatError(0, "invalid CRI length %d", length)
	}
	cri := CRI{ConnType: ConnectionType(data[1])}
	if cri.ConnType == ConnTypeTunnel && length >= 3 {
		cri.Layer = TunnelLayer(data[2])
	}
	return cri, length, nil
}

// CRD is Connection Response Data, carried in CONNECT_RES.
type CRD struct {
	ConnType ConnectionType
	Address  uint16 // KNX individual address assigned, meaningful for tunnel connections
}

func (c CRD) pack() []byte {
	switch c.ConnType {
	case ConnTypeTunnel:
		b := []byte{4, byte(c.ConnType), 0, 0}
		binary.BigEndian.PutUint16(b[2:4], c.Address)
		return b
	default:
		return []byte{2, byte(c.ConnType)}
	}
}

func parseCRD(data []byte) (CRD, int, error) {
	if len(data) < 2 {
		return CRD{}, 0, WireFormatError(0, "short CRD")
	}
	length := int(data[0])
	if length < 2 || length > len(data) {
		return CRD{}, 0, WireFormatError(0, "invalid CRD length %d", length)
	}
	crd := CRD{ConnType: ConnectionType(data[1])}
	if crd.ConnType == ConnTypeTunnel && length >= 4 {
		crd.Address = binary.BigEndian.Uint16(data[2:4])
	}
	return crd, length, nil
}

// Status codes common to CONNECT_RES, CONNECTIONSTATE_RES, ack bodies and
// secure status frames.
type Status byte

const (
	StatusNoError            Status = 0x00
	StatusHostProtocolType   Status = 0x01
	StatusVersionNotSupport  Status = 0x02
	StatusSequenceNumber     Status = 0x04
	StatusConnectionID       Status = 0x21
	StatusConnectionType     Status = 0x22
	StatusConnectionOption   Status = 0x23
	StatusNoMoreConnections  Status = 0x24
	StatusDataConnection     Status = 0x26
	StatusKNXConnection      Status = 0x27
	StatusAuthError          Status = 0x28
	StatusTunnelingLayer     Status = 0x29
)

// ConnectReqBody is CONNECT_REQ (0x0205).
type ConnectReqBody struct {
	Control HPAI
	Data    HPAI
	CRI     CRI
}

func (ConnectReqBody) Service() ServiceType { return ConnectReq }

func (b ConnectReqBody) Pack() []byte {
	out := append([]byte(nil), b.Control.Pack()...)
	out = append(out, b.Data.Pack()...)
	return append(out, b.CRI.pack()...)
}

func init() {
	register(ConnectReq, func(data []byte) (Body, error) {
		control, n1, err := ParseHPAI(data)
		if err != nil {
			return nil, err
		}
		dataHPAI, n2, err := ParseHPAI(data[n1:])
		if err != nil {
			return nil, err
		}
		cri, _, err := parseCRI(data[n1+n2:])
		if err != nil {
			return nil, err
		}
		return ConnectReqBody{Control: control, Data: dataHPAI, CRI: cri}, nil
	})
}

// ConnectResBody is CONNECT_RES (0x0206).
type ConnectResBody struct {
	Channel byte
	Status  Status
	Data    HPAI
	CRD     CRD
}

func (ConnectResBody) Service() ServiceType { return ConnectRes }

func (b ConnectResBody) Pack() []byte {
	out := []byte{b.Channel, byte(b.Status)}
	if b.Status != StatusNoError {
		return out
	}
	out = append(out, b.Data.Pack()...)
	return append(out, b.CRD.pack()...)
}

func init() {
	register(ConnectRes, func(data []byte) (Body, error) {
		if len(data) < 2 {
			return nil, WireFormatError(0, "short CONNECT_RES")
		}
		res := ConnectResBody{Channel: data[0], Status: Status(data[1])}
		if res.Status != StatusNoError {
			return res, nil
		}
		rest := data[2:]
		dataHPAI, n, err := ParseHPAI(rest)
		if err != nil {
			return nil, err
		}
		crd, _, err := parseCRD(rest[n:])
		if err != nil {
			return nil, err
		}
		res.Data = dataHPAI
		res.CRD = crd
		return res, nil
	})
}
