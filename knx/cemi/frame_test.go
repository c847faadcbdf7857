package cemi

import "testing"

func TestLDataRoundTrip(t *testing.T) {
	f := LData{
		Code:  LDataInd,
		Ctrl1: 0xBC,
		Ctrl2: 0xE0,
		Source: 0x1101,
		Dest:   0x0801,
		TPDU:   []byte{0x00, 0x81},
	}
	encoded := f.Pack()
	code, rest, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if code != LDataInd {
		t.Fatalf("code = %v, want LDataInd", code)
	}
	got, err := ParseLData(code, rest)
	if err != nil {
		t.Fatalf("parse L-Data: %v", err)
	}
	if got.Ctrl1 != f.Ctrl1 || got.Ctrl2 != f.Ctrl2 || got.Source != f.Source || got.Dest != f.Dest {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
	if len(got.TPDU) != len(f.TPDU) || got.TPDU[0] != f.TPDU[0] || got.TPDU[1] != f.TPDU[1] {
		t.Fatalf("TPDU mismatch: got %v, want %v", got.TPDU, f.TPDU)
	}
}

func TestLDataWithAddInfoRoundTrip(t *testing.T) {
	f := LData{
		Code:    LDataReq,
		AddInfo: []AddInfo{{Type: 0x03, Data: []byte{0x12, 0x34}}},
		Ctrl1:   0xBC,
		Ctrl2:   0xE0,
		Dest:    0x0802,
		TPDU:    []byte{0x00, 0x80},
	}
	encoded := f.Pack()
	code, rest, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	got, err := ParseLData(code, rest)
	if err != nil {
		t.Fatalf("parse L-Data: %v", err)
	}
	if len(got.AddInfo) != 1 || got.AddInfo[0].Type != 0x03 {
		t.Fatalf("additional info lost: %+v", got.AddInfo)
	}
}

func TestLBusmonRoundTrip(t *testing.T) {
	f := LBusmon{Raw: []byte{0x10, 0xBC, 0xE0, 0x11, 0x01, 0x08, 0x01, 0x00, 0x81}}
	encoded := f.Pack()
	code, rest, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if code != LBusmonInd {
		t.Fatalf("code = %v, want LBusmonInd", code)
	}
	got, err := ParseLBusmon(rest)
	if err != nil {
		t.Fatalf("parse L-Busmon: %v", err)
	}
	if len(got.Raw) != len(f.Raw) {
		t.Fatalf("raw length mismatch: got %d, want %d", len(got.Raw), len(f.Raw))
	}
}

func TestPropReadRoundTrip(t *testing.T) {
	req := PropRead{ObjectType: 0, ObjectInstance: 1, PID: 0x0B, Count: 1, Start: 1}
	encoded := req.Pack(MPropReadReq)
	code, rest, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	got, err := ParsePropRead(code, rest)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ObjectType != req.ObjectType || got.PID != req.PID || got.Count != req.Count || got.Start != req.Start {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestMatchesHopCountLeniency(t *testing.T) {
	req := LData{Code: LDataReq, Ctrl1: 0xBC, Ctrl2: 0xE0, Source: 0x1101, Dest: 0x0801, TPDU: []byte{0x00, 0x81}}
	con := LData{Code: LDataCon, Ctrl1: 0xBC, Ctrl2: 0xD0, Source: 0x1101, Dest: 0x0801, TPDU: []byte{0x00, 0x81}}
	if !Matches(req, con) {
		t.Fatalf("expected hop-count-decremented confirmation to match")
	}
}

func TestMatchesRejectsDifferentTPDU(t *testing.T) {
	req := LData{Code: LDataReq, Ctrl1: 0xBC, Ctrl2: 0xE0, Dest: 0x0801, TPDU: []byte{0x00, 0x81}}
	con := LData{Code: LDataCon, Ctrl1: 0xBC, Ctrl2: 0xE0, Dest: 0x0801, TPDU: []byte{0x00, 0x80}}
	if Matches(req, con) {
		t.Fatalf("expected mismatched TPDU to fail")
	}
}
