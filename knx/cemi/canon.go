package cemi

// Canonical reduces an L-Data frame to the form used to match a .req against
// its eventual .con (spec §4.4): the message code is normalized to LDataCon,
// Ctrl1's repeat/ack-request bits are masked off since a confirmation may
// report them differently than the request did, a request's own source
// address is zeroed since the stack fills it in on the wire, non-standard
// additional-info TLVs (anything but type 0x03, RF info, which devices are
// permitted to echo back changed) are stripped, and the hop count is
// lowered by one (not below zero). Which hop-count differences between a
// request and its confirmation are tolerated is decided by Matches.
func Canonical(f LData) LData {
	c := f
	c.Code = LDataCon
	c.Ctrl1 = f.Ctrl1 &^ (ctrlRepeatBit | ctrlAckBit)
	c.Source = 0

	hop := (f.Ctrl2 & ctrlHopMask) >> ctrlHopShift
	if hop > 0 {
		hop--
	}
	c.Ctrl2 = (f.Ctrl2 &^ ctrlHopMask) | (hop << ctrlHopShift)

	var kept []AddInfo
	for _, a := range f.AddInfo {
		if a.Type == addInfoRFInfo {
			kept = append(kept, a)
		}
	}
	c.AddInfo = kept
	return c
}

const (
	ctrlRepeatBit = 0x20
	ctrlAckBit    = 0x02
	ctrlHopMask   = 0x70
	ctrlHopShift  = 4
	addInfoRFInfo = 0x03
)

// Matches reports whether con, after canonicalization, matches the
// canonical form of the original request req. Hop-count leniency and a
// zeroed source on both sides means a device that decrements the hop count
// by one (the ordinary case) or leaves it untouched (seen from some Gira
// couplers) are both accepted.
func Matches(req, con LData) bool {
	a, b := Canonical(req), Canonical(con)
	hopReq := (req.Ctrl2 & ctrlHopMask) >> ctrlHopShift
	hopCon := (con.Ctrl2 & ctrlHopMask) >> ctrlHopShift
	if hopCon != hopReq && hopCon+1 != hopReq {
		return false
	}
	a.Ctrl2 &^= ctrlHopMask
	b.Ctrl2 &^= ctrlHopMask
	if a.Ctrl1 != b.Ctrl1 || a.Ctrl2 != b.Ctrl2 || a.Dest != b.Dest {
		return false
	}
	if len(a.TPDU) != len(b.TPDU) {
		return false
	}
	for i := range a.TPDU {
		if a.TPDU[i] != b.TPDU[i] {
			return false
		}
	}
	return true
}
