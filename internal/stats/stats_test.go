package stats

import "testing"

func TestCountersIncrementAndSnapshot(t *testing.T) {
	var c Counters
	c.IncSent()
	c.IncSent()
	c.IncRecv()
	c.IncDropped()
	c.IncResync()
	c.IncHeartbeatMisses()

	got := c.ToSlice()
	want := []string{"2", "1", "1", "1", "1"}
	if len(got) != len(want) {
		t.Fatalf("ToSlice() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ToSlice()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCountersHeaderMatchesSliceLength(t *testing.T) {
	var c Counters
	if len(c.Header()) != len(c.ToSlice()) {
		t.Fatalf("Header() has %d columns, ToSlice() has %d", len(c.Header()), len(c.ToSlice()))
	}
}
