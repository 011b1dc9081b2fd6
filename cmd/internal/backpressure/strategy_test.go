package backpressure

import "testing"

func TestResolve(t *testing.T) {
	t.Parallel()

	full := BufferState{Size: 3, Capacity: 3}
	room := BufferState{Size: 2, Capacity: 3}

	cases := []struct {
		s    Strategy
		st   BufferState
		want Action
	}{
		{DropNew, room, Admit},
		{DropNew, full, Reject},
		{DropOldest, full, EvictOldest},
		{RejectWithNotification, full, RejectAndNotify},
		{BlockUntilSpace, full, WaitForSpace},
		{FlushAndAccept, full, FlushThenAdmit},
		{FlushAndAccept, room, Admit},
		{Strategy(99), full, Reject},
	}

	for _, tc := range cases {
		if got := Resolve(tc.s, tc.st); got != tc.want {
			t.Fatalf("Resolve(%v,%+v)=%v want=%v", tc.s, tc.st, got, tc.want)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Strategy
		ok   bool
	}{
		{in: "drop_oldest", want: DropOldest, ok: true},
		{in: "DROP_NEW", want: DropNew, ok: true},
		{in: " flush-and-accept ", want: FlushAndAccept, ok: true},
		{in: "reject_with_notification", want: RejectWithNotification, ok: true},
		{in: "block_until_space", want: BlockUntilSpace, ok: true},
		{in: "drop_everything"},
		{in: ""},
	}

	for _, tc := range cases {
		got, err := ParseStrategy(tc.in)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Fatalf("ParseStrategy(%q)=%v,%v want=%v", tc.in, got, err, tc.want)
			}
			continue
		}
		if err == nil {
			t.Fatalf("ParseStrategy(%q) expected error", tc.in)
		}
	}
}

func TestStrategy_TextRoundTrip(t *testing.T) {
	t.Parallel()

	var s Strategy
	if err := s.UnmarshalText([]byte("FLUSH_AND_ACCEPT")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	b, err := s.MarshalText()
	if err != nil || string(b) != "flush_and_accept" {
		t.Fatalf("marshal=%q,%v", b, err)
	}
	if _, err := Strategy(0).MarshalText(); err == nil {
		t.Fatalf("expected zero strategy to fail marshal")
	}
}

func TestStrategy_Traits(t *testing.T) {
	t.Parallel()

	if !DropOldest.CanLoseMessages() || FlushAndAccept.CanLoseMessages() {
		t.Fatalf("unexpected CanLoseMessages result")
	}
	if !BlockUntilSpace.CanBlock() || DropNew.CanBlock() {
		t.Fatalf("unexpected CanBlock result")
	}
	for s := range names {
		if s.Description() == "Unknown strategy" {
			t.Fatalf("missing description for %v", s)
		}
	}
}
