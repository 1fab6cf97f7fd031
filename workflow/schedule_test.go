package workflow

import (
	"testing"
	"time"
)

func TestComputeScheduleDayGrid(t *testing.T) {
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	// 5 items, 2 per day, 3h apart, first slot at 10:00.
	got := ComputeSchedule(base, 10, 5, 2, 3, 0)
	want := []time.Time{
		time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 11, 13, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d slots, got %d", len(want), len(got))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("slot %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestComputeScheduleDeterministic(t *testing.T) {
	base := time.Date(2026, 7, 1, 15, 30, 0, 0, time.UTC)
	a := ComputeSchedule(base, 8, 12, 3, 2, 0)
	b := ComputeSchedule(base, 8, 12, 3, 2, 0)
	for i := range a {
		if !a[i].Equal(b[i]) {
			t.Fatalf("slot %d differs between identical computations: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestComputeScheduleMinutesOverrideHours(t *testing.T) {
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	got := ComputeSchedule(base, 9, 2, 2, 6, 45)
	delta := got[1].Sub(got[0])
	if delta != 45*time.Minute {
		t.Fatalf("expected 45m slot spacing when minutes are set, got %s", delta)
	}
}

func TestComputeScheduleMonotonic(t *testing.T) {
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	got := ComputeSchedule(base, 7, 20, 4, 2, 0)
	for i := 1; i < len(got); i++ {
		if !got[i].After(got[i-1]) {
			t.Fatalf("slot %d (%s) is not after slot %d (%s)", i, got[i], i-1, got[i-1])
		}
	}
}

func TestComputeScheduleEmptyAndDefaults(t *testing.T) {
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	if got := ComputeSchedule(base, 10, 0, 2, 3, 0); got != nil {
		t.Fatalf("expected nil schedule for zero items, got %d slots", len(got))
	}

	// postsPerDay <= 0 falls back to one post per day.
	got := ComputeSchedule(base, 10, 3, 0, 3, 0)
	for i := 1; i < len(got); i++ {
		if got[i].Sub(got[i-1]) != 24*time.Hour {
			t.Fatalf("expected day spacing with postsPerDay fallback, got %s", got[i].Sub(got[i-1]))
		}
	}
}

func TestComputeSingle(t *testing.T) {
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	if got := ComputeSingle(base, 3, 2, 0); !got.Equal(base.Add(6 * time.Hour)) {
		t.Fatalf("expected base+6h, got %s", got)
	}
	if got := ComputeSingle(base, 2, 0, 30); !got.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected base+1h with 30m interval, got %s", got)
	}
	if got := ComputeSingle(base, -1, 2, 0); !got.Equal(base) {
		t.Fatalf("negative index should clamp to base, got %s", got)
	}
}
