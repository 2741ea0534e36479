package pacer

import (
	"math"
	"testing"
	"time"
)

func TestRecordAppendsSpacedSamples(t *testing.T) {
	var s Statistics
	for i := 1; i <= 5; i++ {
		s.record(float64(i*10), int64(i), 4, 5)
	}
	if len(s.Recent) != 4 {
		t.Fatalf("ring length = %d, want 4", len(s.Recent))
	}
	if s.Recent[0].Count != 2 || s.Recent[3].Count != 5 {
		t.Errorf("ring = %v, want counts 2..5", s.Recent)
	}
}

func TestRecordCoalescesDenseSamples(t *testing.T) {
	var s Statistics
	s.record(0, 1, 8, 10)
	s.record(1, 2, 8, 10)
	s.record(2, 3, 8, 10)
	s.record(3, 4, 8, 10)
	if len(s.Recent) != 2 {
		t.Fatalf("ring = %v, want 2 samples", s.Recent)
	}
	if s.Recent[1] != (Sample{At: 3, Count: 4}) {
		t.Errorf("newest = %v, want {3 4}", s.Recent[1])
	}

	s.record(12, 5, 8, 10)
	if len(s.Recent) != 3 {
		t.Errorf("ring = %v, want a new sample once spaced past the resolution", s.Recent)
	}
}

func TestWindowRate(t *testing.T) {
	var s Statistics
	// One call every 6 seconds for ten minutes: 600 per hour.
	for i := 1; i <= 100; i++ {
		s.record(float64(i*6), int64(i), 256, 1)
	}
	now := 603.0

	tests := []struct {
		window time.Duration
		want   float64
	}{
		{time.Minute, 600},
		{5 * time.Minute, 600},
		// The ring only covers ten minutes, so a longer window averages in
		// time with no calls.
		{15 * time.Minute, 400},
	}
	for _, tt := range tests {
		got := s.windowRate(now, tt.window)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("windowRate(%v) = %v, want %v", tt.window, got, tt.want)
		}
	}

	if got := s.windowRate(now+3600, time.Minute); got != 0 {
		t.Errorf("windowRate after an idle hour = %v, want 0", got)
	}
	if got := (Statistics{}).windowRate(now, time.Minute); got != 0 {
		t.Errorf("windowRate on empty ring = %v, want 0", got)
	}
}

func TestWindowedRatesKeys(t *testing.T) {
	var s Statistics
	s.record(1, 1, 8, 0)
	rates := s.windowedRates(2, DefaultRateWindows)
	for _, w := range DefaultRateWindows {
		if _, ok := rates[w]; !ok {
			t.Errorf("missing window %v", w)
		}
	}
}

func TestRecentRate(t *testing.T) {
	var s Statistics
	if _, ok := s.recentRate(); ok {
		t.Error("recentRate on empty ring reported ok")
	}
	s.record(100, 1, 8, 0)
	if _, ok := s.recentRate(); ok {
		t.Error("recentRate on one sample reported ok")
	}
	s.record(136, 2, 8, 0)
	s.record(172, 3, 8, 0)
	got, ok := s.recentRate()
	if !ok || math.Abs(got-100) > 1e-9 {
		t.Errorf("recentRate = %v, %v; want 100, true", got, ok)
	}
}

func TestRingResolution(t *testing.T) {
	if got := ringResolution(DefaultRateWindows, 128); math.Abs(got-900.0/128) > 1e-12 {
		t.Errorf("resolution = %v, want %v", got, 900.0/128)
	}
	if got := ringResolution(nil, 128); got != 0 {
		t.Errorf("resolution with no windows = %v, want 0", got)
	}
}

func TestBucketRefill(t *testing.T) {
	r := Must(PerHour(3600))
	b := Bucket{Tokens: 0, LastRefill: 100}

	b.refill(100.5, r, 5)
	if math.Abs(b.Tokens-0.5) > 1e-9 || b.take() {
		t.Fatalf("tokens = %v after half a second, want 0.5 and no take", b.Tokens)
	}

	b.refill(110, r, 5)
	if b.Tokens != 5 {
		t.Errorf("tokens = %v, want capped at 5", b.Tokens)
	}

	b.refill(50, r, 5)
	if b.Tokens != 5 || b.LastRefill != 110 {
		t.Errorf("backwards clock changed bucket: %+v", b)
	}

	if !b.take() || b.Tokens != 4 {
		t.Errorf("take: tokens = %v, want 4", b.Tokens)
	}
}

func TestWaitFor(t *testing.T) {
	r := Must(PerHour(3600))
	if got := r.waitFor(0.25); got != 750*time.Millisecond {
		t.Errorf("waitFor(0.25) = %v, want 750ms", got)
	}
	if got := r.waitFor(1); got != 0 {
		t.Errorf("waitFor(1) = %v, want 0", got)
	}
}

func TestWindowRateAfterRingDropsSamples(t *testing.T) {
	var s Statistics
	// One call every 10 seconds; the ring keeps only the last four.
	for i := 1; i <= 10; i++ {
		s.record(float64(i*10), int64(i), 4, 5)
	}
	if !s.Truncated {
		t.Fatal("ring not marked truncated")
	}

	// The 15m window starts long before the oldest kept sample, so the rate
	// comes from the 30s the ring still covers.
	if got := s.windowRate(100, 15*time.Minute); math.Abs(got-360) > 1e-9 {
		t.Errorf("windowRate(15m) = %v, want 360", got)
	}
	// A window inside the ring is unaffected.
	if got := s.windowRate(100, 25*time.Second); math.Abs(got-432) > 1e-9 {
		t.Errorf("windowRate(25s) = %v, want 432", got)
	}
}
