package pacer

import (
	"slices"
	"time"
)

// DefaultRateWindows are the spans reported in PeriodicCheckEvent.WindowedRates.
var DefaultRateWindows = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// DefaultSampleRing is the number of (timestamp, call count) samples kept
// for windowed rates.
const DefaultSampleRing = 128

// Sample records the shared call counter at a point in time.
type Sample struct {
	At    float64 `json:"at"`
	Count int64   `json:"count"`
}

// record adds a sample to the ring. Samples closer than resolution to their
// predecessor replace the newest entry instead of being appended, so a full
// ring still spans about size*resolution of history at any call rate.
func (s *Statistics) record(at float64, count int64, size int, resolution float64) {
	n := len(s.Recent)
	if n >= 2 && at-s.Recent[n-2].At < resolution {
		s.Recent[n-1] = Sample{At: at, Count: count}
		return
	}
	s.Recent = append(s.Recent, Sample{At: at, Count: count})
	if over := len(s.Recent) - size; over > 0 {
		s.Recent = slices.Delete(s.Recent, 0, over)
		s.Truncated = true
	}
}

// windowRate returns the calls per hour observed during the last w before
// now. Calls are counted from the counter difference to the last sample
// taken before the window opened. When the ring has dropped samples and no
// longer reaches back to the window start, the rate is taken over the span
// the ring still covers.
func (s Statistics) windowRate(now float64, w time.Duration) float64 {
	span := w.Seconds()
	if span <= 0 || len(s.Recent) == 0 {
		return 0
	}
	cutoff := now - span
	newest := s.Recent[len(s.Recent)-1]

	i, _ := slices.BinarySearchFunc(s.Recent, cutoff, func(e Sample, t float64) int {
		switch {
		case e.At < t:
			return -1
		case e.At > t:
			return 1
		default:
			return 0
		}
	})
	var calls int64
	switch {
	case i == len(s.Recent):
		return 0
	case i == 0 && s.Truncated:
		oldest := s.Recent[0]
		covered := now - oldest.At
		if covered <= 0 {
			return 0
		}
		return float64(newest.Count-oldest.Count) / covered * 3600
	case i == 0:
		calls = newest.Count - s.Recent[0].Count + 1
	default:
		calls = newest.Count - s.Recent[i-1].Count
	}
	return float64(calls) / span * 3600
}

// windowedRates evaluates windowRate for every configured window.
func (s Statistics) windowedRates(now float64, windows []time.Duration) map[time.Duration]float64 {
	out := make(map[time.Duration]float64, len(windows))
	for _, w := range windows {
		out[w] = s.windowRate(now, w)
	}
	return out
}

// recentRate returns the calls per hour between the oldest and newest
// samples in the ring. It reports false until the ring spans some time.
func (s Statistics) recentRate() (float64, bool) {
	if len(s.Recent) < 2 {
		return 0, false
	}
	oldest, newest := s.Recent[0], s.Recent[len(s.Recent)-1]
	span := newest.At - oldest.At
	if span <= 0 {
		return 0, false
	}
	return float64(newest.Count-oldest.Count) / span * 3600, true
}

// ringResolution spreads the ring over the longest rate window.
func ringResolution(windows []time.Duration, size int) float64 {
	longest := time.Duration(0)
	for _, w := range windows {
		longest = max(longest, w)
	}
	if longest <= 0 || size <= 1 {
		return 0
	}
	return longest.Seconds() / float64(size)
}
