package pacer

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ryhazerus/pacer/digest"
)

// PacerEvent is the part every event shares: which pacer, and the shared
// state as it was when the event was built.
type PacerEvent struct {
	ID         string
	Pacer      *Pacer
	State      State
	CallCount  int64
	Exceptions int64
	StartTime  time.Time
	Elapsed    time.Duration
}

func (p *Pacer) baseEvent(st State, now time.Time) PacerEvent {
	start := st.Started()
	return PacerEvent{
		ID:         p.name,
		Pacer:      p,
		State:      st.clone(),
		CallCount:  st.CallCount,
		Exceptions: st.Exceptions,
		StartTime:  start,
		Elapsed:    now.Sub(start),
	}
}

func (e PacerEvent) MarshalZerologObject(z *zerolog.Event) {
	z.Str("pacer", e.ID).
		Int64("calls", e.CallCount).
		Int64("exceptions", e.Exceptions).
		Dur("elapsed", e.Elapsed)
}

// DriftEvent compares the observed rate with the target.
type DriftEvent struct {
	PacerEvent
	CurrentRate float64 // calls per hour
	TargetRate  float64 // calls per hour
	Drift       float64 // |current-target| / target
	MaxDrift    float64
}

// Exceeded reports whether Drift is above MaxDrift.
func (e DriftEvent) Exceeded() bool { return e.Drift > e.MaxDrift }

// Signed returns (current-target)/target: negative when running slow.
func (e DriftEvent) Signed() float64 {
	if e.TargetRate <= 0 {
		return 0
	}
	return (e.CurrentRate - e.TargetRate) / e.TargetRate
}

func (e DriftEvent) String() string {
	return fmt.Sprintf("DriftEvent(pacer=%s, current=%.2f/h, target=%.2f/h, drift=%.2f%%, max=%.2f%%)",
		e.ID, e.CurrentRate, e.TargetRate, e.Drift*100, e.MaxDrift*100)
}

func (e DriftEvent) MarshalZerologObject(z *zerolog.Event) {
	e.PacerEvent.MarshalZerologObject(z)
	z.Float64("current_rate", e.CurrentRate).
		Float64("target_rate", e.TargetRate).
		Float64("drift", e.Drift).
		Float64("max_drift", e.MaxDrift)
}

func newDrift(base PacerEvent, current, target, maxDrift float64) DriftEvent {
	var d float64
	switch {
	case target > 0:
		d = math.Abs(current-target) / target
	case current != 0:
		d = math.Inf(1)
	}
	return DriftEvent{
		PacerEvent:  base,
		CurrentRate: current,
		TargetRate:  target,
		Drift:       d,
		MaxDrift:    maxDrift,
	}
}

// MaxCallsEvent is delivered once per session when the shared call counter
// reaches the configured ceiling.
type MaxCallsEvent struct {
	PacerEvent
	MaxCalls int64
}

func (e MaxCallsEvent) String() string {
	return fmt.Sprintf("MaxCallsEvent(pacer=%s, calls=%d, max=%d)", e.ID, e.CallCount, e.MaxCalls)
}

// PeriodicCheckEvent is the statistical snapshot delivered every
// checkEvery calls once the warm-up has passed.
type PeriodicCheckEvent struct {
	PacerEvent
	WorkerCount int
	// DurationDigest and WaitDigest are nil until enough samples exist.
	DurationDigest *digest.Digest
	WaitDigest     *digest.Digest
	WindowedRates  map[time.Duration]float64
	SampleCount    int64
	TargetRate     float64
	CurrentRate    float64
	Drift          *DriftEvent
}

func percentile(d *digest.Digest, q float64) (time.Duration, bool) {
	if d == nil || d.Count() == 0 {
		return 0, false
	}
	return seconds(d.Quantile(q)), true
}

// DurationPercentile returns the q-quantile of call durations.
func (e PeriodicCheckEvent) DurationPercentile(q float64) (time.Duration, bool) {
	return percentile(e.DurationDigest, q)
}

// WaitPercentile returns the q-quantile of token waits.
func (e PeriodicCheckEvent) WaitPercentile(q float64) (time.Duration, bool) {
	return percentile(e.WaitDigest, q)
}

func (e PeriodicCheckEvent) DurationP50() time.Duration { d, _ := e.DurationPercentile(0.50); return d }
func (e PeriodicCheckEvent) DurationP90() time.Duration { d, _ := e.DurationPercentile(0.90); return d }
func (e PeriodicCheckEvent) DurationP99() time.Duration { d, _ := e.DurationPercentile(0.99); return d }
func (e PeriodicCheckEvent) WaitP50() time.Duration     { d, _ := e.WaitPercentile(0.50); return d }
func (e PeriodicCheckEvent) WaitP90() time.Duration     { d, _ := e.WaitPercentile(0.90); return d }
func (e PeriodicCheckEvent) WaitP99() time.Duration     { d, _ := e.WaitPercentile(0.99); return d }

// WaitRatio is the share of total call time spent waiting for tokens:
// total wait / (total wait + total duration). Close to 1 means the pacer is
// the bottleneck; close to 0 means the calls themselves are.
func (e PeriodicCheckEvent) WaitRatio() (float64, bool) {
	s := e.State.Statistics
	total := s.TotalWait + s.TotalDuration
	if total <= 0 {
		return 0, false
	}
	return s.TotalWait / total, true
}

// WaitToDuration is the median wait divided by the median duration.
func (e PeriodicCheckEvent) WaitToDuration() (float64, bool) {
	w, ok1 := e.WaitPercentile(0.5)
	d, ok2 := e.DurationPercentile(0.5)
	if !ok1 || !ok2 || d <= 0 {
		return 0, false
	}
	return w.Seconds() / d.Seconds(), true
}

func (e PeriodicCheckEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PeriodicCheckEvent(pacer=%s, workers=%d, calls=%d, exceptions=%d, rate=%.2f/h, target=%.2f/h",
		e.ID, e.WorkerCount, e.CallCount, e.Exceptions, e.CurrentRate, e.TargetRate)
	if e.Drift != nil {
		fmt.Fprintf(&b, ", drift=%.2f%%", e.Drift.Drift*100)
	}
	if d, ok := e.DurationPercentile(0.5); ok {
		fmt.Fprintf(&b, ", duration_p50=%.3fs", d.Seconds())
	}
	if w, ok := e.WaitPercentile(0.5); ok {
		fmt.Fprintf(&b, ", wait_p50=%.3fs", w.Seconds())
	}
	if r, ok := e.WaitRatio(); ok {
		fmt.Fprintf(&b, ", wait_ratio=%.2f", r)
	}
	windows := make([]time.Duration, 0, len(e.WindowedRates))
	for w := range e.WindowedRates {
		windows = append(windows, w)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })
	for _, w := range windows {
		fmt.Fprintf(&b, ", rate_%s=%.2f/h", w, e.WindowedRates[w])
	}
	b.WriteString(")")
	return b.String()
}

func (e PeriodicCheckEvent) MarshalZerologObject(z *zerolog.Event) {
	e.PacerEvent.MarshalZerologObject(z)
	z.Int("workers", e.WorkerCount).
		Int64("samples", e.SampleCount).
		Float64("current_rate", e.CurrentRate).
		Float64("target_rate", e.TargetRate)
	if e.Drift != nil {
		z.Float64("drift", e.Drift.Drift)
	}
	if d, ok := e.DurationPercentile(0.5); ok {
		z.Dur("duration_p50", d)
	}
	if w, ok := e.WaitPercentile(0.5); ok {
		z.Dur("wait_p50", w)
	}
}
