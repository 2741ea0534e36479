package pacer

import (
	"time"

	"github.com/rs/zerolog"
)

// Option configures a Pacer. Values are validated when the Pacer is built.
type Option func(*Pacer)

// WithBurstCapacity caps how many tokens the bucket can hold. It must be at
// least 1. The default is ten percent of the hourly rate, at least 1.
func WithBurstCapacity(n int) Option {
	return func(p *Pacer) {
		p.burst = float64(n)
		p.burstSet = true
	}
}

// WithRateFunc makes fn the source of the target rate. It is read once at
// construction, replacing the rate passed to New or Open, which may then be
// the zero Rate, and again on every acquisition and rate check, so a running
// session can change its pace. The default burst capacity is taken from the
// rate at construction and does not follow later changes. A non-positive
// rate from fn fails that acquisition with ErrInvalidConfig.
func WithRateFunc(fn func() Rate) Option {
	return func(p *Pacer) {
		p.rateFn = fn
	}
}

// WithMaxDrift sets the tolerated relative deviation of the observed rate
// from the target before a drift is reported. It must be positive; the
// default is 0.1.
func WithMaxDrift(f float64) Option {
	return func(p *Pacer) {
		p.maxDrift = f
	}
}

// WithCheckEvery runs the periodic check on every n-th call of the shared
// counter. The default is 10.
func WithCheckEvery(n int) Option {
	return func(p *Pacer) {
		p.checkEvery = int64(n)
	}
}

// WithWarmup delays periodic and drift checks until d has passed since the
// session started. The default is one minute.
func WithWarmup(d time.Duration) Option {
	return func(p *Pacer) {
		p.warmup = d
	}
}

// WithMaxCalls sets a call ceiling. When the shared counter reaches n the
// max-calls callback fires once for the whole session. Calls beyond n are
// still paced.
func WithMaxCalls(n int64) Option {
	return func(p *Pacer) {
		p.maxCalls = n
		p.maxCallsSet = true
	}
}

// WithOnPeriodicCheck sets the callback run on every periodic check.
func WithOnPeriodicCheck(fn func(PeriodicCheckEvent) error) Option {
	return func(p *Pacer) {
		p.onPeriodic = fn
	}
}

// WithOnMaxCalls sets the callback run when the call ceiling is reached.
func WithOnMaxCalls(fn func(MaxCallsEvent) error) Option {
	return func(p *Pacer) {
		p.onMaxCalls = fn
	}
}

// WithOnDrift sets a callback run when a periodic check finds the drift
// above the maximum.
//
// Deprecated: inspect PeriodicCheckEvent.Drift in WithOnPeriodicCheck.
func WithOnDrift(fn func(DriftEvent) error) Option {
	return func(p *Pacer) {
		p.onDrift = fn
	}
}

// WithRateWindows sets the spans reported as windowed rates. The longest
// span also sets how much history the sample ring keeps.
func WithRateWindows(windows ...time.Duration) Option {
	return func(p *Pacer) {
		p.windows = append([]time.Duration(nil), windows...)
	}
}

// WithSampleRing sets how many (timestamp, call count) samples are kept.
func WithSampleRing(n int) Option {
	return func(p *Pacer) {
		p.ringSize = n
	}
}

// WithFlushEvery folds locally collected duration and wait samples into the
// shared statistics every n released calls instead of on every call. Calls
// that trigger a periodic check always flush.
func WithFlushEvery(n int) Option {
	return func(p *Pacer) {
		p.flushEvery = int64(n)
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pacer) {
		p.log = l
	}
}

// WithMetrics records calls, waits and rate checks in m.
func WithMetrics(m *Metrics) Option {
	return func(p *Pacer) {
		p.metrics = m
	}
}

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(p *Pacer) {
		p.clock = c
	}
}
