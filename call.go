package pacer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryhazerus/pacer/digest"
	"github.com/ryhazerus/pacer/shared"
)

// Call is one acquired token. Release it exactly once when the paced work
// is done; further releases are no-ops.
type Call struct {
	ID           string        // pacer name
	HourlyRate   float64       // target calls per hour
	Count        int64         // value of the shared call counter taken by this call
	Exceptions   int64         // shared exception count when the call started
	Started      time.Time     // when the token was acquired
	SessionStart time.Time     // when the first participant initialized the pacer
	Waited       time.Duration // time spent waiting for the token

	p        *Pacer
	state    State
	fireMax  bool
	released atomic.Bool
}

func (p *Pacer) newCall(res reservation, waited time.Duration) *Call {
	return &Call{
		ID:           p.name,
		HourlyRate:   res.rate.CallsPerHour(),
		Count:        res.state.CallCount,
		Exceptions:   res.state.Exceptions,
		Started:      p.clock.Now(),
		SessionStart: res.state.Started(),
		Waited:       waited,
		p:            p,
		state:        res.state,
		fireMax:      res.fireMax,
	}
}

// Release records the call's duration and wait, counts failure as an
// exception when non-nil, and runs any periodic, drift or max-calls
// callbacks this call triggered. Shared bookkeeping is committed before
// callbacks run; callback errors are joined and returned. If the shared
// state cannot be updated the error is returned as well, and the callbacks
// still run on the state seen at acquisition.
func (c *Call) Release(ctx context.Context, failure error) error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}
	p := c.p
	now := p.clock.Now()
	duration := max(now.Sub(c.Started), 0)

	outcome := Completed
	if failure != nil {
		outcome = Failed
	}
	periodic := c.Count%p.checkEvery == 0
	b := p.local.add(duration, c.Waited, p.flushEvery, periodic)

	var errs []error
	st := c.state
	if b != nil || failure != nil {
		err := p.doc.Update(ctx, func(d shared.Data) error {
			cur, err := p.loadState(d, now)
			if err != nil {
				return err
			}
			if failure != nil {
				cur.Exceptions++
			}
			if err := cur.Statistics.fold(b); err != nil {
				return err
			}
			st = cur.clone()
			return d.Encode(stateKey, cur)
		})
		if err != nil {
			p.local.restore(b)
			st = c.state
			ev := p.log.Error().Err(err).Int64("call", c.Count)
			if failure != nil {
				ev = ev.AnErr("failure", failure)
			}
			ev.Msg("release not recorded")
			errs = append(errs, fmt.Errorf("pacer: %s: release: %w", p.name, err))
		}
	}

	p.metrics.call(p.name, outcome, c.Waited, duration)
	if failure != nil {
		p.log.Debug().Int64("call", c.Count).Err(failure).Msg("call failed")
	}

	if periodic && now.Sub(st.Started()) >= p.warmup {
		target, err := p.currentRate()
		if err != nil {
			errs = append(errs, err)
			target = Rate{perHour: c.HourlyRate}
		}
		errs = append(errs, p.check(st, now, target)...)
	}
	// max_calls_fired is already committed, so this is the only delivery.
	if c.fireMax {
		ev := MaxCallsEvent{PacerEvent: p.baseEvent(c.state, now), MaxCalls: p.maxCalls}
		p.log.Info().Int64("max_calls", p.maxCalls).Int64("call", c.Count).Msg("max calls reached")
		if p.onMaxCalls != nil {
			errs = append(errs, p.onMaxCalls(ev))
		}
	}
	return errors.Join(errs...)
}

// check builds the rate check for a periodic call: drift detection on the
// rate observed over the sample ring, then the periodic event.
func (p *Pacer) check(st State, now time.Time, r Rate) []error {
	base := p.baseEvent(st, now)
	target := r.CallsPerHour()

	current, ok := st.Statistics.recentRate()
	if !ok && base.Elapsed > 0 {
		current = float64(st.CallCount) / base.Elapsed.Seconds() * 3600
	}
	drift := newDrift(base, current, target, p.maxDrift)

	p.metrics.rateCheck(p.name, current, drift.Drift)
	p.log.Info().
		Float64("current_rate", current).
		Float64("target_rate", target).
		Float64("drift", drift.Drift).
		Int64("calls", st.CallCount).
		Int64("exceptions", st.Exceptions).
		Msg("rate check")

	var errs []error
	if drift.Exceeded() {
		p.log.Error().Object("event", drift).Msg("rate drift exceeds maximum")
		if p.onDrift != nil {
			errs = append(errs, p.onDrift(drift))
		}
	}

	if p.onPeriodic != nil {
		s := st.Statistics
		ev := PeriodicCheckEvent{
			PacerEvent:    base,
			WorkerCount:   p.doc.Participants(),
			WindowedRates: s.windowedRates(unixSeconds(now), p.windows),
			SampleCount:   s.SampleCount,
			TargetRate:    target,
			CurrentRate:   current,
			Drift:         &drift,
		}
		if s.SampleCount >= minDigestSamples {
			ev.DurationDigest = s.DurationDigest.Clone()
			ev.WaitDigest = s.WaitDigest.Clone()
		}
		p.log.Debug().Object("event", ev).Msg("periodic check")
		errs = append(errs, p.onPeriodic(ev))
	}
	return errs
}

// batch is a set of duration and wait samples not yet folded into the
// shared statistics.
type batch struct {
	duration      *digest.Digest
	wait          *digest.Digest
	n             int64
	totalDuration float64
	totalWait     float64
}

func (b *batch) add(duration, wait time.Duration) {
	if b.duration == nil {
		b.duration = digest.New()
		b.wait = digest.New()
	}
	// Durations are never negative or infinite, so Add cannot fail.
	_ = b.duration.Add(duration.Seconds())
	_ = b.wait.Add(wait.Seconds())
	b.n++
	b.totalDuration += duration.Seconds()
	b.totalWait += wait.Seconds()
}

func (b *batch) merge(o *batch) {
	if o == nil || o.n == 0 {
		return
	}
	if b.duration == nil {
		b.duration = digest.New()
		b.wait = digest.New()
	}
	_ = b.duration.Merge(o.duration)
	_ = b.wait.Merge(o.wait)
	b.n += o.n
	b.totalDuration += o.totalDuration
	b.totalWait += o.totalWait
}

// localStats buffers samples between flushes so the document lock is taken
// once per flush rather than once per sample.
type localStats struct {
	mu  sync.Mutex
	buf batch
}

// add buffers one sample and returns the buffered batch when it is due for
// a flush, or nil.
func (l *localStats) add(duration, wait time.Duration, every int64, force bool) *batch {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.add(duration, wait)
	if !force && l.buf.n < every {
		return nil
	}
	b := l.buf
	l.buf = batch{}
	return &b
}

// take returns everything buffered, or nil.
func (l *localStats) take() *batch {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.n == 0 {
		return nil
	}
	b := l.buf
	l.buf = batch{}
	return &b
}

// restore puts back a batch whose flush failed.
func (l *localStats) restore(b *batch) {
	if b == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.merge(b)
}
