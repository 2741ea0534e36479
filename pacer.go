package pacer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ryhazerus/pacer/shared"
	"github.com/ryhazerus/pacer/store"
)

// Pacer paces calls against a token bucket shared by every process that
// opens the same document. Tokens refill continuously at the target rate;
// a call that finds the bucket empty sleeps until the next token is due and
// tries again.
//
// A Pacer is safe for concurrent use.
type Pacer struct {
	name    string
	rate    Rate
	rateFn  func() Rate
	doc     *shared.Document
	ownsDoc bool

	burst       float64
	burstSet    bool
	maxDrift    float64
	checkEvery  int64
	warmup      time.Duration
	maxCalls    int64
	maxCallsSet bool
	windows     []time.Duration
	ringSize    int
	resolution  float64
	flushEvery  int64

	onPeriodic func(PeriodicCheckEvent) error
	onMaxCalls func(MaxCallsEvent) error
	onDrift    func(DriftEvent) error

	log     zerolog.Logger
	metrics *Metrics
	clock   Clock

	local localStats
}

// New creates a Pacer on an already open document. The caller keeps
// ownership of doc and closes it after the Pacer.
func New(doc *shared.Document, r Rate, opts ...Option) (*Pacer, error) {
	if doc == nil {
		return nil, invalidf("nil document")
	}
	p, err := build(doc.Name(), r, opts)
	if err != nil {
		return nil, err
	}
	p.doc = doc
	return p, nil
}

// Open attaches to the named pacer document in st, initializing the shared
// state if this is the first participant. Close detaches again.
func Open(ctx context.Context, st store.Store, name string, r Rate, opts ...Option) (*Pacer, error) {
	p, err := build(name, r, opts)
	if err != nil {
		return nil, err
	}
	doc, err := shared.Open(ctx, st, name,
		shared.WithOnFirst(p.initialPayload),
		shared.WithLogger(p.log),
	)
	if err != nil {
		return nil, fmt.Errorf("pacer: %s: %w", name, err)
	}
	p.doc = doc
	p.ownsDoc = true
	return p, nil
}

func build(name string, r Rate, opts []Option) (*Pacer, error) {
	p := &Pacer{
		name:       name,
		rate:       r,
		maxDrift:   0.1,
		checkEvery: 10,
		warmup:     time.Minute,
		windows:    DefaultRateWindows,
		ringSize:   DefaultSampleRing,
		flushEvery: 1,
		log:        zerolog.Nop(),
		clock:      systemClock{},
	}
	for _, o := range opts {
		o(p)
	}

	if p.rateFn != nil {
		p.rate = p.rateFn()
	}
	if p.rate.CallsPerHour() <= 0 {
		return nil, invalidf("%s: rate must be positive", name)
	}
	// The default burst follows the rate at construction and stays fixed
	// when a rate source changes the rate later.
	if !p.burstSet {
		p.burst = p.rate.defaultBurst()
	}

	switch {
	case p.burstSet && p.burst < 1:
		return nil, invalidf("%s: burst capacity must be at least 1, got %v", name, p.burst)
	case p.maxDrift <= 0:
		return nil, invalidf("%s: max drift must be positive, got %v", name, p.maxDrift)
	case p.checkEvery < 1:
		return nil, invalidf("%s: check cadence must be at least 1, got %d", name, p.checkEvery)
	case p.warmup < 0:
		return nil, invalidf("%s: warm-up must not be negative, got %v", name, p.warmup)
	case p.maxCallsSet && p.maxCalls <= 0:
		return nil, invalidf("%s: max calls must be positive, got %d", name, p.maxCalls)
	case p.ringSize < 2:
		return nil, invalidf("%s: sample ring must hold at least 2 samples, got %d", name, p.ringSize)
	case p.flushEvery < 1:
		return nil, invalidf("%s: flush interval must be at least 1, got %d", name, p.flushEvery)
	case p.clock == nil:
		return nil, invalidf("%s: nil clock", name)
	}
	for _, w := range p.windows {
		if w <= 0 {
			return nil, invalidf("%s: rate window must be positive, got %v", name, w)
		}
	}

	p.resolution = ringResolution(p.windows, p.ringSize)
	p.log = p.log.With().Str("pacer", name).Logger()
	return p, nil
}

// ID returns the pacer name.
func (p *Pacer) ID() string { return p.name }

// Rate returns the target rate. With a rate source it is the source's
// current value, or the rate at construction if that value is invalid.
func (p *Pacer) Rate() Rate {
	r, err := p.currentRate()
	if err != nil {
		return p.rate
	}
	return r
}

// currentRate reads the rate source, if any, once per locked pass.
func (p *Pacer) currentRate() (Rate, error) {
	if p.rateFn == nil {
		return p.rate, nil
	}
	r := p.rateFn()
	if r.CallsPerHour() <= 0 {
		return Rate{}, invalidf("%s: rate source returned %v", p.name, r)
	}
	return r, nil
}

// BurstCapacity returns the bucket size.
func (p *Pacer) BurstCapacity() float64 { return p.burst }

// Document returns the shared document backing the pacer.
func (p *Pacer) Document() *shared.Document { return p.doc }

// State returns a snapshot of the shared state.
func (p *Pacer) State(ctx context.Context) (State, error) {
	d, err := p.doc.Read(ctx)
	if err != nil {
		return State{}, fmt.Errorf("pacer: %s: %w", p.name, err)
	}
	return p.loadState(d, p.clock.Now())
}

// reservation is what one locked pass over the bucket produced.
type reservation struct {
	rate     Rate
	acquired bool
	wait     time.Duration
	state    State
	fireMax  bool
}

// reserve refills the bucket and takes a token if one is available. It
// holds the document lock only for the bucket arithmetic.
func (p *Pacer) reserve(ctx context.Context) (reservation, error) {
	r, err := p.currentRate()
	if err != nil {
		return reservation{}, err
	}
	res := reservation{rate: r}
	err = p.doc.Update(ctx, func(d shared.Data) error {
		now := p.clock.Now()
		st, err := p.loadState(d, now)
		if err != nil {
			return err
		}

		ts := unixSeconds(now)
		st.Bucket.refill(ts, r, p.burst)
		if !st.Bucket.take() {
			res.wait = r.waitFor(st.Bucket.Tokens)
			return d.Encode(stateKey, st)
		}

		st.CallCount++
		st.Statistics.record(ts, st.CallCount, p.ringSize, p.resolution)
		if p.maxCalls > 0 && st.CallCount >= p.maxCalls && !st.MaxCallsFired {
			st.MaxCallsFired = true
			res.fireMax = true
		}
		res.acquired = true
		res.state = st.clone()
		return d.Encode(stateKey, st)
	})
	if err != nil {
		return reservation{}, fmt.Errorf("pacer: %s: %w", p.name, err)
	}
	return res, nil
}

// Acquire blocks until a token is taken from the shared bucket and returns
// the Call to release when the work is done. A positive timeout bounds the
// total wait; once it is spent without a token Acquire returns a
// *TimeoutError. Zero means no bound. Cancelling ctx also ends the wait.
func (p *Pacer) Acquire(ctx context.Context, timeout time.Duration) (*Call, error) {
	if timeout < 0 {
		return nil, invalidf("%s: timeout must not be negative, got %v", p.name, timeout)
	}

	start := p.clock.Now()
	for {
		res, err := p.reserve(ctx)
		if err != nil {
			return nil, err
		}
		waited := p.clock.Now().Sub(start)
		if res.acquired {
			return p.newCall(res, waited), nil
		}

		wait := res.wait
		if timeout > 0 {
			remaining := timeout - waited
			if remaining <= 0 {
				p.metrics.call(p.name, TimedOut, waited, 0)
				p.log.Warn().Dur("timeout", timeout).Dur("waited", waited).Msg("no token within timeout")
				return nil, &TimeoutError{
					Pacer:        p.name,
					Timeout:      timeout,
					Waited:       waited,
					RequiredWait: res.wait,
				}
			}
			wait = min(wait, remaining)
		}

		p.log.Debug().Dur("wait", wait).Msg("waiting for token")
		if err := p.clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// Do acquires a token, runs fn and releases the call. An error from fn
// counts as an exception and is returned together with any callback errors.
// A panic in fn also counts as an exception; bookkeeping completes before
// the panic continues.
func (p *Pacer) Do(ctx context.Context, timeout time.Duration, fn func(*Call) error) (err error) {
	call, err := p.Acquire(ctx, timeout)
	if err != nil {
		return err
	}

	rctx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			if rerr := call.Release(rctx, fmt.Errorf("pacer: panic: %v", r)); rerr != nil {
				p.log.Error().Err(rerr).Msg("release after panic")
			}
			panic(r)
		}
	}()

	fnErr := fn(call)
	return errors.Join(fnErr, call.Release(rctx, fnErr))
}

// Transport wraps an http.RoundTripper so that every request whose URL
// matches one of patterns is paced. With no patterns every request is
// paced. Transport errors and 5xx responses count as exceptions.
//
// A paced request is released when its response body is read to EOF or
// closed, so the recorded duration includes reading the body. Callers must
// close response bodies, as net/http requires anyway.
func (p *Pacer) Transport(base http.RoundTripper, patterns ...string) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{pacer: p, base: base, patterns: patterns}
}

// Close folds any locally buffered statistics into the shared state and,
// for a Pacer created with Open, detaches from the document. The last
// participant to close removes the document.
func (p *Pacer) Close(ctx context.Context) error {
	var errs []error
	if b := p.local.take(); b != nil {
		if err := p.flush(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	if p.ownsDoc {
		if err := p.doc.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pacer: %s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pacer) flush(ctx context.Context, b *batch) error {
	err := p.doc.Update(ctx, func(d shared.Data) error {
		st, err := p.loadState(d, p.clock.Now())
		if err != nil {
			return err
		}
		if err := st.Statistics.fold(b); err != nil {
			return err
		}
		return d.Encode(stateKey, st)
	})
	if err != nil {
		return fmt.Errorf("pacer: %s: flush: %w", p.name, err)
	}
	return nil
}
