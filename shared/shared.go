// Package shared provides a named document shared by cooperating processes.
//
// Every process that calls [Open] with the same store location and name
// attaches to the same document. The first process to attach runs an
// initializer and stores its result; the last one to [Document.Close] runs
// a teardown hook with the final content and removes the document. Both
// decisions are taken under the same lock as every content access, so
// concurrent startup or shutdown can never run either hook twice.
//
// A participant that exits without closing stays registered, in which case
// the teardown hook never runs for that session.
package shared

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ryhazerus/pacer/store"
)

// ErrClosed is returned by operations on a closed Document.
var ErrClosed = errors.New("shared: document closed")

// Document is one participant's handle on a shared document.
type Document struct {
	name   string
	id     string
	store  store.Store
	onLast func(Data) error
	log    zerolog.Logger

	mu           sync.RWMutex
	closed       bool
	participants atomic.Int64
}

// Option configures Open.
type Option func(*config)

type config struct {
	onFirst func() (Data, error)
	onLast  func(Data) error
	id      string
	log     zerolog.Logger
}

// WithOnFirst sets the initializer run by the first participant. Its result
// becomes the document's initial content.
func WithOnFirst(fn func() (Data, error)) Option {
	return func(c *config) {
		c.onFirst = fn
	}
}

// WithOnLast sets the teardown hook run by the last participant to close.
// It receives the final content.
func WithOnLast(fn func(Data) error) Option {
	return func(c *config) {
		c.onLast = fn
	}
}

// WithParticipantID overrides the generated participant identifier.
func WithParticipantID(id string) Option {
	return func(c *config) {
		c.id = id
	}
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// Open attaches to the named document in st, creating and initializing it if
// this caller is the first participant. If the initializer fails nothing is
// registered and its error is returned.
func Open(ctx context.Context, st store.Store, name string, opts ...Option) (*Document, error) {
	c := config{log: zerolog.Nop()}
	for _, o := range opts {
		o(&c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}

	d := &Document{
		name:   name,
		id:     c.id,
		store:  st,
		onLast: c.onLast,
		log:    c.log.With().Str("document", name).Str("participant", c.id).Logger(),
	}

	var (
		first    bool
		firstErr error
	)
	err := st.Update(ctx, name, func(rec *store.Record) error {
		if rec.ParticipantCount == 0 && !rec.Initialized {
			payload := Data{}
			if c.onFirst != nil {
				p, err := c.onFirst()
				if err != nil {
					rec.Discard()
					firstErr = fmt.Errorf("shared: %s: first participant: %w", name, err)
					return firstErr
				}
				if p != nil {
					payload = p
				}
			}
			rec.Initialized = true
			rec.Payload = payload
			first = true
		}
		rec.Participants = append(rec.Participants, c.id)
		rec.ParticipantCount = len(rec.Participants)
		d.participants.Store(int64(rec.ParticipantCount))
		return nil
	})
	if firstErr != nil {
		return nil, firstErr
	}
	if err != nil {
		return nil, wrap("open", name, err)
	}

	d.log.Debug().Bool("first", first).Int64("participants", d.participants.Load()).Msg("attached")
	return d, nil
}

// Name returns the document name.
func (d *Document) Name() string { return d.name }

// ParticipantID returns this handle's identifier in the participant set.
func (d *Document) ParticipantID() string { return d.id }

// Participants returns the participant count observed by the most recent
// locked operation through this handle.
func (d *Document) Participants() int {
	return int(d.participants.Load())
}

// Update locks the document and hands its content to fn. Changes fn makes
// are written back even if it returns an error, which Update then returns.
// No other participant can read or write between the read and the write.
func (d *Document) Update(ctx context.Context, fn func(Data) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	var fnErr error
	err := d.store.Update(ctx, d.name, func(rec *store.Record) error {
		if rec.Payload == nil {
			rec.Payload = map[string]any{}
		}
		d.participants.Store(int64(rec.ParticipantCount))
		fnErr = fn(Data(rec.Payload))
		return fnErr
	})
	if err == nil {
		return nil
	}
	if fnErr != nil && errors.Is(err, fnErr) {
		return fnErr
	}
	return wrap("update", d.name, err)
}

// Read returns a snapshot copy of the content.
func (d *Document) Read(ctx context.Context) (Data, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	rec, err := d.store.Load(ctx, d.name)
	if err != nil {
		return nil, wrap("read", d.name, err)
	}
	d.participants.Store(int64(rec.ParticipantCount))
	return Data(rec.Payload).Clone(), nil
}

// Close detaches this participant. When it is the last one, the teardown
// hook runs with the final content and the document is removed; a failing
// hook does not keep the document alive. Closing twice is a no-op. If the
// store cannot be reached the handle stays open so Close can be retried.
func (d *Document) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}

	var (
		last    bool
		hookErr error
	)
	err := d.store.Update(ctx, d.name, func(rec *store.Record) error {
		if i := slices.Index(rec.Participants, d.id); i >= 0 {
			rec.Participants = slices.Delete(rec.Participants, i, i+1)
		}
		rec.ParticipantCount = len(rec.Participants)
		d.participants.Store(int64(rec.ParticipantCount))
		if rec.ParticipantCount > 0 {
			return nil
		}

		rec.Discard()
		if !rec.Initialized {
			return nil
		}
		last = true
		if d.onLast != nil {
			hookErr = d.onLast(Data(rec.Payload))
		}
		return nil
	})
	if err != nil {
		return wrap("close", d.name, err)
	}

	d.closed = true
	d.log.Debug().Bool("last", last).Msg("detached")
	if hookErr != nil {
		return fmt.Errorf("shared: %s: last participant: %w", d.name, hookErr)
	}
	return nil
}

func wrap(op, name string, err error) error {
	return fmt.Errorf("shared: %s %s: %w", op, name, err)
}
