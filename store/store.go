package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrLockTimeout is returned when the lock guarding a document could not
	// be obtained within the configured bound.
	ErrLockTimeout = errors.New("store: lock timeout")

	// ErrCorrupt is returned when persisted content cannot be decoded.
	ErrCorrupt = errors.New("store: corrupt record")

	// ErrInvalidName is returned for document names that cannot be mapped to
	// a backend key.
	ErrInvalidName = errors.New("store: invalid name")
)

// DefaultLockTimeout bounds lock acquisition when no WithLockTimeout option
// is given.
const DefaultLockTimeout = 30 * time.Second

// Record is the durable form of a shared document: the participant set and
// the payload written by the first opener.
type Record struct {
	ParticipantCount int            `json:"participant_count"`
	Participants     []string       `json:"participants"`
	Initialized      bool           `json:"initialized"`
	Payload          map[string]any `json:"initialized_payload"`

	discard bool
}

// Discard marks the record for removal when the surrounding Update returns.
func (r *Record) Discard() { r.discard = true }

// Discarded reports whether Discard was called.
func (r *Record) Discarded() bool { return r.discard }

// Store defines the interface for shared document backends. Every method
// is safe for concurrent use, and Update is atomic with respect to other
// processes using the same backend location.
type Store interface {
	// Update locks the named record, hands it to fn and writes it back. The
	// record is never nil: an absent record is passed as a zero Record. The
	// record is persisted even when fn fails, in which case fn's error is
	// returned. A record marked with Discard is removed instead.
	Update(ctx context.Context, name string, fn func(*Record) error) error

	// Load returns a copy of the named record, or a zero Record when absent.
	Load(ctx context.Context, name string) (*Record, error)

	// List returns the names of all stored records.
	List(ctx context.Context) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// Option configures a backend.
type Option func(*options)

type options struct {
	lockTimeout time.Duration
	retryDelay  time.Duration
	prefix      string
}

func defaultOptions() options {
	return options{
		lockTimeout: DefaultLockTimeout,
		retryDelay:  5 * time.Millisecond,
		prefix:      "pacer_shared_",
	}
}

// WithLockTimeout bounds how long Update and Load wait for the lock.
// Zero waits until the context is done.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		o.lockTimeout = d
	}
}

// WithRetryDelay sets the polling interval used while another process holds
// the file lock.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryDelay = d
		}
	}
}

// WithPrefix sets the file name prefix used by FileStore.
func WithPrefix(p string) Option {
	return func(o *options) {
		o.prefix = p
	}
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func encodeRecord(r *Record) ([]byte, error) {
	r.ParticipantCount = len(r.Participants)
	return json.Marshal(r)
}

func decodeRecord(b []byte) (*Record, error) {
	r := &Record{}
	if len(strings.TrimSpace(string(b))) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return r, nil
}

// lockContext derives the context used while waiting for a lock.
func lockContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// lockError maps a lock wait failure to ErrLockTimeout unless the caller's
// own context ended.
func lockError(parent context.Context, name string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrLockTimeout, name)
	}
	return err
}
