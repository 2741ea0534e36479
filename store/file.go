package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// FileStore keeps each record in its own JSON file inside a directory shared
// by all participating processes. Access is serialized by an advisory lock on
// a sibling lock file, so any process on the same host that opens the same
// directory sees a consistent view.
type FileStore struct {
	dir  string
	opts options

	mu    sync.Mutex
	gates map[string]chan struct{}
}

// NewFileStore creates the directory if needed and returns a store rooted
// there.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	return &FileStore{
		dir:   dir,
		opts:  o,
		gates: make(map[string]chan struct{}),
	}, nil
}

// Dir returns the directory holding the records.
func (f *FileStore) Dir() string { return f.dir }

// DataPath returns the path of the JSON file for name.
func (f *FileStore) DataPath(name string) string {
	return filepath.Join(f.dir, f.opts.prefix+name+".json")
}

// LockPath returns the path of the lock file for name.
func (f *FileStore) LockPath(name string) string {
	return filepath.Join(f.dir, f.opts.prefix+name+".lock")
}

// Update locks the record file, decodes it, calls fn and writes the result
// back through a temporary file and rename. The lock file itself is left in
// place when a record is discarded.
func (f *FileStore) Update(ctx context.Context, name string, fn func(*Record) error) error {
	if err := validateName(name); err != nil {
		return err
	}
	unlock, err := f.lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := f.read(name)
	if err != nil {
		return fmt.Errorf("store: read %s: %w", name, err)
	}

	fnErr := fn(rec)

	if rec.discard {
		if err := os.Remove(f.DataPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("store: remove %s: %w", name, err)
		}
		return fnErr
	}
	if err := f.write(name, rec); err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	return fnErr
}

// Load returns the record under the lock.
func (f *FileStore) Load(ctx context.Context, name string) (*Record, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	unlock, err := f.lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := f.read(name)
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", name, err)
	}
	return rec, nil
}

// List returns the names of all records present in the directory.
func (f *FileStore) List(_ context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, f.opts.prefix+"*.json"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		name := strings.TrimSuffix(strings.TrimPrefix(base, f.opts.prefix), ".json")
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op; locks are released at the end of every operation.
func (f *FileStore) Close() error {
	return nil
}

// lock takes the in-process gate for name and then the advisory file lock.
// The gate keeps goroutines of one process from contending on the file lock,
// which some platforms only enforce between processes.
func (f *FileStore) lock(ctx context.Context, name string) (func(), error) {
	lctx, cancel := lockContext(ctx, f.opts.lockTimeout)
	defer cancel()

	gate := f.gate(name)
	select {
	case gate <- struct{}{}:
	case <-lctx.Done():
		return nil, lockError(ctx, name, lctx.Err())
	}

	fl := flock.New(f.LockPath(name))
	ok, err := fl.TryLockContext(lctx, f.opts.retryDelay)
	if err != nil || !ok {
		<-gate
		if err == nil {
			err = context.DeadlineExceeded
		}
		return nil, lockError(ctx, name, err)
	}

	return func() {
		_ = fl.Unlock()
		<-gate
	}, nil
}

func (f *FileStore) gate(name string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	g, ok := f.gates[name]
	if !ok {
		g = make(chan struct{}, 1)
		f.gates[name] = g
	}
	return g
}

func (f *FileStore) read(name string) (*Record, error) {
	b, err := os.ReadFile(f.DataPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return &Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(b)
}

func (f *FileStore) write(name string, rec *Record) error {
	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, f.opts.prefix+name+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.DataPath(name))
}
