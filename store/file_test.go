package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestFileStore(t *testing.T, dir string, opts ...Option) *FileStore {
	t.Helper()
	s, err := NewFileStore(dir, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir)
	ctx := context.Background()

	if err := s.Update(ctx, "session", func(r *Record) error {
		r.Initialized = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{s.DataPath("session"), s.LockPath("session")} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("stat %s: %v", p, err)
		}
	}

	if err := s.Update(ctx, "session", func(r *Record) error {
		r.Discard()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.DataPath("session")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("data file still present: %v", err)
	}
	if _, err := os.Stat(s.LockPath("session")); err != nil {
		t.Errorf("lock file removed: %v", err)
	}
}

func TestFileStoreCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir)
	if err := os.WriteFile(s.DataPath("broken"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	called := false
	err := s.Update(context.Background(), "broken", func(*Record) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	if called {
		t.Error("fn called on corrupt record")
	}
}

func TestFileStoreLockTimeout(t *testing.T) {
	dir := t.TempDir()
	holder := newTestFileStore(t, dir)
	waiter := newTestFileStore(t, dir, WithLockTimeout(50*time.Millisecond))
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go holder.Update(ctx, "busy", func(*Record) error {
		close(held)
		<-release
		return nil
	})
	<-held
	defer close(release)

	start := time.Now()
	err := waiter.Update(ctx, "busy", func(*Record) error { return nil })
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("gave up after %v, want >= 50ms", elapsed)
	}
}

func TestFileStoreContextCancel(t *testing.T) {
	dir := t.TempDir()
	holder := newTestFileStore(t, dir)
	waiter := newTestFileStore(t, dir, WithLockTimeout(0))

	held := make(chan struct{})
	release := make(chan struct{})
	go holder.Update(context.Background(), "busy", func(*Record) error {
		close(held)
		<-release
		return nil
	})
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := waiter.Update(ctx, "busy", func(*Record) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

// Separate FileStore values over one directory stand in for separate
// processes: they share nothing but the files.
func TestFileStoreSeparateHandles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	const handles = 6
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < handles; i++ {
		s := newTestFileStore(t, dir)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				err := s.Update(ctx, "shared", func(r *Record) error {
					n := inside.Add(1)
					if n > maxInside.Load() {
						maxInside.Store(n)
					}
					time.Sleep(time.Millisecond)
					inside.Add(-1)
					r.Participants = append(r.Participants, "x")
					return nil
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := maxInside.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}
	rec, err := newTestFileStore(t, dir).Load(ctx, "shared")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ParticipantCount != handles*10 {
		t.Errorf("ParticipantCount = %d, want %d", rec.ParticipantCount, handles*10)
	}
}
