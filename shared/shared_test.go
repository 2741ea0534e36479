package shared

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ryhazerus/pacer/store"
)

func newFileStore(t *testing.T, dir string) *store.FileStore {
	t.Helper()
	s, err := store.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestOpenRunsFirstOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	const workers = 12
	var firstCalls atomic.Int32
	docs := make([]*Document, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		st := newFileStore(t, dir) // one store per worker, like separate processes
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := Open(ctx, st, "session", WithOnFirst(func() (Data, error) {
				firstCalls.Add(1)
				return Data{"seed": "abc"}, nil
			}))
			if err != nil {
				t.Error(err)
				return
			}
			docs[i] = d
		}(i)
	}
	wg.Wait()

	if got := firstCalls.Load(); got != 1 {
		t.Fatalf("first opener ran %d times, want 1", got)
	}
	for i, d := range docs {
		if d == nil {
			t.Fatalf("worker %d did not open", i)
		}
		data, err := d.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if data["seed"] != "abc" {
			t.Errorf("worker %d sees seed %v", i, data["seed"])
		}
	}
	if got := docs[0].Participants(); got < 1 || got > workers {
		t.Errorf("Participants = %d", got)
	}
}

func TestCloseRunsLastOnceWithFinalContent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	var lastCalls atomic.Int32
	var final Data
	onLast := WithOnLast(func(d Data) error {
		lastCalls.Add(1)
		final = d.Clone()
		return nil
	})

	const workers = 5
	docs := make([]*Document, workers)
	for i := range docs {
		d, err := Open(ctx, newFileStore(t, dir), "session", onLast)
		if err != nil {
			t.Fatal(err)
		}
		docs[i] = d
	}

	var wg sync.WaitGroup
	for _, d := range docs {
		wg.Add(1)
		go func(d *Document) {
			defer wg.Done()
			err := d.Update(ctx, func(data Data) error {
				n, _ := data["n"].(float64)
				data["n"] = n + 1
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}(d)
	}
	wg.Wait()

	for i, d := range docs {
		if err := d.Close(ctx); err != nil {
			t.Fatal(err)
		}
		if i < workers-1 && lastCalls.Load() != 0 {
			t.Fatalf("teardown ran after %d of %d closes", i+1, workers)
		}
	}

	if got := lastCalls.Load(); got != 1 {
		t.Fatalf("last closer ran %d times, want 1", got)
	}
	if final["n"] != float64(workers) {
		t.Errorf("final n = %v, want %d", final["n"], workers)
	}
	if _, err := os.Stat(newFileStore(t, dir).DataPath("session")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("document file still present: %v", err)
	}
}

func TestConcurrentCloseRunsLastOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	var lastCalls atomic.Int32
	const workers = 10
	docs := make([]*Document, workers)
	for i := range docs {
		d, err := Open(ctx, newFileStore(t, dir), "race", WithOnLast(func(Data) error {
			lastCalls.Add(1)
			return nil
		}))
		if err != nil {
			t.Fatal(err)
		}
		docs[i] = d
	}

	var wg sync.WaitGroup
	for _, d := range docs {
		wg.Add(1)
		go func(d *Document) {
			defer wg.Done()
			if err := d.Close(ctx); err != nil {
				t.Error(err)
			}
		}(d)
	}
	wg.Wait()

	if got := lastCalls.Load(); got != 1 {
		t.Errorf("last closer ran %d times, want 1", got)
	}
}

func TestOpenFirstError(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := Open(ctx, st, "doc", WithOnFirst(func() (Data, error) { return nil, boom }))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	rec, err := st.Load(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ParticipantCount != 0 || rec.Initialized {
		t.Fatalf("record after failed init = %+v", rec)
	}

	// The next opener becomes first.
	calls := 0
	d, err := Open(ctx, st, "doc", WithOnFirst(func() (Data, error) {
		calls++
		return Data{"ok": true}, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("retry initializer calls = %d, want 1", calls)
	}
	if d.Participants() != 1 {
		t.Errorf("Participants = %d, want 1", d.Participants())
	}
}

func TestUpdatePersistsOnError(t *testing.T) {
	ctx := context.Background()
	d, err := Open(ctx, store.NewMemoryStore(), "doc")
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err = d.Update(ctx, func(data Data) error {
		data["partial"] = true
		return boom
	})
	if err != boom {
		t.Fatalf("err = %v, want boom unwrapped", err)
	}

	data, err := d.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if data["partial"] != true {
		t.Errorf("partial write lost: %v", data)
	}
}

func TestCloseTwiceAndUseAfterClose(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	var lastCalls int
	a, _ := Open(ctx, st, "doc", WithOnLast(func(Data) error { lastCalls++; return nil }))
	b, _ := Open(ctx, st, "doc", WithOnLast(func(Data) error { lastCalls++; return nil }))

	// Closing a twice must not count as b leaving.
	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if lastCalls != 0 {
		t.Fatalf("teardown ran while b is still open")
	}
	if err := a.Update(ctx, func(Data) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Update after Close err = %v, want ErrClosed", err)
	}

	if err := b.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if lastCalls != 1 {
		t.Errorf("lastCalls = %d, want 1", lastCalls)
	}
}

func TestCloseHookErrorStillRemoves(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	boom := errors.New("boom")

	d, err := Open(ctx, st, "doc", WithOnLast(func(Data) error { return boom }))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Close(ctx); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	names, _ := st.List(ctx)
	if len(names) != 0 {
		t.Errorf("records left = %v", names)
	}
}

func TestDataDecodeEncode(t *testing.T) {
	type point struct {
		X int     `json:"x"`
		Y float64 `json:"y"`
	}

	d := Data{}
	if err := d.Encode("p", point{X: 3, Y: 1.5}); err != nil {
		t.Fatal(err)
	}
	if _, ok := d["p"].(map[string]any); !ok {
		t.Fatalf("encoded value is %T, want generic map", d["p"])
	}

	var got point
	ok, err := d.Decode("p", &got)
	if err != nil || !ok {
		t.Fatalf("Decode ok=%v err=%v", ok, err)
	}
	if got != (point{X: 3, Y: 1.5}) {
		t.Errorf("Decode = %+v", got)
	}

	ok, err = d.Decode("missing", &got)
	if ok || err != nil {
		t.Errorf("Decode(missing) ok=%v err=%v", ok, err)
	}
}
