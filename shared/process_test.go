package shared

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// envSessionDir makes the test binary act as one worker process of
// TestOpenAcrossProcesses.
const envSessionDir = "SHARED_TEST_SESSION_DIR"

const (
	processWorkers = 8
	processUpdates = 50
)

func TestWorkerProcess(t *testing.T) {
	dir := os.Getenv(envSessionDir)
	if dir == "" {
		t.Skip("runs only as a child of TestOpenAcrossProcesses")
	}
	ctx := context.Background()
	logPath := filepath.Join(dir, "events.log")

	appendLine := func(line string) error {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = fmt.Fprintln(f, line)
		return err
	}

	d, err := Open(ctx, newFileStore(t, dir), "session",
		WithOnFirst(func() (Data, error) {
			return Data{}, appendLine("first")
		}),
		WithOnLast(func(d Data) error {
			var n int
			if _, err := d.Decode("n", &n); err != nil {
				return err
			}
			return appendLine("last " + strconv.Itoa(n))
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < processUpdates; i++ {
		err := d.Update(ctx, func(d Data) error {
			var n int
			if _, err := d.Decode("n", &n); err != nil {
				return err
			}
			return d.Encode("n", n+1)
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestOpenAcrossProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("starts child processes")
	}
	if os.Getenv(envSessionDir) != "" {
		t.Skip("already a child process")
	}
	dir := t.TempDir()

	cmds := make([]*exec.Cmd, processWorkers)
	outs := make([]*strings.Builder, processWorkers)
	for i := range cmds {
		cmd := exec.Command(os.Args[0], "-test.run=^TestWorkerProcess$", "-test.count=1")
		cmd.Env = append(os.Environ(), envSessionDir+"="+dir)
		outs[i] = &strings.Builder{}
		cmd.Stdout = outs[i]
		cmd.Stderr = outs[i]
		if err := cmd.Start(); err != nil {
			t.Fatal(err)
		}
		cmds[i] = cmd
	}
	for i, cmd := range cmds {
		if err := cmd.Wait(); err != nil {
			t.Fatalf("worker %d: %v\n%s", i, err, outs[i])
		}
	}

	f, err := os.Open(filepath.Join(dir, "events.log"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	// Workers that start after everyone else has left begin a new session,
	// so there may be several; each must start and end exactly once.
	var firsts, lasts, total int
	open := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "first":
			if open {
				t.Fatal("session started twice without ending")
			}
			open = true
			firsts++
		case strings.HasPrefix(line, "last "):
			if !open {
				t.Fatal("session ended without starting")
			}
			open = false
			lasts++
			n, err := strconv.Atoi(strings.TrimPrefix(line, "last "))
			if err != nil {
				t.Fatal(err)
			}
			total += n
		default:
			t.Fatalf("unexpected log line %q", line)
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}

	if firsts == 0 || firsts != lasts || open {
		t.Errorf("sessions started %d times and ended %d times", firsts, lasts)
	}
	if want := processWorkers * processUpdates; total != want {
		t.Errorf("updates seen by teardown = %d, want %d", total, want)
	}
	if _, err := os.Stat(newFileStore(t, dir).DataPath("session")); !os.IsNotExist(err) {
		t.Errorf("document left behind: %v", err)
	}
}
