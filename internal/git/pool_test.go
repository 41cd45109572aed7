package git

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolCapsParallelism(t *testing.T) {
	pool := NewPool(2)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			_ = pool.Run(context.Background(), func() error {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				for p := peak.Load(); n > p && !peak.CompareAndSwap(p, n); p = peak.Load() {
				}
				time.Sleep(5 * time.Millisecond)
				return nil
			})
		})
	}
	wg.Wait()

	if p := peak.Load(); p > 2 {
		t.Fatalf("peak parallelism = %d, want <= 2", p)
	}
}

func TestPoolZeroLimitStillRuns(t *testing.T) {
	pool := NewPool(0)
	if err := pool.Run(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestPoolGivesUpWhenContextEnds(t *testing.T) {
	pool := NewPool(1)
	hold := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = pool.Run(context.Background(), func() error {
			close(held)
			<-hold
			return nil
		})
	}()
	<-held
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := pool.Run(ctx, func() error { ran = true; return nil })
	if !errors.Is(err, context.DeadlineExceeded) || ran {
		t.Fatalf("err=%v ran=%v", err, ran)
	}
}

func TestPoolPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	var pool *Pool
	if err := pool.Run(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("nil pool err = %v", err)
	}
}

func TestGitCommands(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	pool := NewPool(1)
	dir := t.TempDir()

	if _, err := pool.Git(ctx, dir, "init", "-q", "-b", "main"); err != nil {
		t.Fatalf("git init: %v", err)
	}
	branch, err := pool.Git(ctx, dir, "symbolic-ref", "--short", "HEAD")
	if err != nil || branch != "main" {
		t.Fatalf("branch = %q, err = %v", branch, err)
	}

	_, err = pool.Git(ctx, dir, "rev-parse", "--verify", "no-such-ref")
	if err == nil || !strings.Contains(err.Error(), "git rev-parse") {
		t.Fatalf("expected error naming the command, got %v", err)
	}
}
