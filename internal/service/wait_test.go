package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/agenttask/internal/domain"
	"github.com/Strob0t/agenttask/internal/domain/task"
)

func TestWait_ResolvedByReport(t *testing.T) {
	h := newHarness(t, 2, 3)
	a := h.create(t, "root", "a")

	done := make(chan *task.Report, 1)
	go func() {
		r, err := h.svc.WaitForAgentReport(context.Background(), a.TaskID, WaitOptions{})
		if err != nil {
			t.Error(err)
		}
		done <- r
	}()
	eventually(t, func() bool { return h.svc.waiters.count(a.TaskID) == 1 }, "waiter not registered")

	h.report(t, a.TaskID, "result body")
	r := <-done
	if r == nil || r.Markdown != "result body" {
		t.Fatalf("report = %+v", r)
	}
}

func TestWait_QueuedTaskTimeoutStartsAtStart(t *testing.T) {
	h := newHarness(t, 1, 3)
	a := h.create(t, "root", "a")
	b := h.create(t, "root", "b")

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.WaitForAgentReport(context.Background(), b.TaskID, WaitOptions{Timeout: 100 * time.Millisecond})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("wait on a queued task ended early: %v", err)
	case <-time.After(400 * time.Millisecond):
	}

	h.report(t, a.TaskID, "a")
	if h.status(t, b.TaskID) != task.StatusRunning {
		t.Fatal("b should have started")
	}

	select {
	case err := <-done:
		if !errors.Is(err, task.ErrWaitTimeout) {
			t.Fatalf("err = %v, want ErrWaitTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not time out after the task started")
	}
}

func TestWait_CachedAfterCleanup(t *testing.T) {
	h := newHarness(t, 2, 3)
	a := h.create(t, "root", "a")
	h.report(t, a.TaskID, "kept for late callers")

	if h.task(t, a.TaskID) != nil {
		t.Fatal("precondition: task should be cleaned up")
	}
	r, err := h.svc.WaitForAgentReport(context.Background(), a.TaskID, WaitOptions{RequestingWorkspaceID: "root"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Markdown != "kept for late callers" {
		t.Fatalf("report = %+v", r)
	}

	_, err = h.svc.WaitForAgentReport(context.Background(), a.TaskID, WaitOptions{RequestingWorkspaceID: "other"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unrelated requester: err = %v, want ErrNotFound", err)
	}
}

func TestWait_CacheExpires(t *testing.T) {
	h := newHarness(t, 2, 3)
	clock := time.Now()
	h.svc.results.now = func() time.Time { return clock }

	a := h.create(t, "root", "a")
	h.report(t, a.TaskID, "short lived")

	clock = clock.Add(h.svc.results.ttl + time.Second)
	_, err := h.svc.WaitForAgentReport(context.Background(), a.TaskID, WaitOptions{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after TTL", err)
	}
}

func TestWait_NotADescendant(t *testing.T) {
	h := newHarness(t, 2, 3)
	if err := h.svc.RegisterRoot(context.Background(), "root2", ""); err != nil {
		t.Fatal(err)
	}
	a := h.create(t, "root", "a")

	_, err := h.svc.WaitForAgentReport(context.Background(), a.TaskID, WaitOptions{RequestingWorkspaceID: "root2"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	_, err = h.svc.WaitForAgentReport(context.Background(), "missing", WaitOptions{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestWait_Abort(t *testing.T) {
	h := newHarness(t, 2, 3)
	a := h.create(t, "root", "a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.WaitForAgentReport(ctx, a.TaskID, WaitOptions{RequestingWorkspaceID: "root", ToolCallID: "call-9"})
		done <- err
	}()
	eventually(t, func() bool { return len(h.log.pendingFor("root")) == 1 }, "placeholder not opened")
	cancel()

	err := <-done
	if !errors.Is(err, task.ErrWaitAborted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want ErrWaitAborted wrapping context.Canceled", err)
	}
	if h.svc.waiters.count(a.TaskID) != 0 {
		t.Fatal("aborted waiter still registered")
	}
	if len(h.log.pendingFor("root")) != 0 {
		t.Fatal("placeholder of an aborted wait must be dropped")
	}
	eventually(t, func() bool { return !h.svc.foreground.blocked("root") }, "foreground wait not released")
	if h.status(t, a.TaskID) != task.StatusRunning {
		t.Fatal("aborting a wait must not affect the task")
	}
}

func TestWait_ForegroundReleasesSlotOnlyWhileWaiting(t *testing.T) {
	h := newHarness(t, 1, 3)
	a := h.create(t, "root", "a")
	b := h.create(t, a.TaskID, "b")
	c := h.create(t, "root", "c")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.WaitForAgentReport(ctx, b.TaskID, WaitOptions{RequestingWorkspaceID: a.TaskID})
		done <- err
	}()
	// While a waits, exactly one queued task takes its slot, oldest first.
	eventually(t, func() bool { return h.status(t, b.TaskID) == task.StatusRunning }, "b not started")
	if h.status(t, c.TaskID) != task.StatusQueued {
		t.Fatal("only one slot was freed")
	}
	cancel()
	<-done

	n, err := h.svc.ActiveCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("active = %d, want 2 once a counts again", n)
	}
}

func TestWait_TerminatedBeforeRegistration(t *testing.T) {
	for _, tc := range []struct {
		name   string
		target func(a, b string) string
	}{
		{"queued", func(_, b string) string { return b }},
		{"running", func(a, _ string) string { return a }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 1, 3)
			a := h.create(t, "root", "a")
			b := h.create(t, "root", "b")
			id := tc.target(a.TaskID, b.TaskID)

			// Terminate lands after the wait read the graph but before it
			// registered its waiter.
			h.graph.onNextLoad(func() {
				if _, err := h.svc.Terminate(context.Background(), id); err != nil {
					t.Errorf("terminate: %v", err)
				}
			})

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			begin := time.Now()
			_, err := h.svc.WaitForAgentReport(ctx, id, WaitOptions{Timeout: 100 * time.Millisecond})
			if !errors.Is(err, task.ErrTaskTerminated) {
				t.Fatalf("err = %v, want ErrTaskTerminated", err)
			}
			if elapsed := time.Since(begin); elapsed > time.Second {
				t.Fatalf("wait took %s, should fail right away", elapsed)
			}
			if h.svc.waiters.count(id) != 0 {
				t.Fatal("waiter left registered")
			}
		})
	}
}

func TestWait_StartedBeforeRegistrationArmsTimeout(t *testing.T) {
	h := newHarness(t, 1, 3)
	a := h.create(t, "root", "a")
	b := h.create(t, "root", "b")

	// b is dequeued after the wait saw it queued but before the waiter
	// was parked on its start.
	h.graph.onNextLoad(func() { h.report(t, a.TaskID, "a") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	begin := time.Now()
	_, err := h.svc.WaitForAgentReport(ctx, b.TaskID, WaitOptions{Timeout: 100 * time.Millisecond})
	if !errors.Is(err, task.ErrWaitTimeout) {
		t.Fatalf("err = %v, want ErrWaitTimeout", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("timeout armed late: wait took %s", elapsed)
	}
	if h.status(t, b.TaskID) != task.StatusRunning {
		t.Fatal("b should be running")
	}
}
