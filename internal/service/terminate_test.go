package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Strob0t/agenttask/internal/domain"
	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/port/broadcast"
)

func TestTerminate_DeepestFirst(t *testing.T) {
	h := newHarness(t, 5, 5)
	a := h.create(t, "root", "a")
	b := h.create(t, a.TaskID, "b")
	c := h.create(t, b.TaskID, "c")

	errs := make(chan error, 2)
	for _, id := range []string{a.TaskID, c.TaskID} {
		go func() {
			_, err := h.svc.WaitForAgentReport(context.Background(), id, WaitOptions{})
			errs <- err
		}()
	}
	eventually(t, func() bool {
		return h.svc.waiters.count(a.TaskID) == 1 && h.svc.waiters.count(c.TaskID) == 1
	}, "waiters not registered")

	removed, err := h.svc.Terminate(context.Background(), a.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{c.TaskID, b.TaskID, a.TaskID}, ",")
	if got := strings.Join(removed, ","); got != want {
		t.Fatalf("removed = %s, want %s", got, want)
	}
	if got := strings.Join(h.ws.removals(), ","); got != want {
		t.Fatalf("workspace removals = %s, want %s", got, want)
	}
	if got := strings.Join(h.log.cleared, ","); got != want {
		t.Fatalf("cleared logs = %s, want %s", got, want)
	}
	for range 2 {
		if err := <-errs; !errors.Is(err, task.ErrTaskTerminated) {
			t.Fatalf("waiter err = %v, want ErrTaskTerminated", err)
		}
	}
	g, _ := h.graph.Load(context.Background())
	if len(g.Tasks) != 0 {
		t.Fatal("terminated subtree still in graph")
	}
	if h.hub.count(broadcast.EventTaskRemoved, b.TaskID) != 1 {
		t.Fatal("expected removal broadcast for b")
	}
	if len(h.log.committed("root")) != 0 {
		t.Fatal("terminated tasks must not deliver reports")
	}
}

func TestTerminate_QueuedTaskOwnsNoWorkspace(t *testing.T) {
	h := newHarness(t, 1, 3)
	h.create(t, "root", "a")
	b := h.create(t, "root", "b")

	if _, err := h.svc.Terminate(context.Background(), b.TaskID); err != nil {
		t.Fatal(err)
	}
	if len(h.ws.removals()) != 0 {
		t.Fatal("queued task has no workspace to remove")
	}
}

func TestTerminate_FreesCapacity(t *testing.T) {
	h := newHarness(t, 1, 3)
	a := h.create(t, "root", "a")
	b := h.create(t, "root", "b")

	if _, err := h.svc.Terminate(context.Background(), a.TaskID); err != nil {
		t.Fatal(err)
	}
	if h.status(t, b.TaskID) != task.StatusRunning {
		t.Fatal("queued task should start once capacity is freed")
	}
}

func TestTerminate_NotFound(t *testing.T) {
	h := newHarness(t, 1, 3)
	if _, err := h.svc.Terminate(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
