package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agenttask/internal/domain/task"
)

func TestKeyLock_SerializesPerKey(t *testing.T) {
	k := newKeyLock()
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("ws")
			defer unlock()
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("max holders = %d, want 1", maxSeen)
	}
	if len(k.locks) != 0 {
		t.Fatal("released keys should be forgotten")
	}
}

func TestKeyLock_IndependentKeys(t *testing.T) {
	k := newKeyLock()
	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by a")
	}
	unlockA()
	unlockA()
}

func TestForegroundTracker_Reentrant(t *testing.T) {
	f := newForegroundTracker()
	leave1 := f.enter("ws")
	leave2 := f.enter("ws")
	leave1()
	leave1()
	if !f.blocked("ws") {
		t.Fatal("second wait still holds the workspace")
	}
	leave2()
	if f.blocked("ws") {
		t.Fatal("workspace should be released")
	}
}

func TestWaiterRegistry(t *testing.T) {
	r := newWaiterRegistry()
	w1 := r.register("t")
	w2 := r.register("t")
	r.awaitStart("t", w2)

	r.started("t")
	select {
	case <-w2.started:
	default:
		t.Fatal("started did not release the parked waiter")
	}

	if n := r.resolve("t", task.Report{Markdown: "ok"}); n != 2 {
		t.Fatalf("resolved %d waiters, want 2", n)
	}
	res := <-w1.done
	if res.err != nil || res.report.Markdown != "ok" {
		t.Fatalf("result = %+v", res)
	}
	if r.reject("t", errBoom) != 0 {
		t.Fatal("settled waiters must be forgotten")
	}

	w3 := r.register("u")
	r.unregister("u", w3)
	if r.count("u") != 0 {
		t.Fatal("unregister left the waiter behind")
	}

	w4 := r.register("v")
	w4.settle(waitResult{err: errBoom})
	w4.settle(waitResult{err: errors.New("second")})
	if res := <-w4.done; !errors.Is(res.err, errBoom) {
		t.Fatalf("first settlement must win, got %v", res.err)
	}
}
