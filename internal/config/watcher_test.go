package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agenttask.yaml")
	if err := os.WriteFile(path, []byte("tasks:\n  max_parallel_agent_tasks: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { got <- c })
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// An invalid edit must not be delivered.
	if err := os.WriteFile(path, []byte("tasks:\n  max_parallel_agent_tasks: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * reloadDebounce)
	if err := os.WriteFile(path, []byte("tasks:\n  max_parallel_agent_tasks: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Tasks.MaxParallelAgentTasks == 0 {
				t.Fatal("invalid config was delivered")
			}
			if c.Tasks.MaxParallelAgentTasks == 5 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
