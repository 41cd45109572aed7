package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Tasks.MaxParallelAgentTasks != 3 {
		t.Errorf("expected max_parallel_agent_tasks 3, got %d", cfg.Tasks.MaxParallelAgentTasks)
	}
	if cfg.Tasks.MaxTaskNestingDepth != 3 {
		t.Errorf("expected max_task_nesting_depth 3, got %d", cfg.Tasks.MaxTaskNestingDepth)
	}
	if cfg.Tasks.ResultTTL != 10*time.Minute {
		t.Errorf("expected result_ttl 10m, got %v", cfg.Tasks.ResultTTL)
	}
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
tasks:
  max_parallel_agent_tasks: 1
  result_ttl: 30s
  agents:
    - id: explore
      model: small-model
    - id: review
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Tasks.MaxParallelAgentTasks != 1 {
		t.Errorf("expected max_parallel_agent_tasks 1, got %d", cfg.Tasks.MaxParallelAgentTasks)
	}
	if cfg.Tasks.ResultTTL != 30*time.Second {
		t.Errorf("expected result_ttl 30s, got %v", cfg.Tasks.ResultTTL)
	}
	if a, ok := cfg.Tasks.Agent("explore"); !ok || a.Model != "small-model" {
		t.Errorf("expected explore agent with small-model, got %+v (found=%v)", a, ok)
	}
	if _, ok := cfg.Tasks.Agent("missing"); ok {
		t.Error("unexpected agent profile for missing id")
	}
	// Unchanged fields keep defaults
	if cfg.Tasks.MaxTaskNestingDepth != 3 {
		t.Errorf("expected default depth 3, got %d", cfg.Tasks.MaxTaskNestingDepth)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	if err := loadYAML(&cfg, "/nonexistent/path.yaml"); err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("tasks: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("AGENTTASK_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("AGENTTASK_MAX_PARALLEL_AGENT_TASKS", "8")
	t.Setenv("AGENTTASK_RESULT_TTL", "1m")
	t.Setenv("AGENTTASK_STORE", "postgres")
	t.Setenv("AGENTTASK_LOG_ASYNC", "true")
	t.Setenv("AGENTTASK_MAX_TASK_NESTING_DEPTH", "not-a-number")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("unexpected DSN %s", cfg.Postgres.DSN)
	}
	if cfg.Tasks.MaxParallelAgentTasks != 8 {
		t.Errorf("expected 8, got %d", cfg.Tasks.MaxParallelAgentTasks)
	}
	if cfg.Tasks.ResultTTL != time.Minute {
		t.Errorf("expected 1m, got %v", cfg.Tasks.ResultTTL)
	}
	if cfg.Tasks.Store != "postgres" {
		t.Errorf("expected postgres store, got %s", cfg.Tasks.Store)
	}
	if !cfg.Logging.Async {
		t.Error("expected async logging")
	}
	// Unparseable values leave the previous value in place.
	if cfg.Tasks.MaxTaskNestingDepth != 3 {
		t.Errorf("expected depth to stay 3, got %d", cfg.Tasks.MaxTaskNestingDepth)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no port", func(c *Config) { c.Server.Port = "" }, "server.port"},
		{"zero parallel", func(c *Config) { c.Tasks.MaxParallelAgentTasks = 0 }, "max_parallel_agent_tasks"},
		{"zero depth", func(c *Config) { c.Tasks.MaxTaskNestingDepth = 0 }, "max_task_nesting_depth"},
		{"zero ttl", func(c *Config) { c.Tasks.ResultTTL = 0 }, "result_ttl"},
		{"zero cache", func(c *Config) { c.Tasks.ResultCacheMaxEntries = 0 }, "result_cache_max_entries"},
		{"unknown store", func(c *Config) { c.Tasks.Store = "etcd" }, "tasks.store"},
		{"file store without path", func(c *Config) { c.Tasks.GraphFile = "" }, "graph_file"},
		{"postgres without dsn", func(c *Config) { c.Tasks.Store = "postgres"; c.Postgres.DSN = "" }, "postgres.dsn"},
		{"worktree without repo", func(c *Config) { c.Workspace.Mode = "worktree" }, "repo_path"},
		{"unknown workspace mode", func(c *Config) { c.Workspace.Mode = "vm" }, "workspace.mode"},
		{"duplicate agent", func(c *Config) {
			c.Tasks.Agents = []AgentProfile{{ID: "a"}, {ID: "a"}}
		}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
