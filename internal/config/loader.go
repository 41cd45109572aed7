package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agenttask.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTTASK_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTTASK_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTTASK_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTTASK_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTTASK_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTTASK_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTTASK_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "AGENTTASK_NATS_STREAM")
	setString(&cfg.Logging.Level, "AGENTTASK_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTTASK_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTTASK_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "AGENTTASK_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTTASK_BREAKER_TIMEOUT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTTASK_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "AGENTTASK_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "AGENTTASK_CACHE_L2_TTL")

	// Tasks
	setInt(&cfg.Tasks.MaxParallelAgentTasks, "AGENTTASK_MAX_PARALLEL_AGENT_TASKS")
	setInt(&cfg.Tasks.MaxTaskNestingDepth, "AGENTTASK_MAX_TASK_NESTING_DEPTH")
	setDuration(&cfg.Tasks.ResultTTL, "AGENTTASK_RESULT_TTL")
	setInt(&cfg.Tasks.ResultCacheMaxEntries, "AGENTTASK_RESULT_CACHE_MAX_ENTRIES")
	setDuration(&cfg.Tasks.DefaultWaitTimeout, "AGENTTASK_DEFAULT_WAIT_TIMEOUT")
	setString(&cfg.Tasks.Store, "AGENTTASK_STORE")
	setString(&cfg.Tasks.GraphFile, "AGENTTASK_GRAPH_FILE")
	setString(&cfg.Tasks.DataDir, "AGENTTASK_DATA_DIR")

	// Workspace
	setString(&cfg.Workspace.Root, "AGENTTASK_WORKSPACE_ROOT")
	setString(&cfg.Workspace.Mode, "AGENTTASK_WORKSPACE_MODE")
	setString(&cfg.Workspace.RepoPath, "AGENTTASK_WORKSPACE_REPO")
	setDuration(&cfg.Workspace.HookTimeout, "AGENTTASK_WORKSPACE_HOOK_TIMEOUT")
	setInt(&cfg.Workspace.GitMaxWorkers, "AGENTTASK_GIT_MAX_WORKERS")

	// OTel
	setBool(&cfg.OTel.Enabled, "AGENTTASK_OTEL_ENABLED")
	setString(&cfg.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTel.Insecure, "AGENTTASK_OTEL_INSECURE")
	setString(&cfg.OTel.ServiceName, "OTEL_SERVICE_NAME")
	setFloat64(&cfg.OTel.SampleRate, "AGENTTASK_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Tasks.MaxParallelAgentTasks < 1 {
		return errors.New("tasks.max_parallel_agent_tasks must be >= 1")
	}
	if cfg.Tasks.MaxTaskNestingDepth < 1 {
		return errors.New("tasks.max_task_nesting_depth must be >= 1")
	}
	if cfg.Tasks.ResultTTL <= 0 {
		return errors.New("tasks.result_ttl must be > 0")
	}
	if cfg.Tasks.ResultCacheMaxEntries < 1 {
		return errors.New("tasks.result_cache_max_entries must be >= 1")
	}
	switch cfg.Tasks.Store {
	case StoreFile:
		if cfg.Tasks.GraphFile == "" {
			return errors.New("tasks.graph_file is required for the file store")
		}
	case StorePostgres:
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres store")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	default:
		return fmt.Errorf("tasks.store %q is not one of file, postgres", cfg.Tasks.Store)
	}
	switch cfg.Workspace.Mode {
	case "dir":
	case "worktree":
		if cfg.Workspace.RepoPath == "" {
			return errors.New("workspace.repo_path is required in worktree mode")
		}
	default:
		return fmt.Errorf("workspace.mode %q is not one of dir, worktree", cfg.Workspace.Mode)
	}
	seen := make(map[string]bool, len(cfg.Tasks.Agents))
	for _, a := range cfg.Tasks.Agents {
		if a.ID == "" {
			return errors.New("tasks.agents entries need an id")
		}
		if seen[a.ID] {
			return fmt.Errorf("tasks.agents: duplicate id %q", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
