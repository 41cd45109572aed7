package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/agenttask/internal/adapter/filestore"
	cfhttp "github.com/Strob0t/agenttask/internal/adapter/http"
	cfnats "github.com/Strob0t/agenttask/internal/adapter/nats"
	"github.com/Strob0t/agenttask/internal/adapter/natskv"
	"github.com/Strob0t/agenttask/internal/adapter/natssession"
	cfotel "github.com/Strob0t/agenttask/internal/adapter/otel"
	"github.com/Strob0t/agenttask/internal/adapter/postgres"
	"github.com/Strob0t/agenttask/internal/adapter/ristretto"
	"github.com/Strob0t/agenttask/internal/adapter/tiered"
	"github.com/Strob0t/agenttask/internal/adapter/worktree"
	"github.com/Strob0t/agenttask/internal/adapter/ws"
	"github.com/Strob0t/agenttask/internal/config"
	"github.com/Strob0t/agenttask/internal/git"
	"github.com/Strob0t/agenttask/internal/port/graphstore"
	"github.com/Strob0t/agenttask/internal/resilience"
	"github.com/Strob0t/agenttask/internal/service"
)

// app is the wired scheduler with everything it needs to shut down.
type app struct {
	tasks  *service.TaskService
	hub    *ws.Hub
	health []cfhttp.HealthCheck

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// --- Task graph ---
	graph, pool, err := openGraphStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		a.closers = append(a.closers, pool.Close)
		a.health = append(a.health, cfhttp.HealthCheck{Name: "postgres", Check: pool.Ping})
	}

	logs, err := filestore.NewChatLog(filepath.Join(cfg.Tasks.DataDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("chat log: %w", err)
	}

	// --- NATS ---
	queue, err := cfnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
	if err != nil {
		return nil, fmt.Errorf("nats: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := queue.Drain(); err != nil {
			slog.Warn("nats drain failed", "error", err)
		}
	})
	a.health = append(a.health, cfhttp.HealthCheck{Name: "nats", Check: func(context.Context) error {
		if !queue.IsConnected() {
			return errors.New("disconnected")
		}
		return nil
	}})

	// --- Report cache: ristretto in front of a NATS KV bucket ---
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	a.closers = append(a.closers, l1.Close)
	l2, err := natskv.Open(ctx, queue.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return nil, fmt.Errorf("l2 cache: %w", err)
	}
	results := tiered.New(l1, l2, cfg.Tasks.ResultTTL)

	// --- Sessions and workspaces ---
	breaker := resilience.NewBreaker("sessions", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	a.health = append(a.health, cfhttp.HealthCheck{Name: "session_breaker", Check: func(context.Context) error {
		if breaker.State() == "open" {
			return resilience.ErrCircuitOpen
		}
		return nil
	}})
	sessions := natssession.New(queue, breaker)
	cancelStreams, err := sessions.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("session streams: %w", err)
	}
	a.closers = append(a.closers, cancelStreams)

	workspaces := worktree.New(cfg.Workspace, git.NewPool(cfg.Workspace.GitMaxWorkers))

	// --- Service ---
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	a.hub = ws.NewHub()
	a.tasks = service.NewTaskService(cfg.Tasks, service.Deps{
		Graph:      graph,
		Sessions:   sessions,
		Workspaces: workspaces,
		ChatLog:    logs,
		Broadcast:  a.hub,
		Queue:      queue,
		Results:    results,
		Metrics:    metrics,
	})
	if err := metrics.RegisterActiveGauge(func(ctx context.Context) (int64, error) {
		n, err := a.tasks.ActiveCount(ctx)
		return int64(n), err
	}); err != nil {
		return nil, fmt.Errorf("active gauge: %w", err)
	}

	cancelEvents, err := a.tasks.StartEventSubscribers(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("event subscribers: %w", err)
	}
	a.closers = append(a.closers, cancelEvents)

	return a, nil
}

// openGraphStore returns the configured task graph store. The pool is
// non-nil for the postgres store.
func openGraphStore(ctx context.Context, cfg *config.Config) (graphstore.Store, *pgxpool.Pool, error) {
	switch cfg.Tasks.Store {
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("task graph store", "backend", "postgres")
		return postgres.NewGraphStore(pool, postgres.DefaultGraphName), pool, nil
	default:
		store, err := filestore.NewGraphStore(cfg.Tasks.GraphFile)
		if err != nil {
			return nil, nil, fmt.Errorf("graph file: %w", err)
		}
		slog.Info("task graph store", "backend", "file", "path", cfg.Tasks.GraphFile)
		return store, nil, nil
	}
}
