// Command agenttaskd runs the hierarchical agent task scheduler.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	cfhttp "github.com/Strob0t/agenttask/internal/adapter/http"
	cfotel "github.com/Strob0t/agenttask/internal/adapter/otel"
	"github.com/Strob0t/agenttask/internal/config"
	"github.com/Strob0t/agenttask/internal/logger"
	"github.com/Strob0t/agenttask/internal/middleware"
)

const sweepInterval = time.Minute

func main() {
	if err := dispatch(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func dispatch(args []string) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		return runServe()
	case "migrate":
		return runMigrate(args)
	case "recover":
		return runRecover()
	case "help", "--help", "-h":
		printHelp()
		return nil
	default:
		printHelp()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: agenttaskd <command> [options]

Commands:
  serve     Run the scheduler API (default)
  migrate   Apply or roll back Postgres migrations (up | down [n] | status)
  recover   Run restart recovery once and print what it did
  help      Show this help message
`)
}

// setup loads config and installs the process logger.
func setup() (*config.Config, logger.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	return cfg, closer, nil
}

func runServe() error {
	cfg, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Tasks.Store,
		"max_parallel", cfg.Tasks.MaxParallelAgentTasks,
		"max_depth", cfg.Tasks.MaxTaskNestingDepth,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := cfotel.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("otel shutdown failed", "error", err)
		}
	}()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	rep, err := a.tasks.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	slog.Info("startup recovery done",
		"resumed", len(rep.Resumed), "reminded", len(rep.Reminded),
		"cleaned", len(rep.Cleaned), "started", len(rep.Started))

	// --- HTTP ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(cfhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))
	if cfg.OTel.Enabled {
		r.Use(cfotel.HTTPMiddleware(cfg.OTel.ServiceName))
	}
	cfhttp.MountRoutes(r, &cfhttp.Handlers{
		Tasks:  a.tasks,
		Hub:    a.hub,
		Health: a.health,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No write timeout: report waits block for up to the wait timeout.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		a.tasks.RunResultSweeper(gctx, sweepInterval)
		return nil
	})
	g.Go(func() error {
		w, err := config.NewWatcher(config.DefaultConfigFile, func(next *config.Config) {
			a.tasks.ApplyConfig(gctx, next.Tasks)
			slog.Info("task limits reloaded",
				"max_parallel", next.Tasks.MaxParallelAgentTasks,
				"max_depth", next.Tasks.MaxTaskNestingDepth)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "error", err)
			return nil
		}
		return w.Run(gctx)
	})

	return g.Wait()
}

func runRecover() error {
	cfg, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	rep, err := a.tasks.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
