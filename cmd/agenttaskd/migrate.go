package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/Strob0t/agenttask/internal/adapter/postgres"
	"github.com/Strob0t/agenttask/internal/config"
)

// runMigrate dispatches migrate subcommands (up, down, status).
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "postgres DSN (defaults to postgres.dsn from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		rest = []string{"up"}
	}

	if *dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		*dsn = cfg.Postgres.DSN
	}
	if *dsn == "" {
		return fmt.Errorf("no postgres DSN configured")
	}

	ctx := context.Background()
	switch rest[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, *dsn); err != nil {
			return err
		}
	case "down":
		steps := 1
		if len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid step count %q", rest[1])
			}
			steps = n
		}
		if err := postgres.RollbackMigrations(ctx, *dsn, steps); err != nil {
			return err
		}
	case "status":
	default:
		return fmt.Errorf("unknown migrate command: %s", rest[0])
	}

	v, err := postgres.MigrationVersion(ctx, *dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "schema version: %d\n", v)
	return nil
}
