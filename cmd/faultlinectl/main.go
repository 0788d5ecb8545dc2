// Package main is faultlinectl, the operator CLI for schema migrations,
// one-off retention runs and API key management.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/faultline/internal/apm"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/retention"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/store/memory"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if err := newRootCmd(newCLI(os.Stdout, logger)).Execute(); err != nil {
		os.Exit(1)
	}
}

// backend holds the stores a command operates on.
type backend struct {
	issues store.Store
	traces retention.TraceStore
	close  func()
}

type cli struct {
	out    io.Writer
	logger *slog.Logger
	load   func() (*config.Config, error)
	open   func(ctx context.Context, cfg *config.Config) (*backend, error)
}

func newCLI(out io.Writer, logger *slog.Logger) *cli {
	return &cli{out: out, logger: logger, load: config.Load, open: openBackend}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:          "faultlinectl",
		Short:        "Operate a Faultline deployment",
		SilenceUsage: true,
	}
	root.AddCommand(newMigrateCmd(c), newCleanupCmd(c), newKeysCmd(c))
	return root
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// withBackend loads config, opens the stores and runs fn against them.
func (c *cli) withBackend(ctx context.Context, fn func(cfg *config.Config, b *backend) error) error {
	cfg, err := c.load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	b, err := c.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()
	return fn(cfg, b)
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.Database.Backend == "memory" {
		return &backend{issues: memory.New(), close: func() {}}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database, nil)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	b := &backend{issues: store.NewPostgresStore(pool), close: pool.Close}

	if cfg.APM.Enabled {
		shared := pool
		if cfg.APM.Backend != "postgres" || cfg.APM.DSN != cfg.Database.URL {
			shared = nil
		}
		ts, err := apm.Open(ctx, cfg.APM, shared)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("open apm store: %w", err)
		}
		b.traces = ts
		b.close = func() {
			_ = ts.Close()
			pool.Close()
		}
	}
	return b, nil
}
