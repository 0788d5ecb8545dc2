package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/store"
)

var errMemoryStore = errors.New("migrations need FAULTLINE_STORE=postgres")

func newMigrateCmd(c *cli) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the issue store schema",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "migrations directory (default FAULTLINE_MIGRATIONS_DIR)")

	target := func() (string, string, error) {
		cfg, err := c.load()
		if err != nil {
			return "", "", fmt.Errorf("load config: %w", err)
		}
		return migrationTarget(cfg, dir)
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, d, err := target()
			if err != nil {
				return err
			}
			if err := store.RunMigrations(url, d); err != nil {
				return err
			}
			c.printf("migrations applied\n")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, d, err := target()
			if err != nil {
				return err
			}
			if err := store.RollbackMigrations(url, d, steps); err != nil {
				return err
			}
			c.printf("reverted %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, d, err := target()
			if err != nil {
				return err
			}
			v, dirty, err := store.MigrationVersion(url, d)
			if err != nil {
				return err
			}
			if dirty {
				c.printf("version %d (dirty)\n", v)
			} else {
				c.printf("version %d\n", v)
			}
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func migrationTarget(cfg *config.Config, dir string) (string, string, error) {
	if cfg.Database.Backend != "postgres" {
		return "", "", errMemoryStore
	}
	if dir == "" {
		dir = cfg.Database.MigrationsDir
	}
	return cfg.Database.URL, dir, nil
}
