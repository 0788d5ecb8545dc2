package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/faultline/internal/apikey"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/store"
)

func newKeysCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	var (
		name   string
		scopes []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, raw, err := apikey.Generate(name, scopes, 0)
			if err != nil {
				return err
			}
			return c.withBackend(cmd.Context(), func(_ *config.Config, b *backend) error {
				if err := b.issues.CreateAPIKey(cmd.Context(), key); err != nil {
					return fmt.Errorf("create api key: %w", err)
				}
				c.printf("id:     %s\nscopes: %s\nkey:    %s\n", key.ID, strings.Join(key.Scopes, ","), raw)
				c.printf("store this key now; it cannot be shown again\n")
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name")
	create.Flags().StringSliceVar(&scopes, "scope", nil, "scope to grant: ingest, read or admin (repeatable)")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(_ *config.Config, b *backend) error {
				keys, err := b.issues.ListAPIKeys(cmd.Context())
				if err != nil {
					return fmt.Errorf("list api keys: %w", err)
				}
				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSCOPES\tLAST USED")
				for _, k := range keys {
					lastUsed := "never"
					if k.LastUsedAt != nil {
						lastUsed = k.LastUsedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.KeyPrefix, strings.Join(k.Scopes, ","), lastUsed)
				}
				return tw.Flush()
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			return c.withBackend(cmd.Context(), func(_ *config.Config, b *backend) error {
				if err := b.issues.RevokeAPIKey(cmd.Context(), id); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("api key %s not found", id)
					}
					return fmt.Errorf("revoke api key: %w", err)
				}
				c.printf("revoked %s\n", id)
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}
