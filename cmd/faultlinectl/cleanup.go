package main

import (
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/retention"
)

func newCleanupCmd(c *cli) *cobra.Command {
	var issueDays, apmDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete occurrences, stale groups and traces past their retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(cfg *config.Config, b *backend) error {
				if !cmd.Flags().Changed("days") {
					issueDays = cfg.Retention.Days
				}
				if !cmd.Flags().Changed("apm-days") {
					apmDays = cfg.APM.RetentionDays
				}
				res, err := retention.New(b.issues, b.traces, issueDays, apmDays, c.logger).Run(cmd.Context())
				if err != nil {
					return err
				}
				c.printf("deleted %d occurrence(s), %d group(s), %d trace(s)\n", res.Occurrences, res.Groups, res.Traces)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&issueDays, "days", 0, "issue retention in days (default FAULTLINE_RETENTION_DAYS)")
	cmd.Flags().IntVar(&apmDays, "apm-days", 0, "trace retention in days (default FAULTLINE_APM_RETENTION_DAYS)")
	return cmd
}
