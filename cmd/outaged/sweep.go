package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/outage-engine/internal/engine"
	"github.com/couchcryptid/outage-engine/internal/observability"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resolve stale outages once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger, observability.NewMetrics(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.index.Rebuild(cmd.Context()); err != nil {
				return fmt.Errorf("build geo index: %w", err)
			}
			start := time.Now()
			n, err := engine.NewSweeper(a.engine, cfg.SweepInterval, 0, 0).SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %d stale outage(s) in %s\n", n, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
