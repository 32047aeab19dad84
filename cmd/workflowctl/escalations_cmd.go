package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/iota-uz/regflow/modules/workflow/services"
	"github.com/iota-uz/regflow/pkg/composables"
)

func newEscalationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalations",
		Short: "Escalation monitor operations",
	}
	cmd.AddCommand(newEscalationsScanCmd())
	return cmd
}

func newEscalationsScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one escalation monitor pass and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := connectDB(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer pool.Close()

			app, err := newApp(conf, pool, conf.Logger())
			if err != nil {
				return err
			}
			monitor := app.Service(services.EscalationMonitor{}).(*services.EscalationMonitor)

			start := time.Now()
			ctx := composables.WithPool(cmd.Context(), pool)
			report, err := monitor.ScanOnce(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), commandOutput{
				Command:    "escalations scan",
				DurationMS: time.Since(start).Milliseconds(),
				Result:     report,
			})
		},
	}
}
