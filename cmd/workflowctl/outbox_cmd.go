package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iota-uz/regflow/modules/workflow/handlers"
	"github.com/iota-uz/regflow/modules/workflow/infrastructure/inbox"
	workflowoutbox "github.com/iota-uz/regflow/modules/workflow/infrastructure/outbox"
	"github.com/iota-uz/regflow/modules/workflow/infrastructure/persistence"
	"github.com/iota-uz/regflow/pkg/application"
	"github.com/iota-uz/regflow/pkg/outbox"
)

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Workflow outbox operations",
	}
	cmd.AddCommand(newOutboxRelayOnceCmd())
	cmd.AddCommand(newOutboxPurgeCmd())
	return cmd
}

func newOutboxRelayOnceCmd() *cobra.Command {
	var batches int

	cmd := &cobra.Command{
		Use:   "relay-once",
		Short: "Dispatch pending workflow outbox rows and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batches < 1 {
				return fmt.Errorf("invalid --batches: must be at least 1")
			}
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := connectDB(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := conf.Logger()
			app := application.New(&application.ApplicationOptions{Pool: pool, Logger: logger})
			var pusher handlers.Pusher
			if conf.Redis.URL != "" {
				ib, err := inbox.Dial(cmd.Context(), conf.Redis.URL, inbox.Options{Size: conf.Workflow.InboxSize})
				if err != nil {
					return err
				}
				defer ib.Close()
				pusher = ib
			}
			handlers.RegisterEventHandlers(app, pusher)

			relay, err := outbox.NewRelay(pool, persistence.OutboxTable, workflowoutbox.NewDispatcher(app.EventPublisher()), outbox.RelayOptions{
				BatchSize:       conf.Outbox.RelayBatchSize,
				LockTTL:         conf.Outbox.RelayLockTTL,
				MaxAttempts:     conf.Outbox.RelayMaxAttempts,
				LastErrorMaxLen: conf.Outbox.LastErrorMaxBytes,
				DispatchTimeout: conf.Outbox.RelayDispatchTimeout,
				BaseBackoff:     conf.Outbox.RelayBaseBackoff,
				MaxBackoff:      conf.Outbox.RelayMaxBackoff,
				Logger:          logger.WithField("component", "outbox"),
			})
			if err != nil {
				return err
			}

			start := time.Now()
			total := 0
			for i := 0; i < batches; i++ {
				n, err := relay.ProcessOnce(cmd.Context())
				if err != nil {
					return err
				}
				total += n
				if n == 0 {
					break
				}
			}
			return writeJSON(cmd.OutOrStdout(), commandOutput{
				Command:    "outbox relay-once",
				DurationMS: time.Since(start).Milliseconds(),
				Result:     map[string]int{"processed": total},
			})
		},
	}

	cmd.Flags().IntVar(&batches, "batches", 10, "Maximum number of batches to process")
	return cmd
}

func newOutboxPurgeCmd() *cobra.Command {
	var (
		retention     time.Duration
		deadRetention time.Duration
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete delivered (and optionally dead) workflow outbox rows",
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

			if !cmd.Flags().Changed("retention") {
				retention = conf.Outbox.CleanerRetention
			}
			if !cmd.Flags().Changed("dead-retention") {
				deadRetention = conf.Outbox.CleanerDeadRetention
			}
			cleaner, err := outbox.NewCleaner(pool, persistence.OutboxTable, outbox.CleanerOptions{
				Retention:     retention,
				DeadRetention: deadRetention,
				DeadAttempts:  conf.Outbox.RelayMaxAttempts,
				Logger:        conf.Logger().WithField("component", "outbox"),
			})
			if err != nil {
				return err
			}

			start := time.Now()
			res, err := cleaner.Purge(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), commandOutput{
				Command:    "outbox purge",
				DurationMS: time.Since(start).Milliseconds(),
				Result:     res,
			})
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 0, "Keep delivered rows newer than this (defaults to OUTBOX_CLEANER_RETENTION)")
	cmd.Flags().DurationVar(&deadRetention, "dead-retention", 0, "Also delete dead rows older than this (defaults to OUTBOX_CLEANER_DEAD_RETENTION)")
	return cmd
}
