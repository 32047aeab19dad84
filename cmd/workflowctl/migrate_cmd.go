package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/iota-uz/regflow/modules/workflow/infrastructure/persistence"
	"github.com/iota-uz/regflow/pkg/application"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or inspect the workflow schema migrations",
	}
	cmd.AddCommand(newMigrateRunCmd("up", "Apply all pending migrations", application.MigrationManager.Up))
	cmd.AddCommand(newMigrateRunCmd("down", "Roll back the most recent migration", application.MigrationManager.Down))
	cmd.AddCommand(newMigrateStatusCmd())
	return cmd
}

func migrations(ctx context.Context) (application.MigrationManager, func(), error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	pool, err := connectDB(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	m := application.NewMigrationManager(pool)
	if err := m.RegisterMigrations(persistence.Migrations()); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return m, pool.Close, nil
}

func newMigrateRunCmd(use, short string, run func(application.MigrationManager, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeDB, err := migrations(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			start := time.Now()
			if err := run(m, cmd.Context()); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), commandOutput{
				Command:    "migrate " + use,
				DurationMS: time.Since(start).Milliseconds(),
				Result:     "ok",
			})
		},
	}
}

type migrationStatus struct {
	Version   int64  `json:"version"`
	Source    string `json:"source"`
	State     string `json:"state"`
	AppliedAt string `json:"applied_at,omitempty"`
}

func newMigrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeDB, err := migrations(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			start := time.Now()
			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := make([]migrationStatus, 0, len(statuses))
			for _, s := range statuses {
				row := migrationStatus{
					Version: s.Source.Version,
					Source:  s.Source.Path,
					State:   string(s.State),
				}
				if !s.AppliedAt.IsZero() {
					row.AppliedAt = s.AppliedAt.UTC().Format(time.RFC3339)
				}
				out = append(out, row)
			}
			return writeJSON(cmd.OutOrStdout(), commandOutput{
				Command:    "migrate status",
				DurationMS: time.Since(start).Milliseconds(),
				Result:     out,
			})
		},
	}
}
