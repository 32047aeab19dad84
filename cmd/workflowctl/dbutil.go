package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/regflow/modules/workflow"
	"github.com/iota-uz/regflow/pkg/application"
	"github.com/iota-uz/regflow/pkg/configuration"
)

func loadConfig() (*configuration.Configuration, error) {
	if _, err := configuration.LoadEnv([]string{".env", ".env.local"}); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	conf, err := configuration.Parse()
	if err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	return conf, nil
}

func connectDB(ctx context.Context, conf *configuration.Configuration) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		return nil, fmt.Errorf("db connect failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	return pool, nil
}

// newApp loads the workflow module against pool without starting any
// background runner.
func newApp(conf *configuration.Configuration, pool *pgxpool.Pool, logger *logrus.Logger) (application.Application, error) {
	app := application.New(&application.ApplicationOptions{Pool: pool, Logger: logger})
	wf := conf.Workflow
	wf.EscalationEnabled = false
	if err := workflow.NewModule(&workflow.ModuleOptions{Workflow: wf}).Register(app); err != nil {
		return nil, err
	}
	return app, nil
}
