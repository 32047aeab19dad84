package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/regflow/internal/server"
	"github.com/iota-uz/regflow/modules"
	"github.com/iota-uz/regflow/modules/workflow"
	"github.com/iota-uz/regflow/modules/workflow/infrastructure/inbox"
	workflowoutbox "github.com/iota-uz/regflow/modules/workflow/infrastructure/outbox"
	"github.com/iota-uz/regflow/modules/workflow/infrastructure/persistence"
	"github.com/iota-uz/regflow/pkg/application"
	"github.com/iota-uz/regflow/pkg/configuration"
	"github.com/iota-uz/regflow/pkg/eventbus"
	"github.com/iota-uz/regflow/pkg/logging"
	"github.com/iota-uz/regflow/pkg/metrics"
	"github.com/iota-uz/regflow/pkg/outbox"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			configuration.Use().Unload()
			log.Println(r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	logger := conf.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.OpenTelemetry.Enabled {
		tracingCleanup := logging.SetupTracing(ctx, conf.OpenTelemetry.ServiceName, conf.OpenTelemetry.Endpoint)
		defer tracingCleanup()
		logger.Info("OpenTelemetry tracing enabled, exporting to " + conf.OpenTelemetry.Endpoint)
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()
	pool, err := pgxpool.New(connectCtx, conf.Database.Opts)
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	var notifications *inbox.Redis
	if conf.Redis.URL != "" {
		notifications, err = inbox.Dial(connectCtx, conf.Redis.URL, inbox.Options{Size: conf.Workflow.InboxSize})
		if err != nil {
			logger.WithError(err).Warn("workflow: notification inbox disabled")
			notifications = nil
		} else {
			defer notifications.Close()
		}
	}

	app := application.New(&application.ApplicationOptions{
		Pool:     pool,
		EventBus: eventbus.NewEventPublisher(logger),
		Logger:   logger,
	})
	if err := modules.Load(app, workflow.NewModule(&workflow.ModuleOptions{
		Workflow: conf.Workflow,
		Inbox:    notifications,
	})); err != nil {
		log.Fatalf("failed to load modules: %v", err)
	}

	if conf.MigrateOnStart {
		if err := app.Migrations().Up(ctx); err != nil {
			log.Fatalf("failed to apply migrations: %v", err)
		}
	}

	startOutboxBackground(ctx, conf, pool, logger, app.EventPublisher())
	startRunners(ctx, app)

	app.RegisterControllers(metrics.NewHealthController(pool))
	if conf.Prometheus.Enabled {
		app.RegisterControllers(metrics.NewPrometheusController(conf.Prometheus.Path, nil))
	}
	options := &server.DefaultOptions{
		Logger:        logger,
		Configuration: conf,
		Application:   app,
		Pool:          pool,
	}
	serverInstance, err := server.Default(options)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}
	log.Printf("Listening on: %s\n", conf.SocketAddress)
	if err := serverInstance.Start(ctx, conf.SocketAddress); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
}

func startRunners(ctx context.Context, app application.Application) {
	for _, runner := range app.Runners() {
		go func(r application.Runner) {
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				app.Logger().WithError(err).WithField("runner", r.Name()).Error("runner stopped")
			}
		}(runner)
	}
}

func startOutboxBackground(
	ctx context.Context,
	conf *configuration.Configuration,
	pool *pgxpool.Pool,
	logger *logrus.Logger,
	bus eventbus.EventBusWithError,
) {
	outboxLog := logger.WithField("component", "outbox")
	tables := []pgx.Identifier{persistence.OutboxTable}

	if conf.Outbox.RelayEnabled {
		dispatcher := workflowoutbox.NewDispatcher(bus)
		for _, table := range tables {
			relay, err := outbox.NewRelay(pool, table, dispatcher, outbox.RelayOptions{
				PollInterval:    conf.Outbox.RelayPollInterval,
				BatchSize:       conf.Outbox.RelayBatchSize,
				LockTTL:         conf.Outbox.RelayLockTTL,
				MaxAttempts:     conf.Outbox.RelayMaxAttempts,
				SingleActive:    conf.Outbox.RelaySingleActive,
				LastErrorMaxLen: conf.Outbox.LastErrorMaxBytes,
				DispatchTimeout: conf.Outbox.RelayDispatchTimeout,
				BaseBackoff:     conf.Outbox.RelayBaseBackoff,
				MaxBackoff:      conf.Outbox.RelayMaxBackoff,
				Logger:          outboxLog.WithField("table", outbox.TableLabel(table)),
			})
			if err != nil {
				outboxLog.WithError(err).Warn("outbox: failed to create relay")
				continue
			}
			go func(r *outbox.Relay) {
				if err := r.Run(ctx); err != nil && ctx.Err() == nil {
					outboxLog.WithError(err).Error("outbox: relay stopped")
				}
			}(relay)
		}
	}

	if conf.Outbox.CleanerEnabled {
		for _, table := range tables {
			cleaner, err := outbox.NewCleaner(pool, table, outbox.CleanerOptions{
				Enabled:       true,
				Interval:      conf.Outbox.CleanerInterval,
				Retention:     conf.Outbox.CleanerRetention,
				DeadRetention: conf.Outbox.CleanerDeadRetention,
				DeadAttempts:  conf.Outbox.RelayMaxAttempts,
				Logger:        outboxLog.WithField("table", outbox.TableLabel(table)),
			})
			if err != nil {
				outboxLog.WithError(err).Warn("outbox: failed to create cleaner")
				continue
			}
			go func(c *outbox.Cleaner) {
				if err := c.Run(ctx); err != nil && ctx.Err() == nil {
					outboxLog.WithError(err).Error("outbox: cleaner stopped")
				}
			}(cleaner)
		}
	}
}
