// Package workflow wires the versioned-record approval pipeline, the
// assignment router and the SLA escalation monitor into an application.
package workflow

import (
	"github.com/go-faster/errors"

	"github.com/iota-uz/regflow/modules/workflow/domain/assignment"
	"github.com/iota-uz/regflow/modules/workflow/domain/escalation"
	"github.com/iota-uz/regflow/modules/workflow/domain/phase"
	"github.com/iota-uz/regflow/modules/workflow/domain/policy"
	"github.com/iota-uz/regflow/modules/workflow/domain/version"
	"github.com/iota-uz/regflow/modules/workflow/handlers"
	"github.com/iota-uz/regflow/modules/workflow/infrastructure/inbox"
	"github.com/iota-uz/regflow/modules/workflow/infrastructure/memory"
	"github.com/iota-uz/regflow/modules/workflow/infrastructure/persistence"
	"github.com/iota-uz/regflow/modules/workflow/presentation/controllers"
	"github.com/iota-uz/regflow/modules/workflow/services"
	"github.com/iota-uz/regflow/pkg/application"
	"github.com/iota-uz/regflow/pkg/clock"
	"github.com/iota-uz/regflow/pkg/configuration"
)

type ModuleOptions struct {
	Workflow configuration.WorkflowOptions
	// Rules overrides the rules file named by Workflow.RulesPath.
	Rules *policy.Rules
	// Inbox enables the notification handler and endpoint.
	Inbox *inbox.Redis
	Clock clock.Clock
}

func NewModule(opts *ModuleOptions) application.Module {
	if opts == nil {
		opts = &ModuleOptions{}
	}
	return &Module{options: opts}
}

type Module struct {
	options *ModuleOptions
}

type store interface {
	services.Transactor
	services.EventSink
	Versions() version.Repository
	Assignments() assignment.Repository
	Violations() escalation.Repository
	Phases() phase.Repository
}

// Register runs against PostgreSQL when the application has a pool and
// against the in-memory store otherwise.
func (m *Module) Register(app application.Application) error {
	wf := m.options.Workflow

	rules := m.options.Rules
	if rules == nil {
		loaded, err := policy.LoadFile(wf.RulesPath)
		if err != nil {
			return errors.Wrap(err, "workflow module")
		}
		rules = loaded
	}

	var st store
	if pool := app.DB(); pool != nil {
		if err := app.Migrations().RegisterMigrations(persistence.Migrations()); err != nil {
			return errors.Wrap(err, "workflow module: register migrations")
		}
		st = persistence.New(pool)
	} else {
		app.Logger().Warn("workflow: no database configured, using the in-memory store")
		st = memory.New()
	}

	deps := services.Deps{
		Tx:          st,
		Versions:    st.Versions(),
		Assignments: st.Assignments(),
		Violations:  st.Violations(),
		Phases:      st.Phases(),
		Events:      st,
		Clock:       m.options.Clock,
		Rules:       rules,
		Options: services.Options{
			ConflictRetries: wf.ConflictRetries,
			MinReasonLength: wf.MinReasonLength,
		},
	}

	assignments := services.NewAssignmentService(deps)
	versions := services.NewVersionService(deps, assignments)
	monitor := services.NewEscalationMonitor(deps, assignments, services.MonitorOptions{
		Interval:     wf.EscalationInterval,
		SingleActive: wf.EscalationSingleActive && app.DB() != nil,
		Pool:         app.DB(),
		Logger:       app.Logger().WithField("module", m.Name()),
	})
	app.RegisterServices(
		versions,
		services.NewDecisionService(deps, versions, assignments),
		assignments,
		services.NewEscalationService(deps),
		services.NewPhaseService(deps),
		monitor,
	)
	if wf.EscalationEnabled {
		app.RegisterRunners(monitor)
	}

	var (
		reader controllers.NotificationReader
		pusher handlers.Pusher
	)
	if m.options.Inbox != nil {
		reader = m.options.Inbox
		pusher = m.options.Inbox
	}
	app.RegisterControllers(
		controllers.NewWorkflowAPIController(app, reader),
	)
	handlers.RegisterEventHandlers(app, pusher)
	return nil
}

func (m *Module) Name() string {
	return "workflow"
}
