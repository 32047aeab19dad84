package workflow_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/regflow/modules/workflow"
	"github.com/iota-uz/regflow/modules/workflow/domain/policy"
	"github.com/iota-uz/regflow/modules/workflow/presentation/controllers"
	"github.com/iota-uz/regflow/modules/workflow/services"
	"github.com/iota-uz/regflow/pkg/application"
	"github.com/iota-uz/regflow/pkg/configuration"
)

func newApp(t *testing.T) application.Application {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return application.New(&application.ApplicationOptions{Logger: logger})
}

func TestRegisterWithoutDatabase(t *testing.T) {
	t.Parallel()

	rules, err := policy.Parse([]byte("entity_types:\n  - name: glossary_term\n"))
	require.NoError(t, err)

	app := newApp(t)
	m := workflow.NewModule(&workflow.ModuleOptions{
		Workflow: configuration.WorkflowOptions{EscalationEnabled: true, EscalationInterval: time.Minute},
		Rules:    rules,
	})
	require.Equal(t, "workflow", m.Name())
	require.NoError(t, m.Register(app))

	require.NotNil(t, app.Service(services.VersionService{}))
	require.NotNil(t, app.Service(services.EscalationMonitor{}))

	ctrls := app.Controllers()
	require.Len(t, ctrls, 1)
	require.Equal(t, controllers.APIPrefix, ctrls[0].Key())

	require.Len(t, app.Runners(), 1)
	require.Equal(t, "escalation-monitor", app.Runners()[0].Name())
	require.Equal(t, 1, app.EventPublisher().SubscribersCount())
}

func TestRegisterLoadsRulesFile(t *testing.T) {
	t.Parallel()

	app := newApp(t)
	m := workflow.NewModule(&workflow.ModuleOptions{
		Workflow: configuration.WorkflowOptions{RulesPath: filepath.Join("..", "..", "config", "workflow_rules.yaml")},
	})
	require.NoError(t, m.Register(app))
	require.Empty(t, app.Runners())

	bad := workflow.NewModule(&workflow.ModuleOptions{
		Workflow: configuration.WorkflowOptions{RulesPath: filepath.Join(t.TempDir(), "missing.yaml")},
	})
	require.Error(t, bad.Register(newApp(t)))
}
