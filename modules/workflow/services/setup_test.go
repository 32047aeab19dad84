package services_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iota-uz/regflow/modules/workflow/domain/policy"
	"github.com/iota-uz/regflow/modules/workflow/infrastructure/memory"
	"github.com/iota-uz/regflow/modules/workflow/services"
	"github.com/iota-uz/regflow/pkg/clock"
	"github.com/iota-uz/regflow/pkg/composables"
)

const testRules = `
calendar:
  timezone: UTC
entity_types:
  - name: profiling_rule
    required_fields: [name]
    requires_approver: true
    auto_approval: {enabled: true, ignore_paths: ["/updated_by"]}
    review: {work_type: version_review, preparer_role: tester, approver_role: report_owner, priority: high}
  - name: glossary_term
slas:
  - work_type: version_review
    hours_budget: 48
    warning_threshold: 0.75
    escalation_rules:
      - {order: 1, level: 1, hours_after_breach: 8, escalate_to_role: team_lead, mark_escalated: true}
      - {order: 2, level: 2, hours_after_breach: 24, escalate_to_role: head_of_testing}
  - work_type: phase_signoff
    hours_budget: 24
    escalation_rules:
      - {order: 1, level: 1, hours_after_breach: 0, escalate_to_user: cycle_owner}
`

var (
	preparer = composables.Actor{ID: "tess", Roles: []string{"tester"}}
	approver = composables.Actor{ID: "owen", Roles: []string{"report_owner"}}
)

type env struct {
	store       *memory.Store
	clock       *clock.Manual
	deps        services.Deps
	versions    *services.VersionService
	decisions   *services.DecisionService
	assignments *services.AssignmentService
	escalations *services.EscalationService
	phases      *services.PhaseService
	monitor     *services.EscalationMonitor
}

func newEnv(t *testing.T) *env {
	t.Helper()

	rules, err := policy.Parse([]byte(testRules))
	require.NoError(t, err)

	store := memory.New()
	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	deps := services.Deps{
		Tx:          store,
		Versions:    store.Versions(),
		Assignments: store.Assignments(),
		Violations:  store.Violations(),
		Phases:      store.Phases(),
		Events:      store,
		Clock:       clk,
		Rules:       rules,
		Options:     services.Options{ConflictRetries: 3, MinReasonLength: 10},
	}
	assignments := services.NewAssignmentService(deps)
	versions := services.NewVersionService(deps, assignments)
	return &env{
		store:       store,
		clock:       clk,
		deps:        deps,
		versions:    versions,
		decisions:   services.NewDecisionService(deps, versions, assignments),
		assignments: assignments,
		escalations: services.NewEscalationService(deps),
		phases:      services.NewPhaseService(deps),
		monitor:     services.NewEscalationMonitor(deps, assignments, services.MonitorOptions{}),
	}
}
