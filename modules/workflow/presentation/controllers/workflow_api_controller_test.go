package controllers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/regflow/modules/workflow/domain/assignment"
	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/domain/policy"
	"github.com/iota-uz/regflow/modules/workflow/domain/version"
	"github.com/iota-uz/regflow/modules/workflow/infrastructure/inbox"
	"github.com/iota-uz/regflow/modules/workflow/infrastructure/memory"
	"github.com/iota-uz/regflow/modules/workflow/presentation/controllers"
	"github.com/iota-uz/regflow/modules/workflow/services"
	"github.com/iota-uz/regflow/pkg/application"
	"github.com/iota-uz/regflow/pkg/clock"
	"github.com/iota-uz/regflow/pkg/httpapi"
)

const rules = `
entity_types:
  - name: profiling_rule
    requires_approver: true
    auto_approval: {enabled: true, ignore_paths: ["/updated_by"]}
    review: {work_type: version_review, preparer_role: tester, approver_role: report_owner}
slas:
  - work_type: version_review
    hours_budget: 48
    escalation_rules:
      - {order: 1, level: 1, hours_after_breach: 8, escalate_to_role: team_lead, mark_escalated: true}
`

type fakeInbox struct {
	items map[events.Recipient][]inbox.Notification
}

func (f *fakeInbox) List(_ context.Context, rc events.Recipient, limit int64) ([]inbox.Notification, error) {
	items := f.items[rc]
	if limit > 0 && int64(len(items)) > limit {
		items = items[:limit]
	}
	return items, nil
}

type apiEnv struct {
	router  *mux.Router
	store   *memory.Store
	clock   *clock.Manual
	monitor *services.EscalationMonitor
}

func newAPI(t *testing.T, notifications controllers.NotificationReader) *apiEnv {
	t.Helper()

	parsed, err := policy.Parse([]byte(rules))
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	app := application.New(&application.ApplicationOptions{Logger: logger})
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
		Rules:       parsed,
	}
	assignments := services.NewAssignmentService(deps)
	versions := services.NewVersionService(deps, assignments)
	app.RegisterServices(
		versions,
		services.NewDecisionService(deps, versions, assignments),
		assignments,
		services.NewEscalationService(deps),
		services.NewPhaseService(deps),
	)

	router := mux.NewRouter()
	controllers.NewWorkflowAPIController(app, notifications).Register(router)
	return &apiEnv{
		router:  router,
		store:   store,
		clock:   clk,
		monitor: services.NewEscalationMonitor(deps, assignments, services.MonitorOptions{}),
	}
}

type caller struct {
	id    string
	roles string
}

var (
	tester = caller{id: "tess", roles: "tester"}
	owner  = caller{id: "owen", roles: "report_owner"}
	lead   = caller{id: "lena", roles: "team_lead"}
	nobody = caller{}
)

func (e *apiEnv) do(t *testing.T, who caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, controllers.APIPrefix+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who.id != "" {
		req.Header.Set("X-Actor-ID", who.id)
		req.Header.Set("X-Actor-Roles", who.roles)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	env := decode[httpapi.ErrorEnvelope](t, rec)
	require.Equal(t, code, env.Code)
}

func (e *apiEnv) createVersion(t *testing.T, key string, payload map[string]any) version.Version {
	t.Helper()
	rec := e.do(t, tester, http.MethodPost, "/versions", map[string]any{
		"entity_type":  "profiling_rule",
		"business_key": key,
		"payload":      payload,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[version.Version](t, rec)
}

func TestVersionApprovalOverHTTP(t *testing.T) {
	t.Parallel()
	e := newAPI(t, nil)

	v1 := e.createVersion(t, "rule-1", map[string]any{"threshold": 5})
	require.Equal(t, 1, v1.VersionNumber)
	require.Equal(t, version.StatusDraft, v1.Status)

	rec := e.do(t, tester, http.MethodPost, "/versions/"+v1.ID.String()+":preparer-decision", map[string]any{"decision": "accepted"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, version.StatusPendingApproval, decode[version.Version](t, rec).Status)

	requireError(t, e.do(t, tester, http.MethodGet, "/records/profiling_rule/rule-1/approved", nil), http.StatusNotFound, "WORKFLOW_NOT_FOUND")

	rec = e.do(t, owner, http.MethodPost, "/versions/"+v1.ID.String()+":approver-decision", map[string]any{"decision": "accepted"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, version.StatusApproved, decode[version.Version](t, rec).Status)

	rec = e.do(t, owner, http.MethodPost, "/versions/"+v1.ID.String()+":approver-decision", map[string]any{"decision": "accepted"})
	requireError(t, rec, http.StatusConflict, "WORKFLOW_INVALID_STATE")

	rec = e.do(t, tester, http.MethodGet, "/records/profiling_rule/rule-1/approved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, v1.ID, decode[version.Version](t, rec).ID)

	rec = e.do(t, tester, http.MethodGet, "/versions/"+v1.ID.String()+"/decisions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decode[struct {
		Decisions []version.DecisionRecord `json:"decisions"`
	}](t, rec)
	require.Len(t, trail.Decisions, 2)
	require.Equal(t, version.RolePreparer, trail.Decisions[0].Role)
	require.Equal(t, version.RoleApprover, trail.Decisions[1].Role)
}

func TestReviseHistoryAndDiff(t *testing.T) {
	t.Parallel()
	e := newAPI(t, nil)

	v1 := e.createVersion(t, "rule-2", map[string]any{"threshold": 5, "name": "nulls"})
	rec := e.do(t, tester, http.MethodPost, "/versions/"+v1.ID.String()+":revise", map[string]any{
		"patch":         []map[string]any{{"op": "replace", "path": "/threshold", "value": 7}},
		"change_reason": "raise threshold",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v2 := decode[version.Version](t, rec)
	require.Equal(t, 2, v2.VersionNumber)
	require.JSONEq(t, `{"name":"nulls","threshold":7}`, string(v2.Payload))

	// v1 is no longer the head.
	rec = e.do(t, tester, http.MethodPost, "/versions/"+v1.ID.String()+":revise", map[string]any{
		"patch": []map[string]any{{"op": "replace", "path": "/threshold", "value": 9}},
	})
	requireError(t, rec, http.StatusConflict, "WORKFLOW_CONFLICT")

	rec = e.do(t, tester, http.MethodGet, "/records/profiling_rule/rule-2/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, v2.ID, decode[version.Version](t, rec).ID)

	rec = e.do(t, tester, http.MethodGet, "/records/profiling_rule/rule-2/history?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Items      []version.Version `json:"items"`
		NextCursor int               `json:"next_cursor"`
	}](t, rec)
	require.Len(t, page.Items, 1)
	require.Equal(t, 2, page.NextCursor)

	rec = e.do(t, tester, http.MethodGet, "/records/profiling_rule/rule-2/history?cursor=2", nil)
	page = decode[struct {
		Items      []version.Version `json:"items"`
		NextCursor int               `json:"next_cursor"`
	}](t, rec)
	require.Len(t, page.Items, 1)
	require.Equal(t, 1, page.Items[0].VersionNumber)
	require.Zero(t, page.NextCursor)

	rec = e.do(t, tester, http.MethodGet, "/records/profiling_rule/rule-2/diff?from="+v1.ID.String()+"&to="+v2.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	diff := decode[struct {
		Operations []map[string]any `json:"operations"`
	}](t, rec)
	require.Len(t, diff.Operations, 1)
	require.Equal(t, "replace", diff.Operations[0]["op"])
	require.Equal(t, "/threshold", diff.Operations[0]["path"])

	requireError(t, e.do(t, tester, http.MethodGet, "/records/profiling_rule/rule-2/diff?from=x", nil), http.StatusBadRequest, "WORKFLOW_INVALID_QUERY")
}

func TestRequestErrors(t *testing.T) {
	t.Parallel()
	e := newAPI(t, nil)

	cases := []struct {
		name   string
		who    caller
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing actor", nobody, http.MethodPost, "/versions", map[string]any{"entity_type": "profiling_rule"}, http.StatusUnauthorized, "WORKFLOW_UNAUTHENTICATED"},
		{"unknown field", tester, http.MethodPost, "/versions", map[string]any{"entity_type": "profiling_rule", "business_key": "k", "payload": map[string]any{}, "bogus": 1}, http.StatusBadRequest, "WORKFLOW_INVALID_BODY"},
		{"missing business key", tester, http.MethodPost, "/versions", map[string]any{"entity_type": "profiling_rule", "payload": map[string]any{}}, http.StatusUnprocessableEntity, "WORKFLOW_VALIDATION"},
		{"bad id", tester, http.MethodGet, "/versions/not-a-uuid", nil, http.StatusBadRequest, "WORKFLOW_INVALID_ID"},
		{"unknown version", tester, http.MethodGet, "/versions/" + uuid.NewString(), nil, http.StatusNotFound, "WORKFLOW_NOT_FOUND"},
		{"bad decision", tester, http.MethodPost, "/versions/" + uuid.NewString() + ":preparer-decision", map[string]any{"decision": "maybe"}, http.StatusUnprocessableEntity, "WORKFLOW_VALIDATION"},
		{"short rejection", owner, http.MethodPost, "/versions/" + uuid.NewString() + ":approver-decision", map[string]any{"decision": "rejected", "reason": "no"}, http.StatusUnprocessableEntity, "WORKFLOW_VALIDATION"},
		{"bad limit", tester, http.MethodGet, "/assignments?limit=-1", nil, http.StatusBadRequest, "WORKFLOW_INVALID_QUERY"},
		{"bad status", tester, http.MethodGet, "/assignments?status=Sleeping", nil, http.StatusUnprocessableEntity, "WORKFLOW_VALIDATION"},
		{"aggregate without context", tester, http.MethodGet, "/assignments/aggregate", nil, http.StatusBadRequest, "WORKFLOW_INVALID_QUERY"},
		{"unknown event", tester, http.MethodPost, "/assignments/" + uuid.NewString() + ":transition", map[string]any{"event": "teleport"}, http.StatusUnprocessableEntity, "WORKFLOW_VALIDATION"},
		{"bad subject type", tester, http.MethodGet, "/escalations?subject_type=report", nil, http.StatusUnprocessableEntity, "WORKFLOW_VALIDATION"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requireError(t, e.do(t, tc.who, tc.method, tc.path, tc.body), tc.status, tc.code)
		})
	}
}

func TestAssignmentLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	e := newAPI(t, nil)

	rec := e.do(t, owner, http.MethodPost, "/assignments", map[string]any{
		"assignment_type":   "data_request",
		"from_role":         "report_owner",
		"to_role":           "tester",
		"context_type":      "cycle",
		"context_ref":       "cycle-9",
		"requires_approval": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decode[assignment.Assignment](t, rec)
	require.Equal(t, assignment.StatusAssigned, a.Status)
	path := "/assignments/" + a.ID.String()

	rec = e.do(t, tester, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[struct {
		Status          assignment.Status  `json:"status"`
		AvailableEvents []assignment.Event `json:"available_events"`
	}](t, rec)
	require.Contains(t, detail.AvailableEvents, assignment.EventAcknowledge)
	require.NotContains(t, detail.AvailableEvents, assignment.EventComplete)

	requireError(t, e.do(t, tester, http.MethodPost, path+":complete", map[string]any{"notes": "done"}), http.StatusConflict, "WORKFLOW_INVALID_TRANSITION")

	for _, ev := range []string{"acknowledge", "start"} {
		rec = e.do(t, tester, http.MethodPost, path+":transition", map[string]any{"event": ev})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec = e.do(t, tester, http.MethodPost, path+":complete", map[string]any{"notes": "done", "completion_data": map[string]any{"rows": 12}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, assignment.StatusPendingApproval, decode[assignment.Assignment](t, rec).Status)

	rec = e.do(t, owner, http.MethodPost, path+":approval", map[string]any{"decision": "approved", "notes": "fine"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[assignment.Assignment](t, rec)
	require.Equal(t, assignment.StatusCompleted, done.Status)
	require.Equal(t, assignment.ApprovalApproved, done.ApproverDecision)

	rec = e.do(t, tester, http.MethodGet, path+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		Items []assignment.History `json:"items"`
	}](t, rec)
	require.GreaterOrEqual(t, len(history.Items), 4)
	require.Equal(t, "create", history.Items[0].Event)

	rec = e.do(t, tester, http.MethodGet, "/assignments?status=Completed&context_type=cycle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Items []assignment.Assignment `json:"items"`
	}](t, rec)
	require.Len(t, list.Items, 1)
	require.Equal(t, a.ID, list.Items[0].ID)

	rec = e.do(t, tester, http.MethodGet, "/assignments/aggregate?context_type=cycle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agg := decode[struct {
		Total    int                       `json:"total"`
		ByStatus map[assignment.Status]int `json:"by_status"`
	}](t, rec)
	require.Equal(t, 1, agg.Total)
	require.Equal(t, 1, agg.ByStatus[assignment.StatusCompleted])
	require.Zero(t, agg.ByStatus[assignment.StatusAssigned])
}

func TestEscalationsAndPhasesOverHTTP(t *testing.T) {
	t.Parallel()
	e := newAPI(t, nil)

	due := e.clock.Now().Add(time.Hour)
	rec := e.do(t, owner, http.MethodPost, "/assignments", map[string]any{
		"assignment_type": "version_review",
		"from_role":       "report_owner",
		"to_role":         "tester",
		"context_type":    "version",
		"due_date":        due,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	e.clock.Advance(10 * time.Hour)
	report, err := e.monitor.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Escalations)

	rec = e.do(t, lead, http.MethodGet, "/escalations?unacknowledged=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Items []struct {
			ID    uuid.UUID `json:"id"`
			Level int       `json:"current_escalation_level"`
		} `json:"items"`
	}](t, rec)
	require.Len(t, list.Items, 1)
	require.Equal(t, 1, list.Items[0].Level)

	rec = e.do(t, lead, http.MethodPost, "/escalations/"+list.Items[0].ID.String()+":acknowledge", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(t, lead, http.MethodGet, "/escalations?unacknowledged=true", nil)
	require.JSONEq(t, `{"items":[]}`, rec.Body.String())

	rec = e.do(t, owner, http.MethodPost, "/phases", map[string]any{
		"phase_key":  "cycle-9/signoff",
		"name":       "Sign-off",
		"owner_role": "cycle_manager",
		"work_type":  "phase_signoff",
		"due_date":   e.clock.Now().Add(24 * time.Hour),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ph := decode[struct {
		ID uuid.UUID `json:"id"`
	}](t, rec)

	rec = e.do(t, owner, http.MethodGet, "/phases?open=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "cycle-9/signoff")

	rec = e.do(t, owner, http.MethodPost, "/phases/"+ph.ID.String()+":complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(t, owner, http.MethodGet, "/phases?open=true", nil)
	require.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestNotificationsEndpoint(t *testing.T) {
	t.Parallel()

	requireError(t, newAPI(t, nil).do(t, tester, http.MethodGet, "/notifications", nil), http.StatusServiceUnavailable, "WORKFLOW_INBOX_DISABLED")

	ib := &fakeInbox{items: map[events.Recipient][]inbox.Notification{
		events.User("tess"):      {{EventID: "e1", Topic: events.TopicAssignmentCreated}},
		events.Role("team_lead"): {{EventID: "e2"}, {EventID: "e3"}},
	}}
	e := newAPI(t, ib)

	rec := e.do(t, tester, http.MethodGet, "/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	mine := decode[struct {
		Items []inbox.Notification `json:"items"`
	}](t, rec)
	require.Len(t, mine.Items, 1)
	require.Equal(t, "e1", mine.Items[0].EventID)

	rec = e.do(t, lead, http.MethodGet, "/notifications?recipient=role:team_lead&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	roles := decode[struct {
		Items []inbox.Notification `json:"items"`
	}](t, rec)
	require.Len(t, roles.Items, 1)

	requireError(t, e.do(t, tester, http.MethodGet, "/notifications?recipient=role:team_lead", nil), http.StatusForbidden, "WORKFLOW_FORBIDDEN")
	requireError(t, e.do(t, tester, http.MethodGet, "/notifications?recipient=user:owen", nil), http.StatusForbidden, "WORKFLOW_FORBIDDEN")
	requireError(t, e.do(t, tester, http.MethodGet, "/notifications?recipient=group:x", nil), http.StatusBadRequest, "WORKFLOW_INVALID_QUERY")

	rec = e.do(t, owner, http.MethodGet, "/notifications", nil)
	require.JSONEq(t, `{"recipient":{"kind":"user","id":"owen"},"items":[]}`, rec.Body.String())
}

func TestBusinessKeyIsASinglePathSegment(t *testing.T) {
	t.Parallel()
	e := newAPI(t, nil)

	rec := e.do(t, tester, http.MethodPost, "/versions", map[string]any{
		"entity_type":  "profiling_rule",
		"business_key": "cycle/7",
		"payload":      map[string]any{"threshold": 5},
	})
	requireError(t, rec, http.StatusUnprocessableEntity, "WORKFLOW_VALIDATION")

	v := e.createVersion(t, "cycle 7?", map[string]any{"threshold": 5})
	rec = e.do(t, tester, http.MethodGet, "/records/profiling_rule/cycle%207%3F/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, v.ID, decode[version.Version](t, rec).ID)
}
