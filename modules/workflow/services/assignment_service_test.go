package services_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/regflow/modules/workflow/domain/assignment"
	"github.com/iota-uz/regflow/modules/workflow/domain/escalation"
	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
	"github.com/iota-uz/regflow/modules/workflow/services"
	"github.com/iota-uz/regflow/pkg/composables"
)

func newAssignment(t *testing.T, e *env, mutate func(*services.CreateAssignmentInput)) *assignment.Assignment {
	t.Helper()
	in := services.CreateAssignmentInput{
		AssignmentType: "data_request",
		FromRole:       "report_owner",
		ToRole:         "tester",
		ContextType:    "cycle",
		ContextRef:     "cycle-1",
		ContextData:    json.RawMessage(`{"attribute": "balance"}`),
	}
	if mutate != nil {
		mutate(&in)
	}
	a, err := e.assignments.Create(context.Background(), approver, in)
	require.NoError(t, err)
	return a
}

func transition(t *testing.T, e *env, id uuid.UUID, actor composables.Actor, event assignment.Event) *assignment.Assignment {
	t.Helper()
	a, err := e.assignments.Transition(context.Background(), id, actor, services.TransitionInput{Event: event})
	require.NoError(t, err)
	return a
}

func TestCreateAssignment(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	a := newAssignment(t, e, nil)
	require.Equal(t, assignment.StatusAssigned, a.Status)
	require.Equal(t, assignment.PriorityMedium, a.Priority)
	require.Equal(t, approver.ID, a.FromUser)
	require.Empty(t, a.ToUser)
	require.Nil(t, a.DueDate, "work types without an SLA get no due date")

	review := newAssignment(t, e, func(in *services.CreateAssignmentInput) { in.AssignmentType = "version_review" })
	require.Equal(t, e.clock.Now().Add(48*time.Hour), *review.DueDate)

	created := e.store.EventsByTopic(events.TopicAssignmentCreated)
	require.Len(t, created, 2)
	require.Equal(t, []events.Recipient{events.Role("tester")}, created[0].Notify)

	for name, mutate := range map[string]func(*services.CreateAssignmentInput){
		"no type":      func(in *services.CreateAssignmentInput) { in.AssignmentType = " " },
		"no role":      func(in *services.CreateAssignmentInput) { in.ToRole = "" },
		"no context":   func(in *services.CreateAssignmentInput) { in.ContextType = "" },
		"bad priority": func(in *services.CreateAssignmentInput) { in.Priority = "urgent" },
		"bad data":     func(in *services.CreateAssignmentInput) { in.ContextData = json.RawMessage(`{`) },
	} {
		in := services.CreateAssignmentInput{AssignmentType: "t", ToRole: "r", ContextType: "c"}
		mutate(&in)
		_, err := e.assignments.Create(context.Background(), approver, in)
		var verr *failures.ValidationError
		require.ErrorAs(t, err, &verr, name)
	}
}

func TestRoleBasedClaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	a := newAssignment(t, e, nil)

	outsider := composables.Actor{ID: "mallory", Roles: []string{"auditor"}}
	_, err := e.assignments.Transition(ctx, a.ID, outsider, services.TransitionInput{Event: assignment.EventAcknowledge})
	var invalid *failures.InvalidStateError
	require.ErrorAs(t, err, &invalid)

	a = transition(t, e, a.ID, preparer, assignment.EventAcknowledge)
	require.Equal(t, preparer.ID, a.ToUser)
	require.Equal(t, assignment.StatusAcknowledged, a.Status)
	require.NotNil(t, a.AcknowledgedAt)

	history, err := e.assignments.History(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"create", "claim", "acknowledge"}, historyEvents(history))
	require.Equal(t, assignment.StatusAssigned, history[2].PreviousStatus)
	require.Equal(t, preparer.ID, history[2].Actor)
}

func historyEvents(hs []*assignment.History) []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Event)
	}
	return out
}

func TestInvalidTransitionNamesStateAndEvent(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	a := newAssignment(t, e, nil)

	_, err := e.assignments.Complete(context.Background(), a.ID, preparer, "done", nil)
	var invalid *failures.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "Assigned", invalid.Current)
	require.Equal(t, "complete", invalid.Event)

	_, err = e.assignments.Transition(context.Background(), uuid.New(), preparer, services.TransitionInput{Event: assignment.EventStart})
	var nf *failures.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCompletionWithApproval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	a := newAssignment(t, e, func(in *services.CreateAssignmentInput) { in.RequiresApproval = true })
	transition(t, e, a.ID, preparer, assignment.EventStart)

	a, err := e.assignments.Complete(ctx, a.ID, preparer, "attached evidence", json.RawMessage(`{"files": 2}`))
	require.NoError(t, err)
	require.Equal(t, assignment.StatusPendingApproval, a.Status)
	require.Nil(t, a.CompletedAt)
	require.JSONEq(t, `{"files": 2}`, string(a.CompletionData))
	require.Empty(t, e.store.EventsByTopic(events.TopicAssignmentCompleted))

	a, err = e.assignments.DecideApproval(ctx, a.ID, approver, assignment.ApprovalApproved, "")
	require.NoError(t, err)
	require.Equal(t, assignment.StatusCompleted, a.Status)
	require.Equal(t, approver.ID, a.ApproverUser)
	require.Len(t, e.store.EventsByTopic(events.TopicAssignmentCompleted), 1)
}

func TestApprovalRejectionReopens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	a := newAssignment(t, e, func(in *services.CreateAssignmentInput) { in.RequiresApproval = true })
	transition(t, e, a.ID, preparer, assignment.EventStart)
	_, err := e.assignments.Complete(ctx, a.ID, preparer, "", nil)
	require.NoError(t, err)

	_, err = e.assignments.DecideApproval(ctx, a.ID, approver, assignment.ApprovalRejected, " ")
	var verr *failures.ValidationError
	require.ErrorAs(t, err, &verr)

	rejected, err := e.assignments.Transition(ctx, a.ID, approver, services.TransitionInput{Event: assignment.EventReject, Notes: "evidence is missing"})
	require.NoError(t, err)
	require.Equal(t, assignment.StatusCancelled, rejected.Status)
	require.Equal(t, assignment.ApprovalRejected, rejected.ApproverDecision)

	children, err := e.assignments.List(ctx, assignment.Filter{Statuses: []assignment.Status{assignment.StatusAssigned}})
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]
	require.Equal(t, a.ID, *child.ParentAssignmentID)
	require.Equal(t, preparer.ID, child.ToUser)
	require.True(t, child.RequiresApproval)
}

func TestHoldResumeAndDelegate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	a := newAssignment(t, e, nil)
	transition(t, e, a.ID, preparer, assignment.EventStart)

	a = transition(t, e, a.ID, preparer, assignment.EventHold)
	require.Equal(t, assignment.StatusOnHold, a.Status)
	a = transition(t, e, a.ID, preparer, assignment.EventResume)
	require.Equal(t, assignment.StatusInProgress, a.Status)

	a, err := e.assignments.Transition(ctx, a.ID, preparer, services.TransitionInput{Event: assignment.EventDelegate, DelegateTo: "dana"})
	require.NoError(t, err)
	require.Equal(t, assignment.StatusDelegated, a.Status)
	require.Equal(t, "dana", a.ToUser)

	last := e.store.EventsByTopic(events.TopicAssignmentTransitioned)
	require.Equal(t, []events.Recipient{events.User("dana")}, last[len(last)-1].Notify)

	dana := composables.Actor{ID: "dana"}
	a = transition(t, e, a.ID, dana, assignment.EventStart)
	a, err = e.assignments.Complete(ctx, a.ID, dana, "done", nil)
	require.NoError(t, err)
	require.Equal(t, assignment.StatusCompleted, a.Status)
}

func TestTerminalTransitionResolvesViolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	a := newAssignment(t, e, nil)
	require.NoError(t, e.store.Violations().Insert(ctx, &escalation.Violation{
		ID:          uuid.New(),
		SubjectType: escalation.SubjectAssignment,
		SubjectID:   a.ID,
		BreachedAt:  e.clock.Now(),
	}))

	transition(t, e, a.ID, approver, assignment.EventCancel)

	open, err := e.store.Violations().Open(ctx, escalation.SubjectAssignment, a.ID)
	require.NoError(t, err)
	require.Nil(t, open)
}

func TestListAndAggregate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	first := newAssignment(t, e, nil)
	newAssignment(t, e, nil)
	newAssignment(t, e, func(in *services.CreateAssignmentInput) { in.ContextType = "report" })
	transition(t, e, first.ID, preparer, assignment.EventStart)

	list, err := e.assignments.List(ctx, assignment.Filter{ContextType: "cycle", Role: "tester"})
	require.NoError(t, err)
	require.Len(t, list, 2)

	mine, err := e.assignments.List(ctx, assignment.Filter{ToUser: preparer.ID})
	require.NoError(t, err)
	require.Len(t, mine, 1)

	_, err = e.assignments.List(ctx, assignment.Filter{Statuses: []assignment.Status{"Sleeping"}})
	var verr *failures.ValidationError
	require.ErrorAs(t, err, &verr)

	counts, err := e.assignments.Aggregate(ctx, "cycle")
	require.NoError(t, err)
	require.Len(t, counts, len(assignment.AllStatuses))
	require.Equal(t, 1, counts[assignment.StatusAssigned])
	require.Equal(t, 1, counts[assignment.StatusInProgress])
	require.Equal(t, 0, counts[assignment.StatusCompleted])
}

// racingAssignments reports a lost compare-and-set a fixed number of times.
type racingAssignments struct {
	assignment.Repository
	mu    sync.Mutex
	fails int
}

func (r *racingAssignments) Update(ctx context.Context, a *assignment.Assignment, st assignment.Status, at time.Time) error {
	r.mu.Lock()
	lose := r.fails > 0
	r.fails--
	r.mu.Unlock()
	if lose {
		return failures.ErrConcurrentUpdate
	}
	return r.Repository.Update(ctx, a, st, at)
}

func TestTransitionRetriesLostCompareAndSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	a := newAssignment(t, e, func(in *services.CreateAssignmentInput) { in.ToUser = preparer.ID })

	racing := &racingAssignments{Repository: e.store.Assignments(), fails: 2}
	d := e.deps
	d.Assignments = racing
	svc := services.NewAssignmentService(d)

	got, err := svc.Transition(ctx, a.ID, preparer, services.TransitionInput{Event: assignment.EventStart})
	require.NoError(t, err)
	require.Equal(t, assignment.StatusInProgress, got.Status)

	racing.fails = 3
	_, err = svc.Transition(ctx, a.ID, preparer, services.TransitionInput{Event: assignment.EventHold})
	var conflict *failures.ConflictError
	require.ErrorAs(t, err, &conflict)

	history, err := e.assignments.History(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"create", "start"}, historyEvents(history))
}
