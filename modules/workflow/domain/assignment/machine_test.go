package assignment

import (
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestAllowed_TransitionTable(t *testing.T) {
	t.Parallel()

	want := map[Event][]Status{
		EventAcknowledge: {StatusAssigned, StatusEscalated, StatusDelegated},
		EventStart:       {StatusAssigned, StatusAcknowledged, StatusEscalated, StatusDelegated},
		EventHold:        {StatusAssigned, StatusAcknowledged, StatusInProgress},
		EventResume:      {StatusOnHold},
		EventEscalate:    {StatusAssigned, StatusAcknowledged, StatusInProgress},
		EventCancel:      {StatusAssigned, StatusAcknowledged, StatusInProgress, StatusOnHold, StatusEscalated, StatusDelegated, StatusPendingApproval},
		EventDelegate:    {StatusAssigned, StatusAcknowledged, StatusInProgress, StatusOnHold, StatusEscalated, StatusDelegated},
		EventComplete:    {StatusInProgress, StatusAcknowledged},
		EventApprove:     {StatusPendingApproval},
		EventReject:      {StatusPendingApproval},
	}

	for event, from := range want {
		allowed := map[Status]bool{}
		for _, s := range from {
			allowed[s] = true
		}
		for _, s := range AllStatuses {
			require.Equalf(t, allowed[s], Allowed(s, event), "event %s from %s", event, s)
		}
	}
}

func TestApply_InvalidTransitionNamesStateAndEvent(t *testing.T) {
	t.Parallel()

	a := &Assignment{Status: StatusCompleted}
	_, err := Apply(a, EventStart, Input{}, now)

	var invalid *failures.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, "Completed", invalid.Current)
	require.Equal(t, "start", invalid.Event)
	require.Equal(t, StatusCompleted, a.Status)
}

func TestApply_HoldResumeRemembersSource(t *testing.T) {
	t.Parallel()

	a := &Assignment{Status: StatusInProgress}
	prev, err := Apply(a, EventHold, Input{}, now)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, prev)
	require.Equal(t, StatusOnHold, a.Status)

	_, err = Apply(a, EventResume, Input{}, now)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, a.Status)
	require.Empty(t, a.HoldFromStatus)
}

func TestApply_Delegate(t *testing.T) {
	t.Parallel()

	a := &Assignment{Status: StatusAssigned, ToUser: "alice"}
	_, err := Apply(a, EventDelegate, Input{}, now)
	var verr *failures.ValidationError
	require.True(t, errors.As(err, &verr))

	_, err = Apply(a, EventDelegate, Input{DelegateTo: "bob"}, now)
	require.NoError(t, err)
	require.Equal(t, StatusDelegated, a.Status)
	require.Equal(t, "bob", a.ToUser)
	require.Equal(t, "bob", a.DelegatedTo)

	a.Status = StatusPendingApproval
	_, err = Apply(a, EventDelegate, Input{DelegateTo: "carol"}, now)
	var invalid *failures.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
}

func TestApply_CompleteWithAndWithoutApproval(t *testing.T) {
	t.Parallel()

	a := &Assignment{Status: StatusInProgress}
	_, err := Apply(a, EventComplete, Input{Notes: "done", CompletionData: []byte(`{"ok":true}`)}, now)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, a.Status)
	require.NotNil(t, a.CompletedAt)
	require.Equal(t, "done", a.CompletionNotes)
	require.JSONEq(t, `{"ok":true}`, string(a.CompletionData))

	b := &Assignment{Status: StatusAcknowledged, RequiresApproval: true}
	_, err = Apply(b, EventComplete, Input{}, now)
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, b.Status)
	require.Nil(t, b.CompletedAt)

	_, err = Apply(b, EventApprove, Input{Actor: "lead", Notes: "fine"}, now)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, b.Status)
	require.Equal(t, ApprovalApproved, b.ApproverDecision)
	require.Equal(t, "lead", b.ApproverUser)
}

func TestApply_RejectCancels(t *testing.T) {
	t.Parallel()

	a := &Assignment{Status: StatusPendingApproval, RequiresApproval: true}
	_, err := Apply(a, EventReject, Input{Actor: "lead", Notes: "redo"}, now)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, a.Status)
	require.Equal(t, ApprovalRejected, a.ApproverDecision)
	require.Equal(t, now, a.UpdatedAt)
}

func TestApply_EscalateMarksFlag(t *testing.T) {
	t.Parallel()

	a := &Assignment{Status: StatusAcknowledged}
	_, err := Apply(a, EventEscalate, Input{}, now)
	require.NoError(t, err)
	require.True(t, a.Escalated)
	require.Equal(t, StatusEscalated, a.Status)

	_, err = Apply(a, EventStart, Input{}, now)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, a.Status)
}

func TestAvailableEvents(t *testing.T) {
	t.Parallel()

	require.Empty(t, AvailableEvents(StatusCancelled))
	require.ElementsMatch(t, []Event{EventApprove, EventReject, EventCancel}, AvailableEvents(StatusPendingApproval))
	require.ElementsMatch(t, []Event{EventResume, EventCancel, EventDelegate}, AvailableEvents(StatusOnHold))
}

func TestParseEvent(t *testing.T) {
	t.Parallel()

	e, ok := ParseEvent("delegate")
	require.True(t, ok)
	require.Equal(t, EventDelegate, e)

	_, ok = ParseEvent("claim")
	require.False(t, ok)
}

func TestClone_IsDeep(t *testing.T) {
	t.Parallel()

	due := now
	a := &Assignment{DueDate: &due, ContextData: []byte(`{"a":1}`)}
	c := a.Clone()
	*c.DueDate = now.Add(time.Hour)
	c.ContextData[2] = 'b'

	require.Equal(t, now, *a.DueDate)
	require.Equal(t, `{"a":1}`, string(a.ContextData))
}
