package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/regflow/modules/workflow/domain/assignment"
	"github.com/iota-uz/regflow/modules/workflow/domain/escalation"
	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
	"github.com/iota-uz/regflow/modules/workflow/domain/version"
	"github.com/iota-uz/regflow/modules/workflow/infrastructure/memory"
)

func newVersion(key version.Key, n int) *version.Version {
	return &version.Version{
		ID:            uuid.New(),
		EntityType:    key.EntityType,
		BusinessKey:   key.BusinessKey,
		VersionNumber: n,
		Payload:       []byte(`{}`),
		Status:        version.StatusDraft,
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	store := memory.New()
	key := version.Key{EntityType: "rule", BusinessKey: "R-1"}
	boom := errors.New("boom")

	err := store.InTx(context.Background(), func(ctx context.Context) error {
		v := newVersion(key, 1)
		require.NoError(t, store.Versions().Insert(ctx, v))
		require.NoError(t, store.Versions().MoveHead(ctx, key, nil, v))
		ev, err := events.New(events.TopicVersionCreated, events.AggregateVersion, v.ID, "a", time.Now(), struct{}{})
		require.NoError(t, err)
		require.NoError(t, store.Emit(ctx, ev))
		return boom
	})
	require.ErrorIs(t, err, boom)

	head, err := store.Versions().Head(context.Background(), key)
	require.NoError(t, err)
	require.Nil(t, head)
	require.Empty(t, store.Events())
}

func TestInTxDropsCancelledWork(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	key := version.Key{EntityType: "rule", BusinessKey: "R-1"}

	err := store.InTx(ctx, func(txCtx context.Context) error {
		v := newVersion(key, 1)
		require.NoError(t, store.Versions().Insert(txCtx, v))
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	history, err := store.Versions().History(context.Background(), key, 0, 10)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestVersionHeadCompareAndSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	repo := store.Versions()
	key := version.Key{EntityType: "rule", BusinessKey: "R-1"}

	v1 := newVersion(key, 1)
	require.NoError(t, repo.Insert(ctx, v1))
	require.NoError(t, repo.MoveHead(ctx, key, nil, v1))
	require.ErrorIs(t, repo.MoveHead(ctx, key, nil, v1), failures.ErrConcurrentUpdate)

	require.ErrorIs(t, repo.Insert(ctx, newVersion(key, 1)), failures.ErrConcurrentUpdate)

	v2 := newVersion(key, 2)
	require.NoError(t, repo.Insert(ctx, v2))
	stale := uuid.New()
	require.ErrorIs(t, repo.MoveHead(ctx, key, &stale, v2), failures.ErrConcurrentUpdate)
	require.NoError(t, repo.MoveHead(ctx, key, &v1.ID, v2))

	got, err := repo.Get(ctx, v1.ID)
	require.NoError(t, err)
	require.False(t, got.IsLatest)
	latest, err := repo.Latest(ctx, key)
	require.NoError(t, err)
	require.Equal(t, v2.ID, latest.ID)
	require.True(t, latest.IsLatest)

	_, err = repo.Get(ctx, uuid.New())
	var nf *failures.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestVersionUpdateGuards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.New().Versions()
	key := version.Key{EntityType: "rule", BusinessKey: "R-1"}
	v := newVersion(key, 1)
	require.NoError(t, repo.Insert(ctx, v))

	v.Status = version.StatusApproved
	require.ErrorIs(t, repo.Update(ctx, v, version.StatusPendingApproval), failures.ErrConcurrentUpdate)
	require.NoError(t, repo.Update(ctx, v, version.StatusDraft))

	v.Status = version.StatusArchived
	var invalid *failures.InvalidStateError
	require.ErrorAs(t, repo.Update(ctx, v, version.StatusApproved), &invalid)
}

func TestAssignmentListFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.New().Assignments()
	due := time.Now()
	for i, st := range []assignment.Status{assignment.StatusAssigned, assignment.StatusInProgress, assignment.StatusCompleted} {
		a := &assignment.Assignment{
			ID:             uuid.New(),
			AssignmentType: "review",
			ToRole:         "approver",
			ContextType:    "version",
			Status:         st,
		}
		if i > 0 {
			a.DueDate = &due
		}
		require.NoError(t, repo.Insert(ctx, a))
	}

	all, err := repo.List(ctx, assignment.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	active, err := repo.List(ctx, assignment.Filter{ActiveOnly: true, WithDueDate: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, assignment.StatusInProgress, active[0].Status)

	page, err := repo.List(ctx, assignment.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	rest, err := repo.List(ctx, assignment.Filter{After: &page[1].ID})
	require.NoError(t, err)
	require.Len(t, rest, 1)

	counts, err := repo.CountByStatus(ctx, "version")
	require.NoError(t, err)
	require.Equal(t, 1, counts[assignment.StatusCompleted])
}

func TestAssignmentUpdateCompareAndSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.New().Assignments()
	at := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	a := &assignment.Assignment{ID: uuid.New(), Status: assignment.StatusAssigned, UpdatedAt: at}
	require.NoError(t, repo.Insert(ctx, a))

	a.Status = assignment.StatusAcknowledged
	a.UpdatedAt = at.Add(time.Minute)
	require.ErrorIs(t, repo.Update(ctx, a, assignment.StatusAssigned, at.Add(time.Second)), failures.ErrConcurrentUpdate)
	require.NoError(t, repo.Update(ctx, a, assignment.StatusAssigned, at))
	require.ErrorIs(t, repo.Update(ctx, a, assignment.StatusAssigned, at), failures.ErrConcurrentUpdate)
}

func TestViolationLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.New().Violations()
	subject := uuid.New()
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	v := &escalation.Violation{ID: uuid.New(), SubjectType: escalation.SubjectAssignment, SubjectID: subject, BreachedAt: now}
	require.NoError(t, repo.Insert(ctx, v))
	dup := *v
	dup.ID = uuid.New()
	require.ErrorIs(t, repo.Insert(ctx, &dup), failures.ErrConcurrentUpdate)

	v.Escalate(1, "", "lead", now)
	require.NoError(t, repo.UpdateLevel(ctx, v, 0))
	require.ErrorIs(t, repo.UpdateLevel(ctx, v, 0), failures.ErrConcurrentUpdate)

	require.NoError(t, repo.Acknowledge(ctx, v.ID, "bob", now))
	require.NoError(t, repo.Acknowledge(ctx, v.ID, "carol", now.Add(time.Hour)))
	got, err := repo.Get(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, "bob", got.AcknowledgedBy)

	resolved, err := repo.ResolveOpen(ctx, escalation.SubjectAssignment, subject, now)
	require.NoError(t, err)
	require.True(t, resolved)
	resolved, err = repo.ResolveOpen(ctx, escalation.SubjectAssignment, subject, now)
	require.NoError(t, err)
	require.False(t, resolved)

	active, err := repo.Active(ctx, escalation.Filter{})
	require.NoError(t, err)
	require.Empty(t, active)
}
