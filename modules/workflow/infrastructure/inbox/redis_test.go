package inbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/infrastructure/inbox"
)

func newInbox(t *testing.T, size int64) (*inbox.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return inbox.NewRedis(client, inbox.Options{Size: size}), mr
}

func event(t *testing.T, topic string, to ...events.Recipient) *events.EventV1 {
	t.Helper()
	ev, err := events.New(topic, events.AggregateAssignment, uuid.New(), "tess", time.Now(), events.AssignmentChanged{NewStatus: "assigned"})
	require.NoError(t, err)
	return ev.To(to...)
}

func TestPushFansOutToUsersAndRoles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ib, _ := newInbox(t, 10)

	ev := event(t, events.TopicAssignmentCreated, events.User("tess"), events.Role("team_lead"))
	pushed, err := ib.Push(ctx, ev)
	require.NoError(t, err)
	require.True(t, pushed)

	for _, rc := range []events.Recipient{events.User("tess"), events.Role("team_lead")} {
		got, err := ib.List(ctx, rc, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, ev.EventID.String(), got[0].EventID)
		require.Equal(t, events.TopicAssignmentCreated, got[0].Topic)
		require.JSONEq(t, string(ev.Data), string(got[0].Data))
	}

	other, err := ib.List(ctx, events.User("dana"), 0)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestPushIgnoresRedelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ib, _ := newInbox(t, 10)

	ev := event(t, events.TopicAssignmentEscalated, events.Role("team_lead"))
	first, err := ib.Push(ctx, ev)
	require.NoError(t, err)
	require.True(t, first)
	second, err := ib.Push(ctx, ev)
	require.NoError(t, err)
	require.False(t, second)

	got, err := ib.List(ctx, events.Role("team_lead"), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestPushWithoutRecipientsIsNoop(t *testing.T) {
	t.Parallel()
	ib, mr := newInbox(t, 10)

	pushed, err := ib.Push(context.Background(), event(t, events.TopicVersionCreated))
	require.NoError(t, err)
	require.False(t, pushed)
	require.Empty(t, mr.Keys())
}

func TestInboxIsCappedNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ib, _ := newInbox(t, 3)

	var ids []string
	for i := 0; i < 5; i++ {
		ev := event(t, events.TopicAssignmentTransitioned, events.User("tess"))
		_, err := ib.Push(ctx, ev)
		require.NoError(t, err)
		ids = append(ids, ev.EventID.String())
	}

	got, err := ib.List(ctx, events.User("tess"), 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, ids[4], got[0].EventID)
	require.Equal(t, ids[2], got[2].EventID)

	limited, err := ib.List(ctx, events.User("tess"), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, ids[4], limited[0].EventID)
}

func TestPushFailureAllowsRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ib, mr := newInbox(t, 10)

	ev := event(t, events.TopicAssignmentDueSoon, events.User("tess"))
	mr.SetError("server unavailable")
	_, err := ib.Push(ctx, ev)
	require.Error(t, err)

	mr.SetError("")
	pushed, err := ib.Push(ctx, ev)
	require.NoError(t, err)
	require.True(t, pushed)
}
