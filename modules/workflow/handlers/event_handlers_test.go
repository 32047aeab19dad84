package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/pkg/application"
	"github.com/iota-uz/regflow/pkg/outbox"
)

type recordingInbox struct {
	pushed []*events.EventV1
	err    error
}

func (r *recordingInbox) Push(_ context.Context, ev *events.EventV1) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	for _, p := range r.pushed {
		if p.EventID == ev.EventID {
			return false, nil
		}
	}
	r.pushed = append(r.pushed, ev)
	return true, nil
}

func newEvent(t *testing.T, topic string, to ...events.Recipient) *events.EventV1 {
	t.Helper()
	ev, err := events.New(topic, events.AggregateAssignment, uuid.New(), "tess", time.Now(), map[string]any{})
	require.NoError(t, err)
	return ev.To(to...)
}

func TestEventHandlersLogAndNotify(t *testing.T) {
	t.Parallel()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)
	app := application.New(&application.ApplicationOptions{Logger: logger})
	ib := &recordingInbox{}
	RegisterEventHandlers(app, ib)

	ev := newEvent(t, events.TopicAssignmentEscalated, events.Role("team_lead"))
	meta := &outbox.Meta{Topic: ev.Topic, EventID: ev.EventID, Sequence: 7}

	before := testutil.ToFloat64(deliveredEvents.WithLabelValues(ev.Topic, "notified"))
	require.NoError(t, app.EventPublisher().PublishE(meta, ev))
	require.NoError(t, app.EventPublisher().PublishE(meta, ev))

	require.Len(t, ib.pushed, 1)
	require.Equal(t, before+1, testutil.ToFloat64(deliveredEvents.WithLabelValues(ev.Topic, "notified")))

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	require.Equal(t, ev.Topic, entries[0].Data["topic"])
	require.Equal(t, int64(7), entries[0].Data["sequence"])
}

func TestEventHandlersSkipSilentEvents(t *testing.T) {
	t.Parallel()

	logger, _ := test.NewNullLogger()
	app := application.New(&application.ApplicationOptions{Logger: logger})
	ib := &recordingInbox{}
	RegisterEventHandlers(app, ib)

	ev := newEvent(t, events.TopicVersionCreated)
	require.NoError(t, app.EventPublisher().PublishE(&outbox.Meta{Topic: ev.Topic}, ev))
	require.Empty(t, ib.pushed)
}

func TestEventHandlersSurfaceInboxFailure(t *testing.T) {
	t.Parallel()

	logger, _ := test.NewNullLogger()
	app := application.New(&application.ApplicationOptions{Logger: logger})
	RegisterEventHandlers(app, &recordingInbox{err: errors.New("redis down")})

	ev := newEvent(t, events.TopicAssignmentCreated, events.User("tess"))
	err := app.EventPublisher().PublishE(&outbox.Meta{Topic: ev.Topic}, ev)
	require.ErrorContains(t, err, "redis down")
}

func TestEventHandlersWithoutInbox(t *testing.T) {
	t.Parallel()

	logger, _ := test.NewNullLogger()
	app := application.New(&application.ApplicationOptions{Logger: logger})
	RegisterEventHandlers(app, nil)

	require.Equal(t, 1, app.EventPublisher().SubscribersCount())
}
