// Package handlers consumes relayed workflow events.
package handlers

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/pkg/application"
	"github.com/iota-uz/regflow/pkg/outbox"
)

var deliveredEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "workflow",
	Subsystem: "events",
	Name:      "delivered_total",
	Help:      "Total number of workflow events delivered to in-process handlers by topic and outcome.",
}, []string{"topic", "outcome"})

// Pusher stores notifications for the recipients named on an event.
type Pusher interface {
	Push(ctx context.Context, ev *events.EventV1) (bool, error)
}

type EventHandlers struct {
	logger *logrus.Logger
	inbox  Pusher
}

// RegisterEventHandlers subscribes the audit log and, when inbox is not nil,
// the notification inbox to relayed workflow events.
func RegisterEventHandlers(app application.Application, inbox Pusher) *EventHandlers {
	handler := &EventHandlers{
		logger: app.Logger(),
		inbox:  inbox,
	}
	app.EventPublisher().Subscribe(handler.onEventV1)
	if inbox != nil {
		app.EventPublisher().Subscribe(handler.onNotify)
	}
	return handler
}

func (h *EventHandlers) onEventV1(meta *outbox.Meta, ev *events.EventV1) error {
	if h == nil || meta == nil || ev == nil {
		return nil
	}
	h.logger.WithFields(logrus.Fields{
		"component":      "workflow.events",
		"topic":          ev.Topic,
		"event_id":       ev.EventID.String(),
		"aggregate_type": ev.AggregateType,
		"aggregate_id":   ev.AggregateID.String(),
		"actor":          ev.Actor,
		"request_id":     ev.RequestID,
		"sequence":       meta.Sequence,
		"attempt":        meta.Attempts,
	}).Info("workflow event")
	deliveredEvents.WithLabelValues(ev.Topic, "logged").Inc()
	return nil
}

func (h *EventHandlers) onNotify(meta *outbox.Meta, ev *events.EventV1) error {
	if h == nil || h.inbox == nil || meta == nil || ev == nil || len(ev.Notify) == 0 {
		return nil
	}
	pushed, err := h.inbox.Push(context.Background(), ev)
	if err != nil {
		deliveredEvents.WithLabelValues(ev.Topic, "failed").Inc()
		return err
	}
	if pushed {
		deliveredEvents.WithLabelValues(ev.Topic, "notified").Inc()
	} else {
		deliveredEvents.WithLabelValues(ev.Topic, "duplicate").Inc()
	}
	return nil
}
