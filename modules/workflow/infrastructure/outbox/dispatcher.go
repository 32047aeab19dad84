// Package outbox delivers relayed workflow events to in-process subscribers.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/pkg/eventbus"
	"github.com/iota-uz/regflow/pkg/outbox"
)

type Dispatcher struct {
	bus eventbus.EventBusWithError
}

func NewDispatcher(bus eventbus.EventBusWithError) *Dispatcher {
	return &Dispatcher{bus: bus}
}

// Dispatch decodes the envelope and publishes (*outbox.Meta, *events.EventV1)
// on the bus. Unknown topics fail so the relay parks them as dead.
func (d *Dispatcher) Dispatch(ctx context.Context, msg outbox.DispatchedMessage) error {
	_ = ctx
	if d == nil || d.bus == nil {
		return fmt.Errorf("workflow outbox dispatcher: bus is nil")
	}
	if !events.KnownTopic(msg.Meta.Topic) {
		return fmt.Errorf("workflow outbox dispatcher: unsupported topic %q", msg.Meta.Topic)
	}

	var ev events.EventV1
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("workflow outbox dispatcher: decode payload: %w", err)
	}
	if ev.EventID != msg.Meta.EventID {
		return fmt.Errorf("workflow outbox dispatcher: event id %s does not match row %s", ev.EventID, msg.Meta.EventID)
	}
	return d.bus.PublishE(&msg.Meta, &ev)
}
