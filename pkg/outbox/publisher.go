package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/regflow/pkg/repo"
)

type Publisher interface {
	Enqueue(ctx context.Context, tx repo.Tx, table pgx.Identifier, msg Message) (sequence int64, err error)
}

type publisher struct {
	m *relayMetrics
}

func NewPublisher() Publisher {
	return &publisher{m: sharedMetrics()}
}

func (p *publisher) Enqueue(ctx context.Context, tx repo.Tx, table pgx.Identifier, msg Message) (int64, error) {
	if err := validateMessage(msg); err != nil {
		return 0, err
	}
	if len(table) == 0 {
		return 0, invalidConfig("table is required")
	}

	q := fmt.Sprintf(
		`INSERT INTO %s (aggregate_type, aggregate_id, topic, payload, event_id, available_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (event_id) DO UPDATE SET event_id = EXCLUDED.event_id
		 RETURNING sequence`,
		table.Sanitize(),
	)

	var sequence int64
	if err := tx.QueryRow(ctx, q, msg.AggregateType, msg.AggregateID, msg.Topic, []byte(msg.Payload), msg.EventID).Scan(&sequence); err != nil {
		return 0, fmt.Errorf("outbox enqueue: %w", err)
	}

	p.m.enqueued.WithLabelValues(TableLabel(table), msg.Topic).Inc()

	return sequence, nil
}

func validateMessage(msg Message) error {
	if msg.EventID == uuid.Nil {
		return invalidConfig("event_id is required")
	}
	if msg.Topic == "" {
		return invalidConfig("topic is required")
	}
	if msg.AggregateType == "" || msg.AggregateID == "" {
		return invalidConfig("aggregate is required")
	}
	if len(msg.Payload) == 0 {
		return invalidConfig("payload is required")
	}
	return nil
}
