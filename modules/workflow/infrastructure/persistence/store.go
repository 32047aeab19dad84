// Package persistence stores the workflow in PostgreSQL. Every repository
// runs on the transaction bound to the context and falls back to the pool.
package persistence

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iota-uz/regflow/modules/workflow/domain/assignment"
	"github.com/iota-uz/regflow/modules/workflow/domain/escalation"
	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/domain/phase"
	"github.com/iota-uz/regflow/modules/workflow/domain/version"
	"github.com/iota-uz/regflow/pkg/composables"
	"github.com/iota-uz/regflow/pkg/outbox"
	"github.com/iota-uz/regflow/pkg/repo"
)

// OutboxTable receives every workflow event. It resolves through the
// search_path so test schemas stay isolated.
var OutboxTable = pgx.Identifier{"workflow_outbox"}

type Store struct {
	pool      *pgxpool.Pool
	publisher outbox.Publisher
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, publisher: outbox.NewPublisher()}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// InTx runs fn in one transaction. A transaction already bound to ctx is
// joined.
func (s *Store) InTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if _, err := composables.UsePool(ctx); err != nil {
		ctx = composables.WithPool(ctx, s.pool)
	}
	return composables.InTx(ctx, fn)
}

func (s *Store) conn(ctx context.Context) (repo.Tx, error) {
	if tx, err := composables.UseTx(ctx); err == nil {
		return tx, nil
	}
	if s.pool == nil {
		return nil, composables.ErrNoPool
	}
	return s.pool, nil
}

func (s *Store) Versions() version.Repository { return &versionRepository{s} }

func (s *Store) Assignments() assignment.Repository { return &assignmentRepository{s} }

func (s *Store) Violations() escalation.Repository { return &violationRepository{s} }

func (s *Store) Phases() phase.Repository { return &phaseRepository{s} }

// Emit enqueues ev into the outbox inside the caller's transaction, so the
// event is published if and only if the state change commits.
func (s *Store) Emit(ctx context.Context, ev *events.EventV1) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	if _, ok := tx.(*pgxpool.Pool); ok {
		return errors.New("workflow events must be emitted inside a transaction")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	_, err = s.publisher.Enqueue(ctx, tx, OutboxTable, outbox.Message{
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID.String(),
		Topic:         ev.Topic,
		EventID:       ev.EventID,
		Payload:       payload,
	})
	return err
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func textOrNull(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func jsonOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func columnList(fields []string) string {
	return strings.Join(fields, ", ")
}
