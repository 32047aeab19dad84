// Package services implements the workflow operations: the version store,
// the decision resolver, the assignment router and the escalation monitor.
// Every mutating operation runs in one transaction obtained from Transactor.
package services

import (
	"context"
	"time"

	"github.com/iota-uz/regflow/modules/workflow/domain/assignment"
	"github.com/iota-uz/regflow/modules/workflow/domain/escalation"
	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
	"github.com/iota-uz/regflow/modules/workflow/domain/phase"
	"github.com/iota-uz/regflow/modules/workflow/domain/policy"
	"github.com/iota-uz/regflow/modules/workflow/domain/version"
	"github.com/iota-uz/regflow/pkg/clock"
	"github.com/iota-uz/regflow/pkg/composables"
)

// Transactor runs fn in one all-or-nothing transaction bound to txCtx.
type Transactor interface {
	InTx(ctx context.Context, fn func(txCtx context.Context) error) error
}

// EventSink stores events in the same transaction as the change they describe.
type EventSink interface {
	Emit(ctx context.Context, ev *events.EventV1) error
}

const (
	ContextVersion = "version"

	DefaultRevisionWorkType = "version_revision"
)

type Options struct {
	ConflictRetries int
	MinReasonLength int
}

func (o Options) withDefaults() Options {
	if o.ConflictRetries <= 0 {
		o.ConflictRetries = 3
	}
	if o.MinReasonLength <= 0 {
		o.MinReasonLength = 10
	}
	return o
}

type Deps struct {
	Tx          Transactor
	Versions    version.Repository
	Assignments assignment.Repository
	Violations  escalation.Repository
	Phases      phase.Repository
	Events      EventSink
	Clock       clock.Clock
	Rules       *policy.Rules
	Registry    *version.Registry
	Options     Options
}

func (d Deps) normalize() Deps {
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	if d.Rules == nil {
		d.Rules = &policy.Rules{}
	}
	if d.Registry == nil {
		d.Registry = d.Rules.Registry()
	}
	d.Options = d.Options.withDefaults()
	return d
}

// now is truncated to the storage precision so compare-and-set on
// updated_at matches what a reload returns.
func (d Deps) now() time.Time {
	return d.Clock.Now().UTC().Truncate(time.Microsecond)
}

// withRetry runs op in fresh transactions until it stops losing
// compare-and-set races or the attempts run out.
func withRetry[T any](ctx context.Context, d Deps, op string, fn func(txCtx context.Context) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 1; attempt <= d.Options.ConflictRetries; attempt++ {
		err = d.Tx.InTx(ctx, func(txCtx context.Context) error {
			var innerErr error
			out, innerErr = fn(txCtx)
			return innerErr
		})
		if !failures.IsRetryable(err) {
			return out, err
		}
		recordWriteConflict(op)
		composables.UseLogger(ctx).WithField("op", op).WithField("attempt", attempt).
			Debug("workflow write lost a concurrent update")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
	}
	var zero T
	return zero, &failures.ConflictError{Message: "someone else updated this record, reload and retry", Cause: err}
}

// emit stamps request metadata on ev and hands it to the sink.
func (d Deps) emit(ctx context.Context, ev *events.EventV1, err error) error {
	if err != nil {
		return err
	}
	ev.RequestID = composables.UseRequestID(ctx)
	if err := d.Events.Emit(ctx, ev); err != nil {
		return err
	}
	recordEvent(ev.Topic)
	return nil
}
