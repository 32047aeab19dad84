// Package memory is an in-process implementation of the workflow
// repositories. Transactions work on a private copy of the state that
// replaces the committed state on success, so a failed or cancelled
// operation leaves nothing behind. It backs tests and local demos.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/iota-uz/regflow/modules/workflow/domain/assignment"
	"github.com/iota-uz/regflow/modules/workflow/domain/escalation"
	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/domain/phase"
	"github.com/iota-uz/regflow/modules/workflow/domain/version"
)

type state struct {
	versions    map[uuid.UUID]*version.Version
	heads       map[version.Key]version.Head
	decisions   []*version.DecisionRecord
	assignments map[uuid.UUID]*assignment.Assignment
	history     []*assignment.History
	violations  map[uuid.UUID]*escalation.Violation
	phases      map[uuid.UUID]*phase.Deadline
	events      []*events.EventV1
}

func newState() *state {
	return &state{
		versions:    map[uuid.UUID]*version.Version{},
		heads:       map[version.Key]version.Head{},
		assignments: map[uuid.UUID]*assignment.Assignment{},
		violations:  map[uuid.UUID]*escalation.Violation{},
		phases:      map[uuid.UUID]*phase.Deadline{},
	}
}

// clone copies everything a transaction may mutate. Append-only slices
// share their elements.
func (s *state) clone() *state {
	out := newState()
	for id, v := range s.versions {
		out.versions[id] = v.Clone()
	}
	for k, h := range s.heads {
		out.heads[k] = h
	}
	for id, a := range s.assignments {
		out.assignments[id] = a.Clone()
	}
	for id, v := range s.violations {
		out.violations[id] = v.Clone()
	}
	for id, p := range s.phases {
		out.phases[id] = p.Clone()
	}
	out.decisions = append(out.decisions, s.decisions...)
	out.history = append(out.history, s.history...)
	out.events = append(out.events, s.events...)
	return out
}

type txKey struct{}

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

// InTx serializes transactions. A transaction already bound to ctx is
// joined.
func (s *Store) InTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*state); ok {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, work)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

// use runs fn against the transaction state of ctx or, outside a
// transaction, against the committed state under the lock.
func (s *Store) use(ctx context.Context, fn func(st *state) error) error {
	if st, ok := ctx.Value(txKey{}).(*state); ok {
		return fn(st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) Versions() version.Repository { return versionRepo{s} }

func (s *Store) Assignments() assignment.Repository { return assignmentRepo{s} }

func (s *Store) Violations() escalation.Repository { return violationRepo{s} }

func (s *Store) Phases() phase.Repository { return phaseRepo{s} }

// Emit records ev with the surrounding transaction.
func (s *Store) Emit(ctx context.Context, ev *events.EventV1) error {
	return s.use(ctx, func(st *state) error {
		st.events = append(st.events, ev)
		return nil
	})
}

// Events returns the committed events in emission order.
func (s *Store) Events() []*events.EventV1 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*events.EventV1(nil), s.st.events...)
}

// EventsByTopic filters Events by topic.
func (s *Store) EventsByTopic(topic string) []*events.EventV1 {
	var out []*events.EventV1
	for _, ev := range s.Events() {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
