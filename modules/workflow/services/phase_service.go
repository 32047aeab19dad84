package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/regflow/modules/workflow/domain/escalation"
	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
	"github.com/iota-uz/regflow/modules/workflow/domain/phase"
)

type PhaseService struct {
	d Deps
}

func NewPhaseService(d Deps) *PhaseService {
	return &PhaseService{d: d.normalize()}
}

type UpsertPhaseInput struct {
	PhaseKey    string
	Name        string
	ContextType string
	ContextRef  string
	OwnerRole   string
	WorkType    string
	DueDate     time.Time
}

// Upsert creates the deadline of a phase key or moves it.
func (s *PhaseService) Upsert(ctx context.Context, in UpsertPhaseInput) (*phase.Deadline, error) {
	in.PhaseKey = strings.TrimSpace(in.PhaseKey)
	switch {
	case in.PhaseKey == "":
		return nil, failures.Invalid("phase_key", "is required")
	case strings.TrimSpace(in.Name) == "":
		return nil, failures.Invalid("name", "is required")
	case in.OwnerRole == "":
		return nil, failures.Invalid("owner_role", "is required")
	case in.WorkType == "":
		return nil, failures.Invalid("work_type", "is required")
	case in.DueDate.IsZero():
		return nil, failures.Invalid("due_date", "is required")
	}
	return withRetry(ctx, s.d, "phase_upsert", func(txCtx context.Context) (*phase.Deadline, error) {
		now := s.d.now()
		return s.d.Phases.Upsert(txCtx, &phase.Deadline{
			ID:          uuid.New(),
			PhaseKey:    in.PhaseKey,
			Name:        strings.TrimSpace(in.Name),
			ContextType: in.ContextType,
			ContextRef:  in.ContextRef,
			OwnerRole:   in.OwnerRole,
			WorkType:    in.WorkType,
			DueDate:     in.DueDate.UTC(),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
}

// Complete marks the phase done and resolves its open violation. Completing
// a completed phase is a no-op.
func (s *PhaseService) Complete(ctx context.Context, id uuid.UUID) (*phase.Deadline, error) {
	return withRetry(ctx, s.d, "phase_complete", func(txCtx context.Context) (*phase.Deadline, error) {
		p, err := s.d.Phases.Get(txCtx, id)
		if err != nil {
			return nil, err
		}
		if p.Completed() {
			return p, nil
		}
		now := s.d.now()
		if err := s.d.Phases.Complete(txCtx, id, now); err != nil {
			return nil, err
		}
		if _, err := s.d.Violations.ResolveOpen(txCtx, escalation.SubjectPhase, id, now); err != nil {
			return nil, err
		}
		p.CompletedAt = &now
		p.UpdatedAt = now
		return p, nil
	})
}

func (s *PhaseService) List(ctx context.Context, filter phase.Filter) ([]*phase.Deadline, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}
	return s.d.Phases.List(ctx, filter)
}
