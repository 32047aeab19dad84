package services

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/iota-uz/regflow/modules/workflow/domain/escalation"
	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
)

func isNotFound(err error) bool {
	var nf *failures.NotFoundError
	return errors.As(err, &nf)
}

type EscalationService struct {
	d Deps
}

func NewEscalationService(d Deps) *EscalationService {
	return &EscalationService{d: d.normalize()}
}

// Active lists unresolved violations, most recently breached first.
func (s *EscalationService) Active(ctx context.Context, filter escalation.Filter) ([]*escalation.Violation, error) {
	switch filter.SubjectType {
	case "", escalation.SubjectAssignment, escalation.SubjectPhase:
	default:
		return nil, failures.Invalid("subject_type", "must be assignment or phase")
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}
	return s.d.Violations.Active(ctx, filter)
}

// Acknowledge records that actor has seen the escalation. Repeated calls
// keep the first acknowledgement.
func (s *EscalationService) Acknowledge(ctx context.Context, id uuid.UUID, actor string) (*escalation.Violation, error) {
	if actor == "" {
		return nil, failures.Invalid("actor", "is required")
	}
	return withRetry(ctx, s.d, "escalation_acknowledge", func(txCtx context.Context) (*escalation.Violation, error) {
		v, err := s.d.Violations.Get(txCtx, id)
		if err != nil {
			return nil, err
		}
		if v.AcknowledgedBy != "" {
			return v, nil
		}
		now := s.d.now()
		if err := s.d.Violations.Acknowledge(txCtx, id, actor, now); err != nil {
			return nil, err
		}
		v.AcknowledgedBy = actor
		v.AcknowledgedAt = &now

		ev, err := events.New(events.TopicEscalationAcknowledged, events.AggregateViolation, v.ID, actor, now, events.Acknowledged{
			ViolationID: v.ID,
			SubjectType: string(v.SubjectType),
			SubjectID:   v.SubjectID,
		})
		if err := s.d.emit(txCtx, ev, err); err != nil {
			return nil, err
		}
		return v, nil
	})
}
