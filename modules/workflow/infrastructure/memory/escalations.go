package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/regflow/modules/workflow/domain/escalation"
	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
	"github.com/iota-uz/regflow/modules/workflow/domain/phase"
)

type violationRepo struct{ s *Store }

func openViolation(st *state, subject escalation.SubjectType, id uuid.UUID) *escalation.Violation {
	for _, v := range st.violations {
		if !v.IsResolved && v.SubjectType == subject && v.SubjectID == id {
			return v
		}
	}
	return nil
}

func (r violationRepo) Open(ctx context.Context, subject escalation.SubjectType, subjectID uuid.UUID) (*escalation.Violation, error) {
	var out *escalation.Violation
	err := r.s.use(ctx, func(st *state) error {
		out = openViolation(st, subject, subjectID).Clone()
		return nil
	})
	return out, err
}

func (r violationRepo) Insert(ctx context.Context, v *escalation.Violation) error {
	return r.s.use(ctx, func(st *state) error {
		if openViolation(st, v.SubjectType, v.SubjectID) != nil {
			return failures.ErrConcurrentUpdate
		}
		st.violations[v.ID] = v.Clone()
		return nil
	})
}

func (r violationRepo) UpdateLevel(ctx context.Context, v *escalation.Violation, expectedLevel int) error {
	return r.s.use(ctx, func(st *state) error {
		stored, ok := st.violations[v.ID]
		if !ok {
			return failures.NotFound("escalation", v.ID.String())
		}
		if stored.IsResolved || stored.CurrentEscalationLevel != expectedLevel {
			return failures.ErrConcurrentUpdate
		}
		stored.CurrentEscalationLevel = v.CurrentEscalationLevel
		stored.EscalationCount = v.EscalationCount
		stored.LastEscalatedAt = v.LastEscalatedAt
		stored.EscalatedToUser = v.EscalatedToUser
		stored.EscalatedToRole = v.EscalatedToRole
		return nil
	})
}

func (r violationRepo) ResolveOpen(ctx context.Context, subject escalation.SubjectType, subjectID uuid.UUID, at time.Time) (bool, error) {
	var resolved bool
	err := r.s.use(ctx, func(st *state) error {
		v := openViolation(st, subject, subjectID)
		if v == nil {
			return nil
		}
		v.IsResolved = true
		v.ResolvedAt = &at
		resolved = true
		return nil
	})
	return resolved, err
}

func (r violationRepo) Get(ctx context.Context, id uuid.UUID) (*escalation.Violation, error) {
	var out *escalation.Violation
	err := r.s.use(ctx, func(st *state) error {
		v, ok := st.violations[id]
		if !ok {
			return failures.NotFound("escalation", id.String())
		}
		out = v.Clone()
		return nil
	})
	return out, err
}

func (r violationRepo) Active(ctx context.Context, f escalation.Filter) ([]*escalation.Violation, error) {
	var out []*escalation.Violation
	err := r.s.use(ctx, func(st *state) error {
		for _, v := range st.violations {
			switch {
			case v.IsResolved:
			case f.SubjectType != "" && v.SubjectType != f.SubjectType:
			case f.WorkType != "" && v.WorkType != f.WorkType:
			case f.Unacknowledged && v.AcknowledgedBy != "":
			default:
				out = append(out, v.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BreachedAt.Equal(out[j].BreachedAt) {
			return out[i].BreachedAt.After(out[j].BreachedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, err
}

func (r violationRepo) Acknowledge(ctx context.Context, id uuid.UUID, actor string, at time.Time) error {
	return r.s.use(ctx, func(st *state) error {
		v, ok := st.violations[id]
		if !ok {
			return failures.NotFound("escalation", id.String())
		}
		if v.AcknowledgedBy == "" {
			v.AcknowledgedBy = actor
			v.AcknowledgedAt = &at
		}
		return nil
	})
}

type phaseRepo struct{ s *Store }

func (r phaseRepo) Upsert(ctx context.Context, d *phase.Deadline) (*phase.Deadline, error) {
	var out *phase.Deadline
	err := r.s.use(ctx, func(st *state) error {
		for _, existing := range st.phases {
			if existing.PhaseKey != d.PhaseKey {
				continue
			}
			existing.Name = d.Name
			existing.ContextType = d.ContextType
			existing.ContextRef = d.ContextRef
			existing.OwnerRole = d.OwnerRole
			existing.WorkType = d.WorkType
			existing.DueDate = d.DueDate
			existing.UpdatedAt = d.UpdatedAt
			out = existing.Clone()
			return nil
		}
		st.phases[d.ID] = d.Clone()
		out = d.Clone()
		return nil
	})
	return out, err
}

func (r phaseRepo) Get(ctx context.Context, id uuid.UUID) (*phase.Deadline, error) {
	var out *phase.Deadline
	err := r.s.use(ctx, func(st *state) error {
		p, ok := st.phases[id]
		if !ok {
			return failures.NotFound("phase", id.String())
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

func (r phaseRepo) List(ctx context.Context, f phase.Filter) ([]*phase.Deadline, error) {
	var out []*phase.Deadline
	err := r.s.use(ctx, func(st *state) error {
		for _, p := range st.phases {
			if f.OpenOnly && p.Completed() {
				continue
			}
			if f.ContextType != "" && p.ContextType != f.ContextType {
				continue
			}
			out = append(out, p.Clone())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].PhaseKey < out[j].PhaseKey
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, err
}

func (r phaseRepo) Complete(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.s.use(ctx, func(st *state) error {
		p, ok := st.phases[id]
		if !ok {
			return failures.NotFound("phase", id.String())
		}
		if p.CompletedAt == nil {
			p.CompletedAt = &at
			p.UpdatedAt = at
		}
		return nil
	})
}
