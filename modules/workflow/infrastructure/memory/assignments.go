package memory

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/regflow/modules/workflow/domain/assignment"
	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
)

type assignmentRepo struct{ s *Store }

func (r assignmentRepo) Insert(ctx context.Context, a *assignment.Assignment) error {
	return r.s.use(ctx, func(st *state) error {
		if _, dup := st.assignments[a.ID]; dup {
			return failures.ErrConcurrentUpdate
		}
		st.assignments[a.ID] = a.Clone()
		return nil
	})
}

func (r assignmentRepo) Get(ctx context.Context, id uuid.UUID) (*assignment.Assignment, error) {
	var out *assignment.Assignment
	err := r.s.use(ctx, func(st *state) error {
		a, ok := st.assignments[id]
		if !ok {
			return failures.NotFound("assignment", id.String())
		}
		out = a.Clone()
		return nil
	})
	return out, err
}

func (r assignmentRepo) Update(ctx context.Context, a *assignment.Assignment, expectedStatus assignment.Status, expectedUpdatedAt time.Time) error {
	return r.s.use(ctx, func(st *state) error {
		stored, ok := st.assignments[a.ID]
		if !ok {
			return failures.NotFound("assignment", a.ID.String())
		}
		if stored.Status != expectedStatus || !stored.UpdatedAt.Equal(expectedUpdatedAt) {
			return failures.ErrConcurrentUpdate
		}
		st.assignments[a.ID] = a.Clone()
		return nil
	})
}

func matches(a *assignment.Assignment, f assignment.Filter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if a.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	switch {
	case f.ActiveOnly && a.Status.Terminal():
		return false
	case f.WithDueDate && a.DueDate == nil:
		return false
	case f.Role != "" && a.ToRole != f.Role:
		return false
	case f.ContextType != "" && a.ContextType != f.ContextType:
		return false
	case f.ContextRef != "" && a.ContextRef != f.ContextRef:
		return false
	case f.Type != "" && a.AssignmentType != f.Type:
		return false
	case f.ToUser != "" && a.ToUser != f.ToUser:
		return false
	case f.After != nil && bytes.Compare(a.ID[:], f.After[:]) <= 0:
		return false
	}
	return true
}

func (r assignmentRepo) List(ctx context.Context, filter assignment.Filter) ([]*assignment.Assignment, error) {
	var out []*assignment.Assignment
	err := r.s.use(ctx, func(st *state) error {
		for _, a := range st.assignments {
			if matches(a, filter) {
				out = append(out, a.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, err
}

func (r assignmentRepo) AppendHistory(ctx context.Context, h *assignment.History) error {
	return r.s.use(ctx, func(st *state) error {
		c := *h
		st.history = append(st.history, &c)
		return nil
	})
}

func (r assignmentRepo) History(ctx context.Context, assignmentID uuid.UUID) ([]*assignment.History, error) {
	var out []*assignment.History
	err := r.s.use(ctx, func(st *state) error {
		for _, h := range st.history {
			if h.AssignmentID == assignmentID {
				c := *h
				out = append(out, &c)
			}
		}
		return nil
	})
	return out, err
}

func (r assignmentRepo) CountByStatus(ctx context.Context, contextType string) (map[assignment.Status]int, error) {
	out := map[assignment.Status]int{}
	err := r.s.use(ctx, func(st *state) error {
		for _, a := range st.assignments {
			if contextType == "" || a.ContextType == contextType {
				out[a.Status]++
			}
		}
		return nil
	})
	return out, err
}
