// Package phase models dated milestones of a testing cycle that are
// monitored for SLA breaches the same way assignments are.
package phase

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Deadline struct {
	ID          uuid.UUID  `json:"id"`
	PhaseKey    string     `json:"phase_key"`
	Name        string     `json:"name"`
	ContextType string     `json:"context_type,omitempty"`
	ContextRef  string     `json:"context_ref,omitempty"`
	OwnerRole   string     `json:"owner_role"`
	WorkType    string     `json:"work_type"`
	DueDate     time.Time  `json:"due_date"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (d *Deadline) Completed() bool {
	return d.CompletedAt != nil
}

func (d *Deadline) Clone() *Deadline {
	if d == nil {
		return nil
	}
	out := *d
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

type Filter struct {
	ContextType string
	OpenOnly    bool
	Limit       int
}

type Repository interface {
	// Upsert inserts by phase key or updates the mutable fields of the
	// existing row, returning the stored deadline.
	Upsert(ctx context.Context, d *Deadline) (*Deadline, error)
	Get(ctx context.Context, id uuid.UUID) (*Deadline, error)
	List(ctx context.Context, filter Filter) ([]*Deadline, error)
	Complete(ctx context.Context, id uuid.UUID, at time.Time) error
}
