package escalation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type SubjectType string

const (
	SubjectAssignment SubjectType = "assignment"
	SubjectPhase      SubjectType = "phase"
)

// Violation records an SLA breach of one subject. At most one unresolved
// violation exists per subject.
type Violation struct {
	ID                     uuid.UUID   `json:"id"`
	SubjectType            SubjectType `json:"subject_type"`
	SubjectID              uuid.UUID   `json:"subject_id"`
	WorkType               string      `json:"work_type"`
	BreachedAt             time.Time   `json:"breached_at"`
	CurrentEscalationLevel int         `json:"current_escalation_level"`
	EscalationCount        int         `json:"escalation_count"`
	LastEscalatedAt        *time.Time  `json:"last_escalated_at,omitempty"`
	EscalatedToUser        string      `json:"escalated_to_user,omitempty"`
	EscalatedToRole        string      `json:"escalated_to_role,omitempty"`
	IsResolved             bool        `json:"is_resolved"`
	ResolvedAt             *time.Time  `json:"resolved_at,omitempty"`
	AcknowledgedBy         string      `json:"acknowledged_by,omitempty"`
	AcknowledgedAt         *time.Time  `json:"acknowledged_at,omitempty"`
	CreatedAt              time.Time   `json:"created_at"`
}

func (v *Violation) Clone() *Violation {
	if v == nil {
		return nil
	}
	out := *v
	out.LastEscalatedAt = cloneTime(v.LastEscalatedAt)
	out.ResolvedAt = cloneTime(v.ResolvedAt)
	out.AcknowledgedAt = cloneTime(v.AcknowledgedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Escalate applies one fired rule level.
func (v *Violation) Escalate(level int, toUser, toRole string, now time.Time) {
	v.CurrentEscalationLevel = level
	v.EscalationCount++
	v.LastEscalatedAt = &now
	v.EscalatedToUser = toUser
	v.EscalatedToRole = toRole
}

type Filter struct {
	SubjectType SubjectType
	WorkType    string
	// Unacknowledged keeps only violations nobody has acknowledged yet.
	Unacknowledged bool
	Limit          int
}

type Repository interface {
	// Open returns the unresolved violation of the subject, or nil.
	Open(ctx context.Context, subject SubjectType, subjectID uuid.UUID) (*Violation, error)
	// Insert fails with failures.ErrConcurrentUpdate when an unresolved
	// violation already exists for the subject.
	Insert(ctx context.Context, v *Violation) error
	// UpdateLevel persists an escalation when the stored level still equals
	// expectedLevel.
	UpdateLevel(ctx context.Context, v *Violation, expectedLevel int) error
	// ResolveOpen resolves the unresolved violation of the subject and
	// reports whether there was one.
	ResolveOpen(ctx context.Context, subject SubjectType, subjectID uuid.UUID, at time.Time) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*Violation, error)
	Active(ctx context.Context, filter Filter) ([]*Violation, error)
	Acknowledge(ctx context.Context, id uuid.UUID, actor string, at time.Time) error
}
