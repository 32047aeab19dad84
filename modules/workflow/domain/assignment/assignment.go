package assignment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusAssigned        Status = "Assigned"
	StatusAcknowledged    Status = "Acknowledged"
	StatusInProgress      Status = "InProgress"
	StatusOnHold          Status = "OnHold"
	StatusEscalated       Status = "Escalated"
	StatusDelegated       Status = "Delegated"
	StatusPendingApproval Status = "PendingApproval"
	StatusCompleted       Status = "Completed"
	StatusCancelled       Status = "Cancelled"
)

var AllStatuses = []Status{
	StatusAssigned,
	StatusAcknowledged,
	StatusInProgress,
	StatusOnHold,
	StatusEscalated,
	StatusDelegated,
	StatusPendingApproval,
	StatusCompleted,
	StatusCancelled,
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type ApprovalDecision string

const (
	ApprovalNone     ApprovalDecision = ""
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

type Assignment struct {
	ID                 uuid.UUID        `json:"id"`
	AssignmentType     string           `json:"assignment_type"`
	FromRole           string           `json:"from_role"`
	ToRole             string           `json:"to_role"`
	FromUser           string           `json:"from_user,omitempty"`
	ToUser             string           `json:"to_user,omitempty"`
	ContextType        string           `json:"context_type"`
	ContextRef         string           `json:"context_ref,omitempty"`
	ContextData        json.RawMessage  `json:"context_data,omitempty"`
	Status             Status           `json:"status"`
	HoldFromStatus     Status           `json:"hold_from_status,omitempty"`
	Priority           Priority         `json:"priority"`
	DueDate            *time.Time       `json:"due_date,omitempty"`
	AssignedAt         time.Time        `json:"assigned_at"`
	AcknowledgedAt     *time.Time       `json:"acknowledged_at,omitempty"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	RequiresApproval   bool             `json:"requires_approval"`
	ApproverUser       string           `json:"approver_user,omitempty"`
	ApproverDecision   ApprovalDecision `json:"approver_decision,omitempty"`
	ApproverNotes      string           `json:"approver_notes,omitempty"`
	ApproverAt         *time.Time       `json:"approver_at,omitempty"`
	CompletionNotes    string           `json:"completion_notes,omitempty"`
	CompletionData     json.RawMessage  `json:"completion_data,omitempty"`
	Escalated          bool             `json:"escalated"`
	EscalatedTo        string           `json:"escalated_to,omitempty"`
	EscalationLevel    int              `json:"escalation_level"`
	DelegatedTo        string           `json:"delegated_to,omitempty"`
	ParentAssignmentID *uuid.UUID       `json:"parent_assignment_id,omitempty"`
	WarningSentAt      *time.Time       `json:"warning_sent_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

func (a *Assignment) Clone() *Assignment {
	if a == nil {
		return nil
	}
	out := *a
	out.ContextData = append(json.RawMessage(nil), a.ContextData...)
	out.CompletionData = append(json.RawMessage(nil), a.CompletionData...)
	out.DueDate = cloneTime(a.DueDate)
	out.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	out.StartedAt = cloneTime(a.StartedAt)
	out.CompletedAt = cloneTime(a.CompletedAt)
	out.ApproverAt = cloneTime(a.ApproverAt)
	out.WarningSentAt = cloneTime(a.WarningSentAt)
	if a.ParentAssignmentID != nil {
		id := *a.ParentAssignmentID
		out.ParentAssignmentID = &id
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Claimable reports whether the assignment still waits for a user holding ToRole.
func (a *Assignment) Claimable() bool {
	return a.ToUser == "" && !a.Status.Terminal()
}

type History struct {
	ID             uuid.UUID `json:"id"`
	AssignmentID   uuid.UUID `json:"assignment_id"`
	Event          string    `json:"event"`
	PreviousStatus Status    `json:"previous_status,omitempty"`
	NewStatus      Status    `json:"new_status"`
	Actor          string    `json:"actor"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Filter struct {
	Statuses    []Status
	Role        string
	ContextType string
	ContextRef  string
	Type        string
	ToUser      string
	// ActiveOnly excludes terminal assignments.
	ActiveOnly bool
	// WithDueDate keeps only assignments that carry a due date.
	WithDueDate bool
	// After is the keyset cursor: assignments created after it (by id order).
	After *uuid.UUID
	Limit int
}
