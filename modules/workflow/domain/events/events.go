// Package events defines the workflow outbox topics and the JSON envelope
// every topic is published in.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	TopicVersionCreated         = "workflow.version.created.v1"
	TopicVersionDecision        = "workflow.version.decision.v1"
	TopicVersionApproved        = "workflow.version.approved.v1"
	TopicVersionRequiresChanges = "workflow.version.requires_changes.v1"
	TopicAssignmentCreated      = "workflow.assignment.created.v1"
	TopicAssignmentTransitioned = "workflow.assignment.transitioned.v1"
	TopicAssignmentCompleted    = "workflow.assignment.completed.v1"
	TopicAssignmentEscalated    = "workflow.assignment.escalated.v1"
	TopicAssignmentDueSoon      = "workflow.assignment.due_soon.v1"
	TopicPhaseEscalated         = "workflow.phase.escalated.v1"
	TopicEscalationAcknowledged = "workflow.escalation.acknowledged.v1"
)

var Topics = []string{
	TopicVersionCreated,
	TopicVersionDecision,
	TopicVersionApproved,
	TopicVersionRequiresChanges,
	TopicAssignmentCreated,
	TopicAssignmentTransitioned,
	TopicAssignmentCompleted,
	TopicAssignmentEscalated,
	TopicAssignmentDueSoon,
	TopicPhaseEscalated,
	TopicEscalationAcknowledged,
}

func KnownTopic(topic string) bool {
	for _, t := range Topics {
		if t == topic {
			return true
		}
	}
	return false
}

const (
	AggregateVersion    = "version"
	AggregateAssignment = "assignment"
	AggregatePhase      = "phase"
	AggregateViolation  = "sla_violation"
)

type RecipientKind string

const (
	RecipientUser RecipientKind = "user"
	RecipientRole RecipientKind = "role"
)

type Recipient struct {
	Kind RecipientKind `json:"kind"`
	ID   string        `json:"id"`
}

func User(id string) Recipient { return Recipient{Kind: RecipientUser, ID: id} }

func Role(id string) Recipient { return Recipient{Kind: RecipientRole, ID: id} }

// EventV1 is the envelope stored in the outbox payload.
type EventV1 struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventVersion  int             `json:"event_version"`
	Topic         string          `json:"topic"`
	RequestID     string          `json:"request_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Actor         string          `json:"actor,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	Notify        []Recipient     `json:"notify,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// New builds an envelope around data, which must marshal to JSON.
func New(topic, aggregateType string, aggregateID uuid.UUID, actor string, at time.Time, data any) (*EventV1, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &EventV1{
		EventID:       uuid.New(),
		EventVersion:  1,
		Topic:         topic,
		OccurredAt:    at.UTC(),
		Actor:         actor,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          raw,
	}, nil
}

// To appends notification recipients, skipping empty ids and duplicates.
func (e *EventV1) To(recipients ...Recipient) *EventV1 {
next:
	for _, r := range recipients {
		if r.ID == "" {
			continue
		}
		for _, have := range e.Notify {
			if have == r {
				continue next
			}
		}
		e.Notify = append(e.Notify, r)
	}
	return e
}

func Decode(payload []byte) (*EventV1, error) {
	var ev EventV1
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Payload shapes carried in EventV1.Data.

type VersionCreated struct {
	VersionID       uuid.UUID  `json:"version_id"`
	EntityType      string     `json:"entity_type"`
	BusinessKey     string     `json:"business_key"`
	VersionNumber   int        `json:"version_number"`
	ParentVersionID *uuid.UUID `json:"parent_version_id,omitempty"`
}

type VersionDecision struct {
	VersionID      uuid.UUID `json:"version_id"`
	Role           string    `json:"role"`
	Decision       string    `json:"decision"`
	Reason         string    `json:"reason,omitempty"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	AutoApproved   bool      `json:"auto_approved"`
}

type VersionStatus struct {
	VersionID   uuid.UUID `json:"version_id"`
	EntityType  string    `json:"entity_type"`
	BusinessKey string    `json:"business_key"`
	Status      string    `json:"status"`
}

type AssignmentChanged struct {
	AssignmentID   uuid.UUID `json:"assignment_id"`
	AssignmentType string    `json:"assignment_type"`
	Event          string    `json:"event"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	NewStatus      string    `json:"new_status"`
	ContextType    string    `json:"context_type"`
	ContextRef     string    `json:"context_ref,omitempty"`
}

type Escalated struct {
	ViolationID  uuid.UUID `json:"violation_id"`
	SubjectType  string    `json:"subject_type"`
	SubjectID    uuid.UUID `json:"subject_id"`
	WorkType     string    `json:"work_type"`
	Level        int       `json:"level"`
	OverdueHours float64   `json:"overdue_hours"`
	ToUser       string    `json:"to_user,omitempty"`
	ToRole       string    `json:"to_role,omitempty"`
}

type DueSoon struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
	WorkType     string    `json:"work_type"`
	DueDate      time.Time `json:"due_date"`
	ElapsedRatio float64   `json:"elapsed_ratio"`
}

type Acknowledged struct {
	ViolationID uuid.UUID `json:"violation_id"`
	SubjectType string    `json:"subject_type"`
	SubjectID   uuid.UUID `json:"subject_id"`
}
