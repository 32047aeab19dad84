package version

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDraft           Status = "Draft"
	StatusPendingApproval Status = "PendingApproval"
	StatusApproved        Status = "Approved"
	StatusRequiresChanges Status = "RequiresChanges"
	StatusArchived        Status = "Archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusApproved, StatusRequiresChanges, StatusArchived:
		return true
	}
	return false
}

type Decision string

const (
	DecisionNone     Decision = "none"
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

func ParseDecision(s string) (Decision, bool) {
	switch Decision(s) {
	case DecisionAccepted, DecisionRejected:
		return Decision(s), true
	}
	return DecisionNone, false
}

type Role string

const (
	RolePreparer Role = "preparer"
	RoleApprover Role = "approver"
)

// AutoApprovalActor is recorded as the approver of auto-approved versions.
const AutoApprovalActor = "system:auto-approval"

// Key identifies a versioned record.
type Key struct {
	EntityType  string `json:"entity_type"`
	BusinessKey string `json:"business_key"`
}

func (k Key) String() string {
	return k.EntityType + "/" + k.BusinessKey
}

type DecisionFact struct {
	Decision Decision   `json:"decision"`
	Reason   string     `json:"reason,omitempty"`
	Actor    string     `json:"actor,omitempty"`
	At       *time.Time `json:"at,omitempty"`
}

func (d DecisionFact) Recorded() bool {
	return d.Decision != "" && d.Decision != DecisionNone
}

type Version struct {
	ID              uuid.UUID       `json:"id"`
	EntityType      string          `json:"entity_type"`
	BusinessKey     string          `json:"business_key"`
	VersionNumber   int             `json:"version_number"`
	ParentVersionID *uuid.UUID      `json:"parent_version_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	ChangeReason    string          `json:"change_reason,omitempty"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Preparer        DecisionFact    `json:"preparer"`
	Approver        DecisionFact    `json:"approver"`
	Status          Status          `json:"status"`
	AutoApproved    bool            `json:"auto_approved"`
	// IsLatest is derived from the head index when the version is read.
	IsLatest bool `json:"is_latest"`
}

func (v *Version) Key() Key {
	return Key{EntityType: v.EntityType, BusinessKey: v.BusinessKey}
}

func (v *Version) Clone() *Version {
	if v == nil {
		return nil
	}
	out := *v
	out.Payload = append(json.RawMessage(nil), v.Payload...)
	if v.ParentVersionID != nil {
		id := *v.ParentVersionID
		out.ParentVersionID = &id
	}
	return &out
}

// Head is the explicit pointer to the latest version of a key.
type Head struct {
	Key
	VersionID     uuid.UUID
	VersionNumber int
}

// DecisionRecord is an append-only audit fact.
type DecisionRecord struct {
	ID             uuid.UUID `json:"id"`
	VersionID      uuid.UUID `json:"version_id"`
	Role           Role      `json:"role"`
	Decision       Decision  `json:"decision"`
	Reason         string    `json:"reason,omitempty"`
	Actor          string    `json:"actor"`
	PreviousStatus Status    `json:"previous_status"`
	NewStatus      Status    `json:"new_status"`
	AutoApproved   bool      `json:"auto_approved"`
	CreatedAt      time.Time `json:"created_at"`
}
