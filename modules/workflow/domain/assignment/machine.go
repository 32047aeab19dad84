package assignment

import (
	"encoding/json"
	"time"

	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
)

type Event string

const (
	EventAcknowledge Event = "acknowledge"
	EventStart       Event = "start"
	EventHold        Event = "hold"
	EventResume      Event = "resume"
	EventEscalate    Event = "escalate"
	EventCancel      Event = "cancel"
	EventDelegate    Event = "delegate"
	EventComplete    Event = "complete"
	EventApprove     Event = "approve"
	EventReject      Event = "reject"

	// history-only events
	EventCreate Event = "create"
	EventClaim  Event = "claim"
)

var transitions = map[Event][]Status{
	EventAcknowledge: {StatusAssigned, StatusEscalated, StatusDelegated},
	EventStart:       {StatusAssigned, StatusAcknowledged, StatusEscalated, StatusDelegated},
	EventHold:        {StatusAssigned, StatusAcknowledged, StatusInProgress},
	EventResume:      {StatusOnHold},
	EventEscalate:    {StatusAssigned, StatusAcknowledged, StatusInProgress},
	EventComplete:    {StatusInProgress, StatusAcknowledged},
	EventApprove:     {StatusPendingApproval},
	EventReject:      {StatusPendingApproval},
}

func ParseEvent(s string) (Event, bool) {
	e := Event(s)
	switch e {
	case EventAcknowledge, EventStart, EventHold, EventResume, EventEscalate,
		EventCancel, EventDelegate, EventComplete, EventApprove, EventReject:
		return e, true
	}
	return "", false
}

// Allowed reports whether event may fire from status.
func Allowed(status Status, event Event) bool {
	if status.Terminal() {
		return false
	}
	switch event {
	case EventCancel:
		return true
	case EventDelegate:
		return status != StatusPendingApproval
	}
	for _, s := range transitions[event] {
		if s == status {
			return true
		}
	}
	return false
}

// AvailableEvents lists the events that may fire from status.
func AvailableEvents(status Status) []Event {
	all := []Event{
		EventAcknowledge, EventStart, EventHold, EventResume, EventEscalate,
		EventCancel, EventDelegate, EventComplete, EventApprove, EventReject,
	}
	out := make([]Event, 0, len(all))
	for _, e := range all {
		if Allowed(status, e) {
			out = append(out, e)
		}
	}
	return out
}

type Input struct {
	Actor          string
	Notes          string
	DelegateTo     string
	CompletionData json.RawMessage
}

// Apply fires event on a, mutating it in place, and returns the previous status.
func Apply(a *Assignment, event Event, in Input, now time.Time) (Status, error) {
	prev := a.Status
	if !Allowed(prev, event) {
		return prev, &failures.InvalidTransitionError{Current: string(prev), Event: string(event)}
	}

	switch event {
	case EventAcknowledge:
		a.Status = StatusAcknowledged
		a.AcknowledgedAt = &now
	case EventStart:
		a.Status = StatusInProgress
		a.StartedAt = &now
	case EventHold:
		a.HoldFromStatus = prev
		a.Status = StatusOnHold
	case EventResume:
		a.Status = a.HoldFromStatus
		if a.Status == "" {
			a.Status = StatusAssigned
		}
		a.HoldFromStatus = ""
	case EventEscalate:
		a.Status = StatusEscalated
		a.Escalated = true
	case EventCancel:
		a.Status = StatusCancelled
		a.HoldFromStatus = ""
	case EventDelegate:
		if in.DelegateTo == "" {
			return prev, failures.Invalid("delegate_to", "is required for delegation")
		}
		if in.DelegateTo == a.ToUser {
			return prev, failures.Invalid("delegate_to", "assignment is already held by %s", in.DelegateTo)
		}
		a.Status = StatusDelegated
		a.DelegatedTo = in.DelegateTo
		a.ToUser = in.DelegateTo
		a.HoldFromStatus = ""
	case EventComplete:
		a.CompletionNotes = in.Notes
		if len(in.CompletionData) > 0 {
			a.CompletionData = in.CompletionData
		}
		if a.RequiresApproval {
			a.Status = StatusPendingApproval
			break
		}
		a.Status = StatusCompleted
		a.CompletedAt = &now
	case EventApprove:
		a.Status = StatusCompleted
		a.CompletedAt = &now
		a.ApproverDecision = ApprovalApproved
		a.ApproverUser = in.Actor
		a.ApproverNotes = in.Notes
		a.ApproverAt = &now
	case EventReject:
		a.Status = StatusCancelled
		a.ApproverDecision = ApprovalRejected
		a.ApproverUser = in.Actor
		a.ApproverNotes = in.Notes
		a.ApproverAt = &now
	}
	a.UpdatedAt = now
	return prev, nil
}
