package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/regflow/modules/workflow/domain/assignment"
	"github.com/iota-uz/regflow/modules/workflow/domain/escalation"
	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
	"github.com/iota-uz/regflow/pkg/composables"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type AssignmentService struct {
	d Deps
}

func NewAssignmentService(d Deps) *AssignmentService {
	return &AssignmentService{d: d.normalize()}
}

type CreateAssignmentInput struct {
	AssignmentType     string
	FromRole           string
	ToRole             string
	FromUser           string
	ToUser             string
	ContextType        string
	ContextRef         string
	ContextData        json.RawMessage
	Priority           assignment.Priority
	DueDate            *time.Time
	RequiresApproval   bool
	ParentAssignmentID *uuid.UUID
}

func (in *CreateAssignmentInput) validate() error {
	in.AssignmentType = strings.TrimSpace(in.AssignmentType)
	in.ToRole = strings.TrimSpace(in.ToRole)
	in.ContextType = strings.TrimSpace(in.ContextType)
	if in.AssignmentType == "" {
		return failures.Invalid("assignment_type", "is required")
	}
	if in.ToRole == "" {
		return failures.Invalid("to_role", "is required")
	}
	if in.ContextType == "" {
		return failures.Invalid("context_type", "is required")
	}
	if in.Priority == "" {
		in.Priority = assignment.PriorityMedium
	}
	if !in.Priority.Valid() {
		return failures.Invalid("priority", "unknown priority %q", in.Priority)
	}
	if len(in.ContextData) > 0 && !json.Valid(in.ContextData) {
		return failures.Invalid("context_data", "must be valid JSON")
	}
	return nil
}

// Create opens a new assignment. Without an explicit due date the SLA of the
// work type, if any, sets one.
func (s *AssignmentService) Create(ctx context.Context, actor composables.Actor, in CreateAssignmentInput) (*assignment.Assignment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return withRetry(ctx, s.d, "assignment_create", func(txCtx context.Context) (*assignment.Assignment, error) {
		return s.create(txCtx, actor.ID, in, "")
	})
}

func (s *AssignmentService) create(ctx context.Context, actor string, in CreateAssignmentInput, reason string) (*assignment.Assignment, error) {
	now := s.d.now()
	a := &assignment.Assignment{
		ID:                 uuid.New(),
		AssignmentType:     in.AssignmentType,
		FromRole:           in.FromRole,
		ToRole:             in.ToRole,
		FromUser:           in.FromUser,
		ToUser:             in.ToUser,
		ContextType:        in.ContextType,
		ContextRef:         in.ContextRef,
		ContextData:        in.ContextData,
		Status:             assignment.StatusAssigned,
		Priority:           in.Priority,
		DueDate:            in.DueDate,
		AssignedAt:         now,
		RequiresApproval:   in.RequiresApproval,
		ParentAssignmentID: in.ParentAssignmentID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if a.FromUser == "" {
		a.FromUser = actor
	}
	if a.DueDate == nil {
		if sla, ok := s.d.Rules.SLA(a.AssignmentType); ok {
			due := sla.DueDate(s.d.Rules.Cal(), now)
			a.DueDate = &due
		}
	}

	if err := s.d.Assignments.Insert(ctx, a); err != nil {
		return nil, err
	}
	if err := s.appendHistory(ctx, a, assignment.EventCreate, "", actor, reason); err != nil {
		return nil, err
	}

	ev, err := events.New(events.TopicAssignmentCreated, events.AggregateAssignment, a.ID, actor, now, s.changed(a, assignment.EventCreate, ""))
	if ev != nil {
		ev.To(events.User(a.ToUser))
		if a.ToUser == "" {
			ev.To(events.Role(a.ToRole))
		}
	}
	if err := s.d.emit(ctx, ev, err); err != nil {
		return nil, err
	}

	composables.UseLogger(ctx).WithFields(logrus.Fields{
		"assignment_id": a.ID,
		"type":          a.AssignmentType,
		"to_role":       a.ToRole,
	}).Info("assignment created")
	return a, nil
}

type TransitionInput struct {
	Event          assignment.Event
	Notes          string
	DelegateTo     string
	CompletionData json.RawMessage
}

// Transition fires a state machine event on the assignment on behalf of actor.
func (s *AssignmentService) Transition(ctx context.Context, id uuid.UUID, actor composables.Actor, in TransitionInput) (*assignment.Assignment, error) {
	if actor.ID == "" {
		return nil, failures.Invalid("actor", "is required")
	}
	if len(in.CompletionData) > 0 && !json.Valid(in.CompletionData) {
		return nil, failures.Invalid("completion_data", "must be valid JSON")
	}
	if in.Event == assignment.EventApprove || in.Event == assignment.EventReject {
		return s.DecideApproval(ctx, id, actor, approvalFor(in.Event), in.Notes)
	}
	return withRetry(ctx, s.d, "assignment_transition", func(txCtx context.Context) (*assignment.Assignment, error) {
		a, err := s.d.Assignments.Get(txCtx, id)
		if err != nil {
			return nil, err
		}
		if err := s.claim(txCtx, a, actor, in.Event); err != nil {
			return nil, err
		}
		if err := s.fire(txCtx, a, in.Event, assignment.Input{
			Actor:          actor.ID,
			Notes:          in.Notes,
			DelegateTo:     strings.TrimSpace(in.DelegateTo),
			CompletionData: in.CompletionData,
		}); err != nil {
			return nil, err
		}
		return a, nil
	})
}

func (s *AssignmentService) Complete(ctx context.Context, id uuid.UUID, actor composables.Actor, notes string, data json.RawMessage) (*assignment.Assignment, error) {
	return s.Transition(ctx, id, actor, TransitionInput{Event: assignment.EventComplete, Notes: notes, CompletionData: data})
}

func approvalFor(e assignment.Event) assignment.ApprovalDecision {
	if e == assignment.EventReject {
		return assignment.ApprovalRejected
	}
	return assignment.ApprovalApproved
}

// DecideApproval resolves the approval sub-state of a completed assignment.
// A rejection cancels it and reopens the work as a child assignment.
func (s *AssignmentService) DecideApproval(ctx context.Context, id uuid.UUID, actor composables.Actor, decision assignment.ApprovalDecision, notes string) (*assignment.Assignment, error) {
	if actor.ID == "" {
		return nil, failures.Invalid("actor", "is required")
	}
	var event assignment.Event
	switch decision {
	case assignment.ApprovalApproved:
		event = assignment.EventApprove
	case assignment.ApprovalRejected:
		event = assignment.EventReject
		if strings.TrimSpace(notes) == "" {
			return nil, failures.Invalid("notes", "a rejection needs notes")
		}
	default:
		return nil, failures.Invalid("decision", "must be approved or rejected")
	}

	return withRetry(ctx, s.d, "assignment_approval", func(txCtx context.Context) (*assignment.Assignment, error) {
		a, err := s.d.Assignments.Get(txCtx, id)
		if err != nil {
			return nil, err
		}
		if err := s.fire(txCtx, a, event, assignment.Input{Actor: actor.ID, Notes: notes}); err != nil {
			return nil, err
		}
		if event == assignment.EventReject {
			if _, err := s.reopen(txCtx, a, actor.ID, notes); err != nil {
				return nil, err
			}
		}
		return a, nil
	})
}

func (s *AssignmentService) reopen(ctx context.Context, rejected *assignment.Assignment, actor, notes string) (*assignment.Assignment, error) {
	parent := rejected.ID
	in := CreateAssignmentInput{
		AssignmentType:     rejected.AssignmentType,
		FromRole:           rejected.FromRole,
		ToRole:             rejected.ToRole,
		FromUser:           actor,
		ToUser:             rejected.ToUser,
		ContextType:        rejected.ContextType,
		ContextRef:         rejected.ContextRef,
		ContextData:        rejected.ContextData,
		Priority:           rejected.Priority,
		RequiresApproval:   rejected.RequiresApproval,
		ParentAssignmentID: &parent,
	}
	return s.create(ctx, actor, in, "reopened after rejection: "+notes)
}

func workEvent(e assignment.Event) bool {
	switch e {
	case assignment.EventAcknowledge, assignment.EventStart, assignment.EventHold, assignment.EventComplete:
		return true
	}
	return false
}

// claim makes actor the assignee of an unclaimed role-based assignment when
// they act on it.
func (s *AssignmentService) claim(ctx context.Context, a *assignment.Assignment, actor composables.Actor, event assignment.Event) error {
	if !a.Claimable() || !workEvent(event) {
		return nil
	}
	if len(actor.Roles) > 0 && !actor.HasRole(a.ToRole) {
		return failures.InvalidState("assignment %s waits to be claimed by role %s", a.ID, a.ToRole)
	}
	prevStatus, prevUpdated := a.Status, a.UpdatedAt
	a.ToUser = actor.ID
	a.UpdatedAt = s.d.now()
	if err := s.d.Assignments.Update(ctx, a, prevStatus, prevUpdated); err != nil {
		return err
	}
	return s.appendHistory(ctx, a, assignment.EventClaim, a.Status, actor.ID, "")
}

// fire applies event to a and persists the result, its history row, its
// events and, for terminal states, the resolution of open violations.
func (s *AssignmentService) fire(ctx context.Context, a *assignment.Assignment, event assignment.Event, in assignment.Input) error {
	now := s.d.now()
	expectedStatus, expectedUpdated := a.Status, a.UpdatedAt

	prev, err := assignment.Apply(a, event, in, now)
	if err != nil {
		return err
	}
	if err := s.d.Assignments.Update(ctx, a, expectedStatus, expectedUpdated); err != nil {
		return err
	}
	if err := s.appendHistory(ctx, a, event, prev, in.Actor, in.Notes); err != nil {
		return err
	}
	if a.Status.Terminal() {
		if _, err := s.d.Violations.ResolveOpen(ctx, escalation.SubjectAssignment, a.ID, now); err != nil {
			return err
		}
	}
	recordTransition(string(event))

	data := s.changed(a, event, prev)
	ev, err := events.New(events.TopicAssignmentTransitioned, events.AggregateAssignment, a.ID, in.Actor, now, data)
	if ev != nil {
		switch a.Status {
		case assignment.StatusDelegated:
			ev.To(events.User(a.DelegatedTo))
		case assignment.StatusPendingApproval, assignment.StatusCancelled:
			ev.To(events.User(a.FromUser))
		}
	}
	if err := s.d.emit(ctx, ev, err); err != nil {
		return err
	}
	if a.Status == assignment.StatusCompleted {
		ev, err := events.New(events.TopicAssignmentCompleted, events.AggregateAssignment, a.ID, in.Actor, now, data)
		if ev != nil {
			ev.To(events.User(a.FromUser))
		}
		if err := s.d.emit(ctx, ev, err); err != nil {
			return err
		}
	}

	composables.UseLogger(ctx).WithFields(logrus.Fields{
		"assignment_id": a.ID,
		"event":         event,
		"from":          prev,
		"to":            a.Status,
	}).Info("assignment transitioned")
	return nil
}

func (s *AssignmentService) changed(a *assignment.Assignment, event assignment.Event, prev assignment.Status) events.AssignmentChanged {
	return events.AssignmentChanged{
		AssignmentID:   a.ID,
		AssignmentType: a.AssignmentType,
		Event:          string(event),
		PreviousStatus: string(prev),
		NewStatus:      string(a.Status),
		ContextType:    a.ContextType,
		ContextRef:     a.ContextRef,
	}
}

func (s *AssignmentService) appendHistory(ctx context.Context, a *assignment.Assignment, event assignment.Event, prev assignment.Status, actor, reason string) error {
	return s.d.Assignments.AppendHistory(ctx, &assignment.History{
		ID:             uuid.New(),
		AssignmentID:   a.ID,
		Event:          string(event),
		PreviousStatus: prev,
		NewStatus:      a.Status,
		Actor:          actor,
		Reason:         reason,
		CreatedAt:      s.d.now(),
	})
}

// openFor lists the non-terminal assignments of workType pointing at ref.
func (s *AssignmentService) openFor(ctx context.Context, contextType, ref, workType string) ([]*assignment.Assignment, error) {
	return s.d.Assignments.List(ctx, assignment.Filter{
		ContextType: contextType,
		ContextRef:  ref,
		Type:        workType,
		ActiveOnly:  true,
	})
}

// cancelOpen cancels every open assignment of workType pointing at ref.
func (s *AssignmentService) cancelOpen(ctx context.Context, contextType, ref, workType, actor, reason string) error {
	open, err := s.openFor(ctx, contextType, ref, workType)
	if err != nil {
		return err
	}
	for _, a := range open {
		if err := s.fire(ctx, a, assignment.EventCancel, assignment.Input{Actor: actor, Notes: reason}); err != nil {
			return err
		}
	}
	return nil
}

// completeOpen drives every open assignment of workType pointing at ref to
// Completed through the regular transitions.
func (s *AssignmentService) completeOpen(ctx context.Context, contextType, ref, workType, actor, notes string) error {
	open, err := s.openFor(ctx, contextType, ref, workType)
	if err != nil {
		return err
	}
	for _, a := range open {
		if err := s.finish(ctx, a, actor, notes); err != nil {
			return err
		}
	}
	return nil
}

func (s *AssignmentService) finish(ctx context.Context, a *assignment.Assignment, actor, notes string) error {
	in := assignment.Input{Actor: actor, Notes: notes}
	if a.Status == assignment.StatusPendingApproval {
		return s.fire(ctx, a, assignment.EventApprove, in)
	}
	if a.Status == assignment.StatusOnHold {
		if err := s.fire(ctx, a, assignment.EventResume, assignment.Input{Actor: actor}); err != nil {
			return err
		}
	}
	if !assignment.Allowed(a.Status, assignment.EventComplete) {
		if err := s.fire(ctx, a, assignment.EventStart, assignment.Input{Actor: actor}); err != nil {
			return err
		}
	}
	if err := s.fire(ctx, a, assignment.EventComplete, in); err != nil {
		return err
	}
	if a.Status == assignment.StatusPendingApproval {
		return s.fire(ctx, a, assignment.EventApprove, in)
	}
	return nil
}

func (s *AssignmentService) Get(ctx context.Context, id uuid.UUID) (*assignment.Assignment, error) {
	return s.d.Assignments.Get(ctx, id)
}

func (s *AssignmentService) List(ctx context.Context, filter assignment.Filter) ([]*assignment.Assignment, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, failures.Invalid("status", "unknown status %q", st)
		}
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}
	return s.d.Assignments.List(ctx, filter)
}

func (s *AssignmentService) History(ctx context.Context, id uuid.UUID) ([]*assignment.History, error) {
	if _, err := s.d.Assignments.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.d.Assignments.History(ctx, id)
}

// Aggregate counts the assignments of a context type per status. Every
// status is present in the result.
func (s *AssignmentService) Aggregate(ctx context.Context, contextType string) (map[assignment.Status]int, error) {
	counts, err := s.d.Assignments.CountByStatus(ctx, contextType)
	if err != nil {
		return nil, err
	}
	out := make(map[assignment.Status]int, len(assignment.AllStatuses))
	for _, st := range assignment.AllStatuses {
		out[st] = counts[st]
	}
	return out, nil
}
