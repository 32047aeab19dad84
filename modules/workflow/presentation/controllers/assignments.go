package controllers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/regflow/modules/workflow/domain/assignment"
	"github.com/iota-uz/regflow/modules/workflow/services"
)

type createAssignmentRequest struct {
	AssignmentType     string          `json:"assignment_type" validate:"required"`
	FromRole           string          `json:"from_role"`
	ToRole             string          `json:"to_role" validate:"required"`
	ToUser             string          `json:"to_user"`
	ContextType        string          `json:"context_type" validate:"required"`
	ContextRef         string          `json:"context_ref"`
	ContextData        json.RawMessage `json:"context_data"`
	Priority           string          `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	DueDate            *time.Time      `json:"due_date"`
	RequiresApproval   bool            `json:"requires_approval"`
	ParentAssignmentID *uuid.UUID      `json:"parent_assignment_id"`
}

func (c *WorkflowAPIController) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createAssignmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := c.assignments.Create(r.Context(), actor, services.CreateAssignmentInput{
		AssignmentType:     req.AssignmentType,
		FromRole:           req.FromRole,
		ToRole:             req.ToRole,
		FromUser:           actor.ID,
		ToUser:             req.ToUser,
		ContextType:        req.ContextType,
		ContextRef:         req.ContextRef,
		ContextData:        req.ContextData,
		Priority:           assignment.Priority(req.Priority),
		DueDate:            req.DueDate,
		RequiresApproval:   req.RequiresApproval,
		ParentAssignmentID: req.ParentAssignmentID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (c *WorkflowAPIController) ListAssignments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := assignment.Filter{
		Role:        q.Get("role"),
		ContextType: q.Get("context_type"),
		ContextRef:  q.Get("context_ref"),
		Type:        q.Get("type"),
		ToUser:      q.Get("to_user"),
	}
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.Statuses = append(filter.Statuses, assignment.Status(s))
			}
		}
	}
	active, ok := queryBool(w, r, "active")
	if !ok {
		return
	}
	filter.ActiveOnly = active
	if after := q.Get("after"); after != "" {
		id, err := uuid.Parse(after)
		if err != nil {
			writeAPIError(w, r, http.StatusBadRequest, "WORKFLOW_INVALID_QUERY", "after must be an assignment uuid")
			return
		}
		filter.After = &id
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	filter.Limit = limit

	items, err := c.assignments.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	type listResponse struct {
		Items []*assignment.Assignment `json:"items"`
		After *uuid.UUID               `json:"after,omitempty"`
	}
	resp := listResponse{Items: items}
	if resp.Items == nil {
		resp.Items = []*assignment.Assignment{}
	}
	if n := len(items); n > 0 {
		resp.After = &items[n-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *WorkflowAPIController) AggregateAssignments(w http.ResponseWriter, r *http.Request) {
	contextType := r.URL.Query().Get("context_type")
	if contextType == "" {
		writeAPIError(w, r, http.StatusBadRequest, "WORKFLOW_INVALID_QUERY", "context_type is required")
		return
	}
	counts, err := c.assignments.Aggregate(r.Context(), contextType)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	type aggregateResponse struct {
		ContextType string                    `json:"context_type"`
		Total       int                       `json:"total"`
		ByStatus    map[assignment.Status]int `json:"by_status"`
	}
	writeJSON(w, http.StatusOK, aggregateResponse{ContextType: contextType, Total: total, ByStatus: counts})
}

func (c *WorkflowAPIController) GetAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := c.assignments.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	type assignmentResponse struct {
		*assignment.Assignment
		AvailableEvents []assignment.Event `json:"available_events"`
	}
	writeJSON(w, http.StatusOK, assignmentResponse{Assignment: a, AvailableEvents: assignment.AvailableEvents(a.Status)})
}

func (c *WorkflowAPIController) AssignmentHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	items, err := c.assignments.History(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []*assignment.History{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignment_id": id, "items": items})
}

type transitionRequest struct {
	Event          string          `json:"event" validate:"required"`
	Notes          string          `json:"notes"`
	DelegateTo     string          `json:"delegate_to"`
	CompletionData json.RawMessage `json:"completion_data"`
}

func (c *WorkflowAPIController) TransitionAssignment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	event, known := assignment.ParseEvent(req.Event)
	if !known {
		writeAPIError(w, r, http.StatusUnprocessableEntity, "WORKFLOW_VALIDATION", "event: unknown event "+req.Event)
		return
	}
	a, err := c.assignments.Transition(r.Context(), id, actor, services.TransitionInput{
		Event:          event,
		Notes:          req.Notes,
		DelegateTo:     req.DelegateTo,
		CompletionData: req.CompletionData,
	})
	c.writeAssignment(w, r, a, err)
}

type completeRequest struct {
	Notes          string          `json:"notes"`
	CompletionData json.RawMessage `json:"completion_data"`
}

func (c *WorkflowAPIController) CompleteAssignment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := c.assignments.Complete(r.Context(), id, actor, req.Notes, req.CompletionData)
	c.writeAssignment(w, r, a, err)
}

type approvalRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	Notes    string `json:"notes"`
}

func (c *WorkflowAPIController) DecideApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req approvalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := c.assignments.DecideApproval(r.Context(), id, actor, assignment.ApprovalDecision(req.Decision), req.Notes)
	c.writeAssignment(w, r, a, err)
}

func (c *WorkflowAPIController) writeAssignment(w http.ResponseWriter, r *http.Request, a *assignment.Assignment, err error) {
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

