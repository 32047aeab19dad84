package controllers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/iota-uz/regflow/modules/workflow/domain/version"
	"github.com/iota-uz/regflow/modules/workflow/services"
)

type createVersionRequest struct {
	EntityType       string          `json:"entity_type" validate:"required"`
	BusinessKey      string          `json:"business_key" validate:"required"`
	Payload          json.RawMessage `json:"payload" validate:"required"`
	ChangeReason     string          `json:"change_reason"`
	ExpectedParentID *uuid.UUID      `json:"expected_parent_id"`
}

func (c *WorkflowAPIController) CreateVersion(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createVersionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := c.versions.Create(r.Context(), services.CreateVersionInput{
		EntityType:     req.EntityType,
		BusinessKey:    req.BusinessKey,
		Payload:        req.Payload,
		Actor:          actor.ID,
		ChangeReason:   req.ChangeReason,
		ExpectedParent: req.ExpectedParentID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (c *WorkflowAPIController) GetVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	v, err := c.versions.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (c *WorkflowAPIController) ListDecisions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	decisions, err := c.versions.ListDecisions(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	type decisionsResponse struct {
		VersionID uuid.UUID                 `json:"version_id"`
		Decisions []*version.DecisionRecord `json:"decisions"`
	}
	if decisions == nil {
		decisions = []*version.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, decisionsResponse{VersionID: id, Decisions: decisions})
}

type reviseVersionRequest struct {
	Patch        json.RawMessage `json:"patch" validate:"required"`
	ChangeReason string          `json:"change_reason"`
}

func (c *WorkflowAPIController) ReviseVersion(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reviseVersionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := c.versions.Revise(r.Context(), id, req.Patch, actor.ID, req.ChangeReason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

type decisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=accepted rejected"`
	Reason   string `json:"reason"`
}

func (c *WorkflowAPIController) PreparerDecision(w http.ResponseWriter, r *http.Request) {
	c.decide(w, r, c.decisions.RecordPreparerDecision)
}

func (c *WorkflowAPIController) ApproverDecision(w http.ResponseWriter, r *http.Request) {
	c.decide(w, r, c.decisions.RecordApproverDecision)
}

func (c *WorkflowAPIController) decide(
	w http.ResponseWriter,
	r *http.Request,
	record func(ctx context.Context, id uuid.UUID, in services.DecisionInput) (*version.Version, error),
) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	decision, _ := version.ParseDecision(req.Decision)
	v, err := record(r.Context(), id, services.DecisionInput{
		Decision: decision,
		Reason:   req.Reason,
		Actor:    actor.ID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func recordKey(r *http.Request) version.Key {
	vars := mux.Vars(r)
	return version.Key{EntityType: vars["entity_type"], BusinessKey: vars["business_key"]}
}

func (c *WorkflowAPIController) GetLatest(w http.ResponseWriter, r *http.Request) {
	v, err := c.versions.GetLatest(r.Context(), recordKey(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (c *WorkflowAPIController) GetApproved(w http.ResponseWriter, r *http.Request) {
	v, err := c.versions.GetApproved(r.Context(), recordKey(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (c *WorkflowAPIController) ListHistory(w http.ResponseWriter, r *http.Request) {
	before, ok := queryInt(w, r, "cursor")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	items, err := c.versions.ListHistory(r.Context(), recordKey(r), before, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	type historyResponse struct {
		Items      []*version.Version `json:"items"`
		NextCursor int                `json:"next_cursor,omitempty"`
	}
	resp := historyResponse{Items: items}
	if resp.Items == nil {
		resp.Items = []*version.Version{}
	}
	if n := len(items); n > 0 && items[n-1].VersionNumber > 1 {
		resp.NextCursor = items[n-1].VersionNumber
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *WorkflowAPIController) Diff(w http.ResponseWriter, r *http.Request) {
	from, errFrom := uuid.Parse(r.URL.Query().Get("from"))
	to, errTo := uuid.Parse(r.URL.Query().Get("to"))
	if errFrom != nil || errTo != nil {
		writeAPIError(w, r, http.StatusBadRequest, "WORKFLOW_INVALID_QUERY", "from and to must be version uuids")
		return
	}
	patch, err := c.versions.Diff(r.Context(), recordKey(r), from, to)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	type diffResponse struct {
		From       uuid.UUID `json:"from"`
		To         uuid.UUID `json:"to"`
		Operations any       `json:"operations"`
	}
	ops := any(patch)
	if patch == nil {
		ops = []any{}
	}
	writeJSON(w, http.StatusOK, diffResponse{From: from, To: to, Operations: ops})
}
