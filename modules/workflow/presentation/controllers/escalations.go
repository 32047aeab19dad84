package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/iota-uz/regflow/modules/workflow/domain/escalation"
	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/domain/phase"
	"github.com/iota-uz/regflow/modules/workflow/services"
)

func (c *WorkflowAPIController) ListEscalations(w http.ResponseWriter, r *http.Request) {
	unacked, ok := queryBool(w, r, "unacknowledged")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	items, err := c.escalations.Active(r.Context(), escalation.Filter{
		SubjectType:    escalation.SubjectType(r.URL.Query().Get("subject_type")),
		WorkType:       r.URL.Query().Get("work_type"),
		Unacknowledged: unacked,
		Limit:          limit,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []*escalation.Violation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (c *WorkflowAPIController) AcknowledgeEscalation(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	v, err := c.escalations.Acknowledge(r.Context(), id, actor.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type upsertPhaseRequest struct {
	PhaseKey    string    `json:"phase_key" validate:"required"`
	Name        string    `json:"name" validate:"required"`
	ContextType string    `json:"context_type"`
	ContextRef  string    `json:"context_ref"`
	OwnerRole   string    `json:"owner_role" validate:"required"`
	WorkType    string    `json:"work_type" validate:"required"`
	DueDate     time.Time `json:"due_date" validate:"required"`
}

func (c *WorkflowAPIController) UpsertPhase(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	var req upsertPhaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := c.phases.Upsert(r.Context(), services.UpsertPhaseInput{
		PhaseKey:    req.PhaseKey,
		Name:        req.Name,
		ContextType: req.ContextType,
		ContextRef:  req.ContextRef,
		OwnerRole:   req.OwnerRole,
		WorkType:    req.WorkType,
		DueDate:     req.DueDate,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (c *WorkflowAPIController) ListPhases(w http.ResponseWriter, r *http.Request) {
	open, ok := queryBool(w, r, "open")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	items, err := c.phases.List(r.Context(), phase.Filter{
		ContextType: r.URL.Query().Get("context_type"),
		OpenOnly:    open,
		Limit:       limit,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []*phase.Deadline{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (c *WorkflowAPIController) CompletePhase(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := c.phases.Complete(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListNotifications reads the inbox of the caller, or of one of the caller's
// roles with ?recipient=role:<name>.
func (c *WorkflowAPIController) ListNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if c.inbox == nil {
		writeAPIError(w, r, http.StatusServiceUnavailable, "WORKFLOW_INBOX_DISABLED", "notification inbox is not configured")
		return
	}

	rc := events.User(actor.ID)
	if raw := r.URL.Query().Get("recipient"); raw != "" {
		kind, id, found := strings.Cut(raw, ":")
		if !found || id == "" {
			writeAPIError(w, r, http.StatusBadRequest, "WORKFLOW_INVALID_QUERY", "recipient must be user:<id> or role:<name>")
			return
		}
		switch events.RecipientKind(kind) {
		case events.RecipientUser:
			rc = events.User(id)
		case events.RecipientRole:
			rc = events.Role(id)
		default:
			writeAPIError(w, r, http.StatusBadRequest, "WORKFLOW_INVALID_QUERY", "recipient must be user:<id> or role:<name>")
			return
		}
	}
	if (rc.Kind == events.RecipientUser && rc.ID != actor.ID) || (rc.Kind == events.RecipientRole && !actor.HasRole(rc.ID)) {
		writeAPIError(w, r, http.StatusForbidden, "WORKFLOW_FORBIDDEN", "cannot read another recipient's notifications")
		return
	}

	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	items, err := c.inbox.List(r.Context(), rc, int64(limit))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	type notificationsResponse struct {
		Recipient events.Recipient `json:"recipient"`
		Items     any              `json:"items"`
	}
	resp := notificationsResponse{Recipient: rc, Items: items}
	if len(items) == 0 {
		resp.Items = []any{}
	}
	writeJSON(w, http.StatusOK, resp)
}
