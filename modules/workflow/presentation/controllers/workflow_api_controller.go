package controllers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/iota-uz/regflow/modules/workflow/domain/events"
	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
	"github.com/iota-uz/regflow/modules/workflow/infrastructure/inbox"
	"github.com/iota-uz/regflow/modules/workflow/services"
	"github.com/iota-uz/regflow/pkg/application"
	"github.com/iota-uz/regflow/pkg/composables"
	"github.com/iota-uz/regflow/pkg/httpapi"
	"github.com/iota-uz/regflow/pkg/middleware"
)

const APIPrefix = "/workflow/api"

// NotificationReader reads the pull inbox of a user or a role.
type NotificationReader interface {
	List(ctx context.Context, rc events.Recipient, limit int64) ([]inbox.Notification, error)
}

type WorkflowAPIController struct {
	versions    *services.VersionService
	decisions   *services.DecisionService
	assignments *services.AssignmentService
	escalations *services.EscalationService
	phases      *services.PhaseService
	inbox       NotificationReader
	apiPrefix   string
}

// NewWorkflowAPIController wires the registered workflow services. notifications
// may be nil, in which case the inbox endpoint answers 503.
func NewWorkflowAPIController(app application.Application, notifications NotificationReader) application.Controller {
	return &WorkflowAPIController{
		versions:    app.Service(services.VersionService{}).(*services.VersionService),
		decisions:   app.Service(services.DecisionService{}).(*services.DecisionService),
		assignments: app.Service(services.AssignmentService{}).(*services.AssignmentService),
		escalations: app.Service(services.EscalationService{}).(*services.EscalationService),
		phases:      app.Service(services.PhaseService{}).(*services.PhaseService),
		inbox:       notifications,
		apiPrefix:   APIPrefix,
	}
}

func (c *WorkflowAPIController) Key() string {
	return c.apiPrefix
}

func (c *WorkflowAPIController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()
	api.Use(middleware.WithActor())

	api.HandleFunc("/versions", c.instrumentAPI("versions.create", c.CreateVersion)).Methods(http.MethodPost)
	api.HandleFunc("/versions/{id}", c.instrumentAPI("versions.get", c.GetVersion)).Methods(http.MethodGet)
	api.HandleFunc("/versions/{id}/decisions", c.instrumentAPI("versions.decisions", c.ListDecisions)).Methods(http.MethodGet)
	api.HandleFunc("/versions/{id}:revise", c.instrumentAPI("versions.revise", c.ReviseVersion)).Methods(http.MethodPost)
	api.HandleFunc("/versions/{id}:preparer-decision", c.instrumentAPI("versions.preparer_decision", c.PreparerDecision)).Methods(http.MethodPost)
	api.HandleFunc("/versions/{id}:approver-decision", c.instrumentAPI("versions.approver_decision", c.ApproverDecision)).Methods(http.MethodPost)

	api.HandleFunc("/records/{entity_type}/{business_key}/latest", c.instrumentAPI("records.latest", c.GetLatest)).Methods(http.MethodGet)
	api.HandleFunc("/records/{entity_type}/{business_key}/approved", c.instrumentAPI("records.approved", c.GetApproved)).Methods(http.MethodGet)
	api.HandleFunc("/records/{entity_type}/{business_key}/history", c.instrumentAPI("records.history", c.ListHistory)).Methods(http.MethodGet)
	api.HandleFunc("/records/{entity_type}/{business_key}/diff", c.instrumentAPI("records.diff", c.Diff)).Methods(http.MethodGet)

	api.HandleFunc("/assignments", c.instrumentAPI("assignments.create", c.CreateAssignment)).Methods(http.MethodPost)
	api.HandleFunc("/assignments", c.instrumentAPI("assignments.list", c.ListAssignments)).Methods(http.MethodGet)
	api.HandleFunc("/assignments/aggregate", c.instrumentAPI("assignments.aggregate", c.AggregateAssignments)).Methods(http.MethodGet)
	api.HandleFunc("/assignments/{id}", c.instrumentAPI("assignments.get", c.GetAssignment)).Methods(http.MethodGet)
	api.HandleFunc("/assignments/{id}/history", c.instrumentAPI("assignments.history", c.AssignmentHistory)).Methods(http.MethodGet)
	api.HandleFunc("/assignments/{id}:transition", c.instrumentAPI("assignments.transition", c.TransitionAssignment)).Methods(http.MethodPost)
	api.HandleFunc("/assignments/{id}:complete", c.instrumentAPI("assignments.complete", c.CompleteAssignment)).Methods(http.MethodPost)
	api.HandleFunc("/assignments/{id}:approval", c.instrumentAPI("assignments.approval", c.DecideApproval)).Methods(http.MethodPost)

	api.HandleFunc("/escalations", c.instrumentAPI("escalations.list", c.ListEscalations)).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{id}:acknowledge", c.instrumentAPI("escalations.acknowledge", c.AcknowledgeEscalation)).Methods(http.MethodPost)

	api.HandleFunc("/phases", c.instrumentAPI("phases.upsert", c.UpsertPhase)).Methods(http.MethodPost)
	api.HandleFunc("/phases", c.instrumentAPI("phases.list", c.ListPhases)).Methods(http.MethodGet)
	api.HandleFunc("/phases/{id}:complete", c.instrumentAPI("phases.complete", c.CompletePhase)).Methods(http.MethodPost)

	api.HandleFunc("/notifications", c.instrumentAPI("notifications.list", c.ListNotifications)).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	_ = httpapi.WriteJSON(w, status, payload)
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	_ = httpapi.WriteRequestError(w, r, status, code, message)
}

// writeServiceError maps the failure taxonomy onto status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		conflict   *failures.ConflictError
		state      *failures.InvalidStateError
		transition *failures.InvalidTransitionError
		notFound   *failures.NotFoundError
		invalid    *failures.ValidationError
	)
	switch {
	case errors.As(err, &conflict):
		writeAPIError(w, r, http.StatusConflict, "WORKFLOW_CONFLICT", conflict.Message)
	case errors.As(err, &transition):
		writeAPIError(w, r, http.StatusConflict, "WORKFLOW_INVALID_TRANSITION", transition.Error())
	case errors.As(err, &state):
		writeAPIError(w, r, http.StatusConflict, "WORKFLOW_INVALID_STATE", state.Message)
	case errors.As(err, &notFound):
		writeAPIError(w, r, http.StatusNotFound, "WORKFLOW_NOT_FOUND", notFound.Error())
	case errors.As(err, &invalid):
		writeAPIError(w, r, http.StatusUnprocessableEntity, "WORKFLOW_VALIDATION", invalid.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeAPIError(w, r, http.StatusServiceUnavailable, "WORKFLOW_UNAVAILABLE", "request was cancelled")
	default:
		composables.UseLogger(r.Context()).WithError(err).Error("workflow request failed")
		writeAPIError(w, r, http.StatusInternalServerError, "WORKFLOW_INTERNAL", "internal error")
	}
}

// decodeBody reports malformed JSON as 400 and failed struct validation as 422.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := httpapi.DecodeJSON(r, dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		writeAPIError(w, r, http.StatusUnprocessableEntity, "WORKFLOW_VALIDATION", strings.Join(httpapi.FieldErrorList(verrs), "; "))
		return false
	}
	writeAPIError(w, r, http.StatusBadRequest, "WORKFLOW_INVALID_BODY", "invalid json body")
	return false
}

func requireActor(w http.ResponseWriter, r *http.Request) (composables.Actor, bool) {
	actor, ok := composables.UseActor(r.Context())
	if !ok || actor.ID == "" {
		writeAPIError(w, r, http.StatusUnauthorized, "WORKFLOW_UNAUTHENTICATED", "actor header "+middleware.ActorIDHeader+" is required")
		return composables.Actor{}, false
	}
	return actor, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "WORKFLOW_INVALID_ID", "id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := composables.GetLastQueryParam(r, key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeAPIError(w, r, http.StatusBadRequest, "WORKFLOW_INVALID_QUERY", key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func queryBool(w http.ResponseWriter, r *http.Request, key string) (bool, bool) {
	raw := composables.GetLastQueryParam(r, key)
	if raw == "" {
		return false, true
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "WORKFLOW_INVALID_QUERY", key+" must be a boolean")
		return false, false
	}
	return b, true
}
