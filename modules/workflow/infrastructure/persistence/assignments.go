package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/regflow/modules/workflow/domain/assignment"
	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
	"github.com/iota-uz/regflow/pkg/repo"
)

const (
	assignmentsTable = "workflow_assignments"
	historyTable     = "workflow_assignment_history"
)

var assignmentFields = []string{
	"id", "assignment_type", "from_role", "to_role", "from_user", "to_user",
	"context_type", "context_ref", "context_data", "status", "hold_from_status", "priority",
	"due_date", "assigned_at", "acknowledged_at", "started_at", "completed_at",
	"requires_approval", "approver_user", "approver_decision", "approver_notes", "approver_at",
	"completion_notes", "completion_data", "escalated", "escalated_to", "escalation_level",
	"delegated_to", "parent_assignment_id", "warning_sent_at", "created_at", "updated_at",
}

// mutableAssignmentFields is everything but the identity and creation facts.
var mutableAssignmentFields = assignmentFields[5:]

type assignmentRepository struct{ s *Store }

func assignmentArgs(a *assignment.Assignment) []any {
	return []any{
		a.ID, a.AssignmentType, a.FromRole, a.ToRole, a.FromUser, textOrNull(a.ToUser),
		a.ContextType, a.ContextRef, jsonOrNull(a.ContextData), string(a.Status), string(a.HoldFromStatus), string(a.Priority),
		a.DueDate, a.AssignedAt, a.AcknowledgedAt, a.StartedAt, a.CompletedAt,
		a.RequiresApproval, a.ApproverUser, string(a.ApproverDecision), a.ApproverNotes, a.ApproverAt,
		a.CompletionNotes, jsonOrNull(a.CompletionData), a.Escalated, a.EscalatedTo, a.EscalationLevel,
		a.DelegatedTo, a.ParentAssignmentID, a.WarningSentAt, a.CreatedAt, a.UpdatedAt,
	}
}

func scanAssignment(row pgx.Row) (*assignment.Assignment, error) {
	var (
		a                                  assignment.Assignment
		toUser                             *string
		status, holdFrom, priority, appDec string
		contextData, completionData        []byte
	)
	if err := row.Scan(
		&a.ID, &a.AssignmentType, &a.FromRole, &a.ToRole, &a.FromUser, &toUser,
		&a.ContextType, &a.ContextRef, &contextData, &status, &holdFrom, &priority,
		&a.DueDate, &a.AssignedAt, &a.AcknowledgedAt, &a.StartedAt, &a.CompletedAt,
		&a.RequiresApproval, &a.ApproverUser, &appDec, &a.ApproverNotes, &a.ApproverAt,
		&a.CompletionNotes, &completionData, &a.Escalated, &a.EscalatedTo, &a.EscalationLevel,
		&a.DelegatedTo, &a.ParentAssignmentID, &a.WarningSentAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.ToUser = deref(toUser)
	a.Status = assignment.Status(status)
	a.HoldFromStatus = assignment.Status(holdFrom)
	a.Priority = assignment.Priority(priority)
	a.ApproverDecision = assignment.ApprovalDecision(appDec)
	a.ContextData = contextData
	a.CompletionData = completionData
	a.AssignedAt = a.AssignedAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.DueDate = utc(a.DueDate)
	a.AcknowledgedAt = utc(a.AcknowledgedAt)
	a.StartedAt = utc(a.StartedAt)
	a.CompletedAt = utc(a.CompletedAt)
	a.ApproverAt = utc(a.ApproverAt)
	a.WarningSentAt = utc(a.WarningSentAt)
	return &a, nil
}

func (r *assignmentRepository) Insert(ctx context.Context, a *assignment.Assignment) error {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, repo.Insert(assignmentsTable, assignmentFields), assignmentArgs(a)...)
	return mapPgError("insert workflow_assignments", err)
}

func (r *assignmentRepository) Get(ctx context.Context, id uuid.UUID) (*assignment.Assignment, error) {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, repo.Join("SELECT", columnList(assignmentFields), "FROM", assignmentsTable, "WHERE id = $1"), id)
	a, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, failures.NotFound("assignment", id.String())
	}
	if err != nil {
		return nil, mapPgError("get assignment", err)
	}
	return a, nil
}

func (r *assignmentRepository) Update(ctx context.Context, a *assignment.Assignment, expectedStatus assignment.Status, expectedUpdatedAt time.Time) error {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return err
	}
	args := assignmentArgs(a)[5:]
	n := len(mutableAssignmentFields)
	query := repo.Update(assignmentsTable, mutableAssignmentFields,
		fmt.Sprintf("id = $%d", n+1),
		fmt.Sprintf("status = $%d", n+2),
		fmt.Sprintf("updated_at = $%d", n+3),
	)
	args = append(args, a.ID, string(expectedStatus), expectedUpdatedAt)
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return mapPgError("update workflow_assignments", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.Get(ctx, a.ID); err != nil {
		return err
	}
	return failures.ErrConcurrentUpdate
}

func buildAssignmentFilters(f assignment.Filter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.ActiveOnly {
		where = append(where, "status NOT IN ('Completed', 'Cancelled')")
	}
	if f.WithDueDate {
		where = append(where, "due_date IS NOT NULL")
	}
	if f.Role != "" {
		add("to_role = $%d", f.Role)
	}
	if f.ContextType != "" {
		add("context_type = $%d", f.ContextType)
	}
	if f.ContextRef != "" {
		add("context_ref = $%d", f.ContextRef)
	}
	if f.Type != "" {
		add("assignment_type = $%d", f.Type)
	}
	if f.ToUser != "" {
		add("to_user = $%d", f.ToUser)
	}
	if f.After != nil {
		add("id > $%d", *f.After)
	}
	return where, args
}

func (r *assignmentRepository) List(ctx context.Context, filter assignment.Filter) ([]*assignment.Assignment, error) {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return nil, err
	}
	where, args := buildAssignmentFilters(filter)
	rows, err := tx.Query(ctx, repo.Join(
		"SELECT", columnList(assignmentFields),
		"FROM", assignmentsTable,
		repo.JoinWhere(where...),
		"ORDER BY id",
		repo.FormatLimitOffset(filter.Limit, 0),
	), args...)
	if err != nil {
		return nil, mapPgError("list assignments", err)
	}
	defer rows.Close()

	var out []*assignment.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan assignment")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "list assignments")
}

func (r *assignmentRepository) AppendHistory(ctx context.Context, h *assignment.History) error {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return err
	}
	fields := []string{"id", "assignment_id", "event", "previous_status", "new_status", "actor", "reason", "created_at"}
	_, err = tx.Exec(ctx, repo.Insert(historyTable, fields),
		h.ID, h.AssignmentID, h.Event, string(h.PreviousStatus), string(h.NewStatus), h.Actor, h.Reason, h.CreatedAt,
	)
	return mapPgError("insert workflow_assignment_history", err)
}

func (r *assignmentRepository) History(ctx context.Context, assignmentID uuid.UUID) ([]*assignment.History, error) {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, repo.Join(
		"SELECT id, assignment_id, event, previous_status, new_status, actor, reason, created_at",
		"FROM", historyTable, "WHERE assignment_id = $1 ORDER BY seq",
	), assignmentID)
	if err != nil {
		return nil, mapPgError("list assignment history", err)
	}
	defer rows.Close()

	var out []*assignment.History
	for rows.Next() {
		var (
			h               assignment.History
			prev, newStatus string
		)
		if err := rows.Scan(&h.ID, &h.AssignmentID, &h.Event, &prev, &newStatus, &h.Actor, &h.Reason, &h.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan assignment history")
		}
		h.PreviousStatus = assignment.Status(prev)
		h.NewStatus = assignment.Status(newStatus)
		h.CreatedAt = h.CreatedAt.UTC()
		out = append(out, &h)
	}
	return out, errors.Wrap(rows.Err(), "list assignment history")
}

func (r *assignmentRepository) CountByStatus(ctx context.Context, contextType string) (map[assignment.Status]int, error) {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, repo.Join(
		"SELECT status, COUNT(1) FROM", assignmentsTable,
		"WHERE ($1 = '' OR context_type = $1) GROUP BY status",
	), contextType)
	if err != nil {
		return nil, mapPgError("count assignments", err)
	}
	defer rows.Close()

	out := map[assignment.Status]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan assignment count")
		}
		out[assignment.Status(status)] = n
	}
	return out, errors.Wrap(rows.Err(), "count assignments")
}
