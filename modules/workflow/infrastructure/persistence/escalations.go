package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/regflow/modules/workflow/domain/escalation"
	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
	"github.com/iota-uz/regflow/modules/workflow/domain/phase"
	"github.com/iota-uz/regflow/pkg/repo"
)

const (
	violationsTable = "workflow_sla_violations"
	phasesTable     = "workflow_phase_deadlines"
)

var violationFields = []string{
	"id", "subject_type", "subject_id", "work_type", "breached_at",
	"current_escalation_level", "escalation_count", "last_escalated_at",
	"escalated_to_user", "escalated_to_role", "is_resolved", "resolved_at",
	"acknowledged_by", "acknowledged_at", "created_at",
}

type violationRepository struct{ s *Store }

func scanViolation(row pgx.Row) (*escalation.Violation, error) {
	var (
		v       escalation.Violation
		subject string
	)
	if err := row.Scan(
		&v.ID, &subject, &v.SubjectID, &v.WorkType, &v.BreachedAt,
		&v.CurrentEscalationLevel, &v.EscalationCount, &v.LastEscalatedAt,
		&v.EscalatedToUser, &v.EscalatedToRole, &v.IsResolved, &v.ResolvedAt,
		&v.AcknowledgedBy, &v.AcknowledgedAt, &v.CreatedAt,
	); err != nil {
		return nil, err
	}
	v.SubjectType = escalation.SubjectType(subject)
	v.BreachedAt = v.BreachedAt.UTC()
	v.CreatedAt = v.CreatedAt.UTC()
	v.LastEscalatedAt = utc(v.LastEscalatedAt)
	v.ResolvedAt = utc(v.ResolvedAt)
	v.AcknowledgedAt = utc(v.AcknowledgedAt)
	return &v, nil
}

func (r *violationRepository) query(ctx context.Context, op, query string, args ...any) ([]*escalation.Violation, error) {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError(op, err)
	}
	defer rows.Close()

	var out []*escalation.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, errors.Wrap(err, op)
		}
		out = append(out, v)
	}
	return out, errors.Wrap(rows.Err(), op)
}

func (r *violationRepository) Open(ctx context.Context, subject escalation.SubjectType, subjectID uuid.UUID) (*escalation.Violation, error) {
	vs, err := r.query(ctx, "open violation", repo.Join(
		"SELECT", columnList(violationFields), "FROM", violationsTable,
		"WHERE subject_type = $1 AND subject_id = $2 AND NOT is_resolved",
	), string(subject), subjectID)
	if err != nil || len(vs) == 0 {
		return nil, err
	}
	return vs[0], nil
}

func (r *violationRepository) Insert(ctx context.Context, v *escalation.Violation) error {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, repo.Insert(violationsTable, violationFields),
		v.ID, string(v.SubjectType), v.SubjectID, v.WorkType, v.BreachedAt,
		v.CurrentEscalationLevel, v.EscalationCount, v.LastEscalatedAt,
		v.EscalatedToUser, v.EscalatedToRole, v.IsResolved, v.ResolvedAt,
		v.AcknowledgedBy, v.AcknowledgedAt, v.CreatedAt,
	)
	return mapPgError("insert workflow_sla_violations", err)
}

func (r *violationRepository) UpdateLevel(ctx context.Context, v *escalation.Violation, expectedLevel int) error {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, repo.Join(
		"UPDATE", violationsTable,
		"SET current_escalation_level = $1, escalation_count = $2, last_escalated_at = $3,",
		"escalated_to_user = $4, escalated_to_role = $5",
		"WHERE id = $6 AND current_escalation_level = $7 AND NOT is_resolved",
	), v.CurrentEscalationLevel, v.EscalationCount, v.LastEscalatedAt,
		v.EscalatedToUser, v.EscalatedToRole, v.ID, expectedLevel)
	if err != nil {
		return mapPgError("update violation level", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.Get(ctx, v.ID); err != nil {
		return err
	}
	return failures.ErrConcurrentUpdate
}

func (r *violationRepository) ResolveOpen(ctx context.Context, subject escalation.SubjectType, subjectID uuid.UUID, at time.Time) (bool, error) {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, repo.Join(
		"UPDATE", violationsTable, "SET is_resolved = true, resolved_at = $1",
		"WHERE subject_type = $2 AND subject_id = $3 AND NOT is_resolved",
	), at, string(subject), subjectID)
	if err != nil {
		return false, mapPgError("resolve violation", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *violationRepository) Get(ctx context.Context, id uuid.UUID) (*escalation.Violation, error) {
	vs, err := r.query(ctx, "get violation", repo.Join(
		"SELECT", columnList(violationFields), "FROM", violationsTable, "WHERE id = $1",
	), id)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, failures.NotFound("escalation", id.String())
	}
	return vs[0], nil
}

func (r *violationRepository) Active(ctx context.Context, f escalation.Filter) ([]*escalation.Violation, error) {
	where := []string{"NOT is_resolved"}
	var args []any
	if f.SubjectType != "" {
		args = append(args, string(f.SubjectType))
		where = append(where, fmt.Sprintf("subject_type = $%d", len(args)))
	}
	if f.WorkType != "" {
		args = append(args, f.WorkType)
		where = append(where, fmt.Sprintf("work_type = $%d", len(args)))
	}
	if f.Unacknowledged {
		where = append(where, "acknowledged_by = ''")
	}
	return r.query(ctx, "active violations", repo.Join(
		"SELECT", columnList(violationFields), "FROM", violationsTable,
		repo.JoinWhere(where...),
		"ORDER BY breached_at DESC, id",
		repo.FormatLimitOffset(f.Limit, 0),
	), args...)
}

func (r *violationRepository) Acknowledge(ctx context.Context, id uuid.UUID, actor string, at time.Time) error {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, repo.Join(
		"UPDATE", violationsTable, "SET acknowledged_by = $1, acknowledged_at = $2",
		"WHERE id = $3 AND acknowledged_by = ''",
	), actor, at, id)
	if err != nil {
		return mapPgError("acknowledge violation", err)
	}
	if tag.RowsAffected() == 0 {
		_, err := r.Get(ctx, id)
		return err
	}
	return nil
}

var phaseFields = []string{
	"id", "phase_key", "name", "context_type", "context_ref", "owner_role",
	"work_type", "due_date", "completed_at", "created_at", "updated_at",
}

type phaseRepository struct{ s *Store }

func scanPhase(row pgx.Row) (*phase.Deadline, error) {
	var d phase.Deadline
	if err := row.Scan(
		&d.ID, &d.PhaseKey, &d.Name, &d.ContextType, &d.ContextRef, &d.OwnerRole,
		&d.WorkType, &d.DueDate, &d.CompletedAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.DueDate = d.DueDate.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	d.CompletedAt = utc(d.CompletedAt)
	return &d, nil
}

func (r *phaseRepository) Upsert(ctx context.Context, d *phase.Deadline) (*phase.Deadline, error) {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return nil, err
	}
	query := repo.Join(
		repo.Insert(phasesTable, phaseFields),
		"ON CONFLICT (phase_key) DO UPDATE SET",
		"name = EXCLUDED.name, context_type = EXCLUDED.context_type, context_ref = EXCLUDED.context_ref,",
		"owner_role = EXCLUDED.owner_role, work_type = EXCLUDED.work_type, due_date = EXCLUDED.due_date,",
		"updated_at = EXCLUDED.updated_at",
		"RETURNING", columnList(phaseFields),
	)
	out, err := scanPhase(tx.QueryRow(ctx, query,
		d.ID, d.PhaseKey, d.Name, d.ContextType, d.ContextRef, d.OwnerRole,
		d.WorkType, d.DueDate, d.CompletedAt, d.CreatedAt, d.UpdatedAt,
	))
	if err != nil {
		return nil, mapPgError("upsert workflow_phase_deadlines", err)
	}
	return out, nil
}

func (r *phaseRepository) Get(ctx context.Context, id uuid.UUID) (*phase.Deadline, error) {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return nil, err
	}
	d, err := scanPhase(tx.QueryRow(ctx, repo.Join("SELECT", columnList(phaseFields), "FROM", phasesTable, "WHERE id = $1"), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, failures.NotFound("phase", id.String())
	}
	if err != nil {
		return nil, mapPgError("get phase", err)
	}
	return d, nil
}

func (r *phaseRepository) List(ctx context.Context, f phase.Filter) ([]*phase.Deadline, error) {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if f.OpenOnly {
		where = append(where, "completed_at IS NULL")
	}
	if f.ContextType != "" {
		args = append(args, f.ContextType)
		where = append(where, fmt.Sprintf("context_type = $%d", len(args)))
	}
	rows, err := tx.Query(ctx, repo.Join(
		"SELECT", columnList(phaseFields), "FROM", phasesTable,
		repo.JoinWhere(where...),
		"ORDER BY due_date, phase_key",
		repo.FormatLimitOffset(f.Limit, 0),
	), args...)
	if err != nil {
		return nil, mapPgError("list phases", err)
	}
	defer rows.Close()

	var out []*phase.Deadline
	for rows.Next() {
		d, err := scanPhase(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan phase")
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "list phases")
}

func (r *phaseRepository) Complete(ctx context.Context, id uuid.UUID, at time.Time) error {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, repo.Join(
		"UPDATE", phasesTable, "SET completed_at = $1, updated_at = $1",
		"WHERE id = $2 AND completed_at IS NULL",
	), at, id)
	if err != nil {
		return mapPgError("complete phase", err)
	}
	if tag.RowsAffected() == 0 {
		_, err := r.Get(ctx, id)
		return err
	}
	return nil
}
