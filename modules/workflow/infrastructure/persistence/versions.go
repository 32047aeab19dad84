package persistence

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
	"github.com/iota-uz/regflow/modules/workflow/domain/version"
	"github.com/iota-uz/regflow/pkg/repo"
)

const (
	versionsTable  = "workflow_versions"
	headsTable     = "workflow_version_heads"
	decisionsTable = "workflow_version_decisions"
)

const versionColumns = `v.id, v.entity_type, v.business_key, v.version_number, v.parent_version_id,
	v.payload, v.change_reason, v.created_by, v.created_at, v.updated_at,
	v.preparer_decision, v.preparer_reason, v.preparer_actor, v.preparer_at,
	v.approver_decision, v.approver_reason, v.approver_actor, v.approver_at,
	v.status, v.auto_approved, (h.version_id IS NOT NULL) AS is_latest`

const versionFrom = `workflow_versions v
	LEFT JOIN workflow_version_heads h ON h.version_id = v.id`

type versionRepository struct{ s *Store }

func scanVersion(row pgx.Row) (*version.Version, error) {
	var (
		v                  version.Version
		payload            []byte
		preparer, approver string
		status             string
	)
	if err := row.Scan(
		&v.ID, &v.EntityType, &v.BusinessKey, &v.VersionNumber, &v.ParentVersionID,
		&payload, &v.ChangeReason, &v.CreatedBy, &v.CreatedAt, &v.UpdatedAt,
		&preparer, &v.Preparer.Reason, &v.Preparer.Actor, &v.Preparer.At,
		&approver, &v.Approver.Reason, &v.Approver.Actor, &v.Approver.At,
		&status, &v.AutoApproved, &v.IsLatest,
	); err != nil {
		return nil, err
	}
	v.Payload = payload
	v.Preparer.Decision = version.Decision(preparer)
	v.Approver.Decision = version.Decision(approver)
	v.Status = version.Status(status)
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	v.Preparer.At = utc(v.Preparer.At)
	v.Approver.At = utc(v.Approver.At)
	return &v, nil
}

func decisionValue(d version.Decision) string {
	if d == "" {
		return string(version.DecisionNone)
	}
	return string(d)
}

func (r *versionRepository) queryVersions(ctx context.Context, op, query string, args ...any) ([]*version.Version, error) {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError(op, err)
	}
	defer rows.Close()

	var out []*version.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, errors.Wrap(err, op)
		}
		out = append(out, v)
	}
	return out, errors.Wrap(rows.Err(), op)
}

func (r *versionRepository) one(ctx context.Context, op, query string, args ...any) (*version.Version, error) {
	vs, err := r.queryVersions(ctx, op, query, args...)
	if err != nil || len(vs) == 0 {
		return nil, err
	}
	return vs[0], nil
}

func (r *versionRepository) Head(ctx context.Context, key version.Key) (*version.Head, error) {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return nil, err
	}
	h := version.Head{Key: key}
	err = tx.QueryRow(ctx,
		repo.Join("SELECT version_id, version_number FROM", headsTable, "WHERE entity_type = $1 AND business_key = $2"),
		key.EntityType, key.BusinessKey,
	).Scan(&h.VersionID, &h.VersionNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgError("select version head", err)
	}
	return &h, nil
}

func (r *versionRepository) Insert(ctx context.Context, v *version.Version) error {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return err
	}
	fields := []string{
		"id", "entity_type", "business_key", "version_number", "parent_version_id",
		"payload", "change_reason", "created_by", "created_at", "updated_at",
		"preparer_decision", "approver_decision", "status", "auto_approved",
	}
	_, err = tx.Exec(ctx, repo.Insert(versionsTable, fields),
		v.ID, v.EntityType, v.BusinessKey, v.VersionNumber, v.ParentVersionID,
		[]byte(v.Payload), v.ChangeReason, v.CreatedBy, v.CreatedAt, v.UpdatedAt,
		decisionValue(v.Preparer.Decision), decisionValue(v.Approver.Decision), string(v.Status), v.AutoApproved,
	)
	return mapPgError("insert workflow_versions", err)
}

func (r *versionRepository) MoveHead(ctx context.Context, key version.Key, expected *uuid.UUID, next *version.Version) error {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return err
	}
	if expected == nil {
		tag, err := tx.Exec(ctx, repo.Join(
			"INSERT INTO", headsTable, "(entity_type, business_key, version_id, version_number, updated_at)",
			"VALUES ($1, $2, $3, $4, now()) ON CONFLICT (entity_type, business_key) DO NOTHING",
		), key.EntityType, key.BusinessKey, next.ID, next.VersionNumber)
		if err != nil {
			return mapPgError("insert version head", err)
		}
		if tag.RowsAffected() == 0 {
			return failures.ErrConcurrentUpdate
		}
		return nil
	}

	tag, err := tx.Exec(ctx, repo.Join(
		"UPDATE", headsTable, "SET version_id = $1, version_number = $2, updated_at = now()",
		"WHERE entity_type = $3 AND business_key = $4 AND version_id = $5",
	), next.ID, next.VersionNumber, key.EntityType, key.BusinessKey, *expected)
	if err != nil {
		return mapPgError("move version head", err)
	}
	if tag.RowsAffected() == 0 {
		return failures.ErrConcurrentUpdate
	}
	return nil
}

func (r *versionRepository) Update(ctx context.Context, v *version.Version, expected version.Status) error {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return err
	}
	fields := []string{
		"status", "auto_approved", "updated_at",
		"preparer_decision", "preparer_reason", "preparer_actor", "preparer_at",
		"approver_decision", "approver_reason", "approver_actor", "approver_at",
	}
	query := repo.Update(versionsTable, fields,
		fmt.Sprintf("id = $%d", len(fields)+1),
		fmt.Sprintf("status = $%d", len(fields)+2),
	)
	tag, err := tx.Exec(ctx, query,
		string(v.Status), v.AutoApproved, v.UpdatedAt,
		decisionValue(v.Preparer.Decision), v.Preparer.Reason, v.Preparer.Actor, v.Preparer.At,
		decisionValue(v.Approver.Decision), v.Approver.Reason, v.Approver.Actor, v.Approver.At,
		v.ID, string(expected),
	)
	if err != nil {
		return mapPgError("update workflow_versions", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM workflow_versions WHERE id = $1)", v.ID).Scan(&exists); err != nil {
		return mapPgError("check workflow_versions", err)
	}
	if !exists {
		return failures.NotFound("version", v.ID.String())
	}
	return failures.ErrConcurrentUpdate
}

func (r *versionRepository) Get(ctx context.Context, id uuid.UUID) (*version.Version, error) {
	v, err := r.one(ctx, "get version", repo.Join("SELECT", versionColumns, "FROM", versionFrom, "WHERE v.id = $1"), id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, failures.NotFound("version", id.String())
	}
	return v, nil
}

func (r *versionRepository) Latest(ctx context.Context, key version.Key) (*version.Version, error) {
	return r.one(ctx, "latest version", repo.Join(
		"SELECT", versionColumns,
		"FROM workflow_versions v JOIN workflow_version_heads h ON h.version_id = v.id",
		"WHERE h.entity_type = $1 AND h.business_key = $2",
	), key.EntityType, key.BusinessKey)
}

func (r *versionRepository) LatestApproved(ctx context.Context, key version.Key) (*version.Version, error) {
	return r.one(ctx, "latest approved version", repo.Join(
		"SELECT", versionColumns, "FROM", versionFrom,
		"WHERE v.entity_type = $1 AND v.business_key = $2 AND v.status = 'Approved'",
		"ORDER BY v.version_number DESC LIMIT 1",
	), key.EntityType, key.BusinessKey)
}

func (r *versionRepository) History(ctx context.Context, key version.Key, before, limit int) ([]*version.Version, error) {
	return r.queryVersions(ctx, "version history", repo.Join(
		"SELECT", versionColumns, "FROM", versionFrom,
		"WHERE v.entity_type = $1 AND v.business_key = $2 AND ($3 <= 0 OR v.version_number < $3)",
		"ORDER BY v.version_number DESC",
		repo.FormatLimitOffset(limit, 0),
	), key.EntityType, key.BusinessKey, before)
}

func (r *versionRepository) AppendDecision(ctx context.Context, rec *version.DecisionRecord) error {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return err
	}
	fields := []string{
		"id", "version_id", "role", "decision", "reason", "actor",
		"previous_status", "new_status", "auto_approved", "created_at",
	}
	_, err = tx.Exec(ctx, repo.Insert(decisionsTable, fields),
		rec.ID, rec.VersionID, string(rec.Role), string(rec.Decision), rec.Reason, rec.Actor,
		string(rec.PreviousStatus), string(rec.NewStatus), rec.AutoApproved, rec.CreatedAt,
	)
	return mapPgError("insert workflow_version_decisions", err)
}

func (r *versionRepository) ListDecisions(ctx context.Context, versionID uuid.UUID) ([]*version.DecisionRecord, error) {
	tx, err := r.s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, repo.Join(
		"SELECT id, version_id, role, decision, reason, actor, previous_status, new_status, auto_approved, created_at",
		"FROM", decisionsTable, "WHERE version_id = $1 ORDER BY seq",
	), versionID)
	if err != nil {
		return nil, mapPgError("list version decisions", err)
	}
	defer rows.Close()

	var out []*version.DecisionRecord
	for rows.Next() {
		var (
			rec                                   version.DecisionRecord
			role, decision, prevStatus, newStatus string
		)
		if err := rows.Scan(&rec.ID, &rec.VersionID, &role, &decision, &rec.Reason, &rec.Actor,
			&prevStatus, &newStatus, &rec.AutoApproved, &rec.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan version decision")
		}
		rec.Role = version.Role(role)
		rec.Decision = version.Decision(decision)
		rec.PreviousStatus = version.Status(prevStatus)
		rec.NewStatus = version.Status(newStatus)
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, &rec)
	}
	return out, errors.Wrap(rows.Err(), "list version decisions")
}
