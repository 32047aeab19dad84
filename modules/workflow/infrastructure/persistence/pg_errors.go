package persistence

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
)

var constraintViolations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "workflow_pg_constraint_violations_total",
	Help: "PostgreSQL constraint violations surfaced by workflow repositories.",
}, []string{"kind"})

// mapPgError translates constraint and trigger failures into the workflow
// error taxonomy. Other errors are wrapped with op.
func mapPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return errors.Wrap(err, op)
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		constraintViolations.WithLabelValues("unique").Inc()
		return errors.Wrap(failures.ErrConcurrentUpdate, pgErr.ConstraintName)
	case "23503": // foreign_key_violation
		constraintViolations.WithLabelValues("foreign_key").Inc()
		return failures.Invalid(referenceField(pgErr.ConstraintName), "references a missing row")
	case "23514": // check_violation
		constraintViolations.WithLabelValues("check").Inc()
		return failures.Invalid("", "value rejected by %s", pgErr.ConstraintName)
	case "55000": // object_not_in_prerequisite_state, raised by immutability triggers
		constraintViolations.WithLabelValues("immutable").Inc()
		return failures.InvalidState("%s", pgErr.Message)
	case "40001", "40P01": // serialization_failure, deadlock_detected
		constraintViolations.WithLabelValues("serialization").Inc()
		return errors.Wrap(failures.ErrConcurrentUpdate, pgErr.Message)
	default:
		return errors.Wrap(err, op)
	}
}

func referenceField(constraint string) string {
	switch {
	case strings.Contains(constraint, "parent_assignment_id"):
		return "parent_assignment_id"
	case strings.Contains(constraint, "parent_version_id"):
		return "parent_version_id"
	case strings.Contains(constraint, "version_id"):
		return "version_id"
	case strings.Contains(constraint, "assignment_id"):
		return "assignment_id"
	}
	return ""
}
