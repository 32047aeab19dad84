package repo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsert(t *testing.T) {
	t.Parallel()

	q := Insert("workflow_versions", []string{"id", "payload"}, "created_at")
	require.Equal(t, "INSERT INTO workflow_versions (id, payload) VALUES ($1, $2) RETURNING created_at", q)
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	q := Update("workflow_assignments", []string{"status", "updated_at"}, "id = $3", "status = $4")
	require.Equal(t, "UPDATE workflow_assignments SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4", q)
}

func TestJoinSkipsBlanks(t *testing.T) {
	t.Parallel()

	require.Equal(t, "SELECT 1 FROM t LIMIT 5", Join("SELECT 1", "", "FROM t", JoinWhere(), FormatLimitOffset(5, 0)))
	require.Equal(t, "OFFSET 3", FormatLimitOffset(0, 3))
}
