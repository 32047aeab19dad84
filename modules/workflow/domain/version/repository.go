package version

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Head returns nil when the key has no versions yet.
	Head(ctx context.Context, key Key) (*Head, error)
	// Insert appends v to the arena. A duplicate version number for the key
	// fails with failures.ErrConcurrentUpdate.
	Insert(ctx context.Context, v *Version) error
	// MoveHead points the key at next when the current head is expected
	// (nil expected means the key must have no head). A lost race fails with
	// failures.ErrConcurrentUpdate.
	MoveHead(ctx context.Context, key Key, expected *uuid.UUID, next *Version) error
	// Update persists status and decision facts when the stored status still
	// equals expected.
	Update(ctx context.Context, v *Version, expected Status) error
	Get(ctx context.Context, id uuid.UUID) (*Version, error)
	Latest(ctx context.Context, key Key) (*Version, error)
	LatestApproved(ctx context.Context, key Key) (*Version, error)
	// History lists versions newest first with version_number < before
	// (before <= 0 starts at the head).
	History(ctx context.Context, key Key, before, limit int) ([]*Version, error)
	AppendDecision(ctx context.Context, rec *DecisionRecord) error
	ListDecisions(ctx context.Context, versionID uuid.UUID) ([]*DecisionRecord, error)
}
