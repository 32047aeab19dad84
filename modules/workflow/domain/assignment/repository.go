package assignment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Insert(ctx context.Context, a *Assignment) error
	Get(ctx context.Context, id uuid.UUID) (*Assignment, error)
	// Update writes a when the stored row still has the expected status and
	// updated_at; otherwise it fails with failures.ErrConcurrentUpdate.
	Update(ctx context.Context, a *Assignment, expectedStatus Status, expectedUpdatedAt time.Time) error
	List(ctx context.Context, filter Filter) ([]*Assignment, error)
	AppendHistory(ctx context.Context, h *History) error
	History(ctx context.Context, assignmentID uuid.UUID) ([]*History, error)
	CountByStatus(ctx context.Context, contextType string) (map[Status]int, error)
}
