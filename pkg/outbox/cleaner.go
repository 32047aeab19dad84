package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iota-uz/regflow/pkg/logging"
)

// Cleaner purges delivered rows, and optionally dead ones, from an outbox table.
type Cleaner struct {
	pool       *pgxpool.Pool
	table      pgx.Identifier
	opts       CleanerOptions
	tableLabel string
}

// PurgeResult counts the rows removed by one Purge call.
type PurgeResult struct {
	Published int64 `json:"published"`
	Dead      int64 `json:"dead"`
}

func NewCleaner(pool *pgxpool.Pool, table pgx.Identifier, opts CleanerOptions) (*Cleaner, error) {
	switch {
	case pool == nil:
		return nil, invalidConfig("pool is required")
	case len(table) == 0:
		return nil, invalidConfig("table is required")
	case opts.DeadRetention > 0 && opts.DeadAttempts <= 0:
		return nil, invalidConfig("dead retention requires DeadAttempts > 0")
	}
	opts.applyDefaults()
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Cleaner{pool: pool, table: table, opts: opts, tableLabel: TableLabel(table)}, nil
}

// Run purges every Interval until ctx is done. A disabled cleaner returns at once.
func (c *Cleaner) Run(ctx context.Context) error {
	if !c.opts.Enabled {
		return nil
	}
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := c.Purge(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.opts.Logger.WithError(err).WithField("table", c.tableLabel).Warn("outbox: cleaner tick failed")
		}
	}
}

// Purge removes published rows older than Retention and, when configured,
// undeliverable rows older than DeadRetention, in one transaction.
func (c *Cleaner) Purge(ctx context.Context) (PurgeResult, error) {
	var res PurgeResult
	now := time.Now()
	tableName := c.table.Sanitize()

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE published_at IS NOT NULL AND published_at < $1`, tableName),
		now.Add(-c.opts.Retention))
	if err != nil {
		return res, fmt.Errorf("outbox purge published: %w", err)
	}
	res.Published = tag.RowsAffected()

	if c.opts.DeadRetention > 0 {
		tag, err = tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE published_at IS NULL AND attempts >= $1 AND created_at < $2`, tableName),
			c.opts.DeadAttempts, now.Add(-c.opts.DeadRetention))
		if err != nil {
			return res, fmt.Errorf("outbox purge dead: %w", err)
		}
		res.Dead = tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return PurgeResult{}, err
	}
	if removed := res.Published + res.Dead; removed > 0 {
		sharedMetrics().purged.WithLabelValues(c.tableLabel).Add(float64(removed))
		c.opts.Logger.WithFields(map[string]any{
			"table":     c.tableLabel,
			"published": res.Published,
			"dead":      res.Dead,
		}).Debug("outbox: purged rows")
	}
	return res, nil
}
