package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/regflow/pkg/leader"
	"github.com/iota-uz/regflow/pkg/logging"
)

type Relay struct {
	pool       *pgxpool.Pool
	table      pgx.Identifier
	dispatcher Dispatcher
	opts       RelayOptions

	lockKey int64

	m          *relayMetrics
	tableLabel string
}

func NewRelay(pool *pgxpool.Pool, table pgx.Identifier, dispatcher Dispatcher, opts RelayOptions) (*Relay, error) {
	if pool == nil {
		return nil, invalidConfig("pool is required")
	}
	if len(table) == 0 {
		return nil, invalidConfig("table is required")
	}
	if dispatcher == nil {
		return nil, invalidConfig("dispatcher is required")
	}

	opts.applyDefaults()
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	return &Relay{
		pool:       pool,
		table:      table,
		dispatcher: dispatcher,
		opts:       opts,
		m:          sharedMetrics(),
		tableLabel: TableLabel(table),
		lockKey:    leader.Key("outbox:" + TableLabel(table)),
	}, nil
}

func (r *Relay) Run(ctx context.Context) error {
	if ctx == nil {
		return invalidConfig("ctx is required")
	}

	if !r.opts.SingleActive {
		r.m.leader.WithLabelValues(r.tableLabel).Set(1)
		return r.runLoop(ctx, nil)
	}

	return leader.RunSingleActive(ctx, r.pool, r.lockKey, leader.Options{
		RetryInterval: r.opts.PollInterval,
		Logger:        r.opts.Logger.WithField("table", r.tableLabel),
		OnChange: func(v bool) {
			if v {
				r.m.leader.WithLabelValues(r.tableLabel).Set(1)
				return
			}
			r.m.leader.WithLabelValues(r.tableLabel).Set(0)
		},
	}, r.runLoop)
}

// ProcessOnce claims and dispatches a single batch using the pool.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	return r.processOnce(ctx, nil)
}

func (r *Relay) runLoop(ctx context.Context, conn *pgxpool.Conn) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	nextDepthAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(nextDepthAt) {
			if err := r.observeQueueDepth(ctx, conn); err != nil {
				r.opts.Logger.WithError(err).Debug("outbox: observe queue depth failed")
			}
			nextDepthAt = time.Now().Add(r.opts.DepthInterval)
		}

		if _, err := r.processOnce(ctx, conn); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.opts.Logger.WithError(err).Warn("outbox: process tick failed")
		}
	}
}

type claimed struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	Topic         string
	Payload       []byte
	EventID       uuid.UUID
	Sequence      int64
	Attempts      int
}

func (r *Relay) processOnce(ctx context.Context, conn *pgxpool.Conn) (int, error) {
	now := time.Now()

	batch, err := r.claim(ctx, conn, now, now.Add(-r.opts.LockTTL))
	if err != nil {
		return 0, err
	}

	for _, c := range batch {
		dispatchCtx, cancel := context.WithTimeout(ctx, r.opts.DispatchTimeout)
		start := time.Now()
		err := r.dispatcher.Dispatch(dispatchCtx, DispatchedMessage{
			Meta: Meta{
				Table:         r.table,
				AggregateType: c.AggregateType,
				AggregateID:   c.AggregateID,
				Topic:         c.Topic,
				EventID:       c.EventID,
				Sequence:      c.Sequence,
				Attempts:      c.Attempts,
			},
			Payload: c.Payload,
		})
		cancel()
		latency := time.Since(start)

		log := r.opts.Logger.WithFields(logFields(c, r.tableLabel))
		if err == nil {
			r.recordDispatch(c.Topic, "success", latency)
			if ackErr := r.settle(ctx, conn, ackQuery, c.ID); ackErr != nil {
				log.WithError(ackErr).Warn("outbox: ack failed")
			}
			continue
		}

		r.recordDispatch(c.Topic, "failure", latency)
		lastErr := clipError(err, r.opts.LastErrorMaxLen)

		if c.Attempts >= r.opts.MaxAttempts {
			r.m.dead.WithLabelValues(r.tableLabel, c.Topic).Inc()
			if deadErr := r.settle(ctx, conn, deadQuery, c.ID, lastErr); deadErr != nil {
				log.WithError(deadErr).Warn("outbox: dead update failed")
			}
			continue
		}

		next := time.Now().Add(retryDelay(c.Attempts, r.opts.BaseBackoff, r.opts.MaxBackoff, r.opts.JitterMax, r.opts.Rand))
		if nackErr := r.settle(ctx, conn, nackQuery, c.ID, lastErr, next); nackErr != nil {
			log.WithError(nackErr).Warn("outbox: nack failed")
		}
	}

	return len(batch), nil
}

func (r *Relay) claim(ctx context.Context, conn *pgxpool.Conn, now, lockCutoff time.Time) ([]claimed, error) {
	tx, err := r.begin(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tableName := r.table.Sanitize()
	q := fmt.Sprintf(
		`SELECT id, aggregate_type, aggregate_id, topic, payload, event_id, sequence, attempts
		   FROM %s
		  WHERE published_at IS NULL
		    AND available_at <= $1
		    AND attempts < $2
		    AND (locked_at IS NULL OR locked_at < $3)
		  ORDER BY available_at, sequence
		  LIMIT $4
		  FOR UPDATE SKIP LOCKED`,
		tableName,
	)
	rows, err := tx.Query(ctx, q, now, r.opts.MaxAttempts, lockCutoff, r.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("outbox claim select: %w", err)
	}

	var items []claimed
	var ids []uuid.UUID
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.ID, &c.AggregateType, &c.AggregateID, &c.Topic, &c.Payload, &c.EventID, &c.Sequence, &c.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox claim scan: %w", err)
		}
		c.Attempts++
		items = append(items, c)
		ids = append(ids, c.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox claim rows: %w", err)
	}

	if len(ids) > 0 {
		update := fmt.Sprintf(`UPDATE %s SET locked_at = $1, attempts = attempts + 1 WHERE id = ANY($2)`, tableName)
		if _, err := tx.Exec(ctx, update, now, pgtype.FlatArray[uuid.UUID](ids)); err != nil {
			return nil, fmt.Errorf("outbox claim update: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

const (
	ackQuery = `UPDATE %s
	    SET published_at = now(),
	        locked_at = NULL,
	        last_error = NULL
	  WHERE id = $1 AND published_at IS NULL`
	nackQuery = `UPDATE %s
	    SET locked_at = NULL,
	        last_error = $2,
	        available_at = $3
	  WHERE id = $1 AND published_at IS NULL`
	deadQuery = `UPDATE %s
	    SET locked_at = NULL,
	        last_error = $2,
	        available_at = now()
	  WHERE id = $1 AND published_at IS NULL`
)

func (r *Relay) settle(ctx context.Context, conn *pgxpool.Conn, query string, args ...any) error {
	tx, err := r.begin(ctx, conn)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(query, r.table.Sanitize()), args...); err != nil {
		return fmt.Errorf("outbox settle: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *Relay) begin(ctx context.Context, conn *pgxpool.Conn) (pgx.Tx, error) {
	if conn != nil {
		return conn.BeginTx(ctx, pgx.TxOptions{})
	}
	return r.pool.BeginTx(ctx, pgx.TxOptions{})
}

func (r *Relay) observeQueueDepth(ctx context.Context, conn *pgxpool.Conn) error {
	var db interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	} = r.pool
	if conn != nil {
		db = conn
	}

	tableName := r.table.Sanitize()
	var pending, locked int64
	q := fmt.Sprintf(
		`SELECT count(*), count(*) FILTER (WHERE locked_at IS NOT NULL) FROM %s WHERE published_at IS NULL`,
		tableName,
	)
	if err := db.QueryRow(ctx, q).Scan(&pending, &locked); err != nil {
		return fmt.Errorf("outbox queue depth: %w", err)
	}

	r.m.pending.WithLabelValues(r.tableLabel).Set(float64(pending))
	r.m.locked.WithLabelValues(r.tableLabel).Set(float64(locked))
	return nil
}

func (r *Relay) recordDispatch(topic, result string, latency time.Duration) {
	r.m.dispatched.WithLabelValues(r.tableLabel, topic, result).Inc()
	r.m.latency.WithLabelValues(r.tableLabel, topic, result).Observe(latency.Seconds())
}

func logFields(c claimed, table string) logrus.Fields {
	return logrus.Fields{
		"table":          table,
		"topic":          c.Topic,
		"event_id":       c.EventID.String(),
		"aggregate_type": c.AggregateType,
		"aggregate_id":   c.AggregateID,
		"sequence":       c.Sequence,
		"attempts":       c.Attempts,
	}
}
