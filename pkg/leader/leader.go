// Package leader runs a loop on at most one process at a time, using a
// session-level PostgreSQL advisory lock held on a dedicated pool connection.
package leader

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/regflow/pkg/logging"
)

type Observer func(leader bool)

type Options struct {
	// RetryInterval is the wait between failed lock attempts.
	RetryInterval time.Duration
	Logger        *logrus.Entry
	OnChange      Observer
}

// Key hashes a lock name into the advisory-lock key space.
func Key(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// RunSingleActive blocks until ctx is done. Once the lock is obtained, fn runs
// with the connection that owns the lock; the lock is released when fn returns.
func RunSingleActive(ctx context.Context, pool *pgxpool.Pool, key int64, opts Options, fn func(ctx context.Context, conn *pgxpool.Conn) error) error {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	notify := func(v bool) {
		if opts.OnChange != nil {
			opts.OnChange(v)
		}
	}

	wait := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.RetryInterval):
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := pool.Acquire(ctx)
		if err != nil {
			opts.Logger.WithError(err).Warn("leader: failed to acquire connection")
			if err := wait(); err != nil {
				return err
			}
			continue
		}

		var ok bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1::bigint)`, key).Scan(&ok); err != nil {
			conn.Release()
			opts.Logger.WithError(err).Warn("leader: failed to attempt advisory lock")
			if err := wait(); err != nil {
				return err
			}
			continue
		}
		if !ok {
			notify(false)
			conn.Release()
			if err := wait(); err != nil {
				return err
			}
			continue
		}

		notify(true)
		opts.Logger.Info("leader: acquired")

		err = fn(ctx, conn)
		var unlocked bool
		_ = conn.QueryRow(context.Background(), `SELECT pg_advisory_unlock($1::bigint)`, key).Scan(&unlocked)
		conn.Release()
		notify(false)
		return err
	}
}
