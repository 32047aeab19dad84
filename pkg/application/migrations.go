package application

import (
	"context"
	"database/sql"
	"io/fs"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

var ErrMigrationsRegistered = errors.New("migrations already registered")

type migrationManager struct {
	pool *pgxpool.Pool
	fsys fs.FS
}

// NewMigrationManager runs goose migrations over the pool through the
// database/sql bridge. A single migration source is supported.
func NewMigrationManager(pool *pgxpool.Pool) MigrationManager {
	return &migrationManager{pool: pool}
}

func (m *migrationManager) RegisterMigrations(fsys fs.FS) error {
	if m.fsys != nil {
		return ErrMigrationsRegistered
	}
	m.fsys = fsys
	return nil
}

func (m *migrationManager) provider() (*goose.Provider, *sql.DB, error) {
	if m.pool == nil {
		return nil, nil, errors.New("migrations: database pool is not configured")
	}
	if m.fsys == nil {
		return nil, nil, errors.New("migrations: no migrations registered")
	}
	db := stdlib.OpenDBFromPool(m.pool)
	p, err := goose.NewProvider(goose.DialectPostgres, db, m.fsys)
	if err != nil {
		_ = db.Close()
		return nil, nil, errors.Wrap(err, "migrations: create provider")
	}
	return p, db, nil
}

func (m *migrationManager) Up(ctx context.Context) error {
	p, db, err := m.provider()
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := p.Up(ctx); err != nil {
		return errors.Wrap(err, "migrations: up")
	}
	return nil
}

func (m *migrationManager) Down(ctx context.Context) error {
	p, db, err := m.provider()
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := p.Down(ctx); err != nil {
		return errors.Wrap(err, "migrations: down")
	}
	return nil
}

func (m *migrationManager) Status(ctx context.Context) ([]*goose.MigrationStatus, error) {
	p, db, err := m.provider()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "migrations: status")
	}
	return statuses, nil
}
