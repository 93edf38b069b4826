// Package store opens the shared PostgreSQL database, runs migrations, and
// hands out the per-table repositories.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mindwell/syncpipe/internal/store/items"
	"github.com/mindwell/syncpipe/internal/store/migrations"
	"github.com/mindwell/syncpipe/internal/store/outbox"
	"github.com/mindwell/syncpipe/internal/store/sources"
)

// Manager owns the DB handle and the repositories built on it.
type Manager struct {
	db      *sql.DB
	sources sources.Repository
	items   items.Repository
	outbox  outbox.Repository
}

func (m *Manager) Conn() *sql.DB { return m.db }

func (m *Manager) Sources() sources.Repository { return m.sources }

func (m *Manager) Items() items.Repository { return m.items }

func (m *Manager) Outbox() outbox.Repository { return m.outbox }

// RunMigrations applies the embedded goose migrations.
func (m *Manager) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	return goose.UpContext(ctx, m.db, ".")
}

func (m *Manager) Close() error { return m.db.Close() }

// NewManager opens the database, runs migrations, and wires the
// repositories.
func NewManager(ctx context.Context, dsn string) (*Manager, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	m := &Manager{
		db:      db,
		sources: sources.NewPostgresRepository(db),
		items:   items.NewPostgresRepository(db),
		outbox:  outbox.NewPostgresRepository(db),
	}

	if err := m.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return m, nil
}
