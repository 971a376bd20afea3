// Package migrate applies the embedded PostgreSQL schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultMigrationsTable = "schema_migrations"
	migrationsDir          = "migrations"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its base FS, dialect and table name in package state.
var gooseMu sync.Mutex

// Manager runs schema migrations against one database.
type Manager struct {
	db              *sql.DB
	migrationsTable string
	logger          goose.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithLogger routes goose output through logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrationsTable: defaultMigrationsTable,
		logger:          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Migration is one embedded migration and whether the database has it.
type Migration struct {
	Version int64  `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	return m.with(func() error {
		if err := goose.UpContext(ctx, m.db, migrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		return nil
	})
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.with(func() error {
		version, err := goose.GetDBVersionContext(ctx, m.db)
		if err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		if version == 0 {
			return errors.New("no migrations applied")
		}
		if err := goose.DownContext(ctx, m.db, migrationsDir); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		return nil
	})
}

// Version returns the current schema version.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	var version int64
	err := m.with(func() error {
		v, err := goose.GetDBVersionContext(ctx, m.db)
		if err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

// Status lists embedded migrations in order with their applied state.
func (m *Manager) Status(ctx context.Context) ([]Migration, error) {
	var out []Migration
	err := m.with(func() error {
		current, err := goose.GetDBVersionContext(ctx, m.db)
		if err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		out, err = embedded(current)
		return err
	})
	return out, err
}

func (m *Manager) with(fn func() error) error {
	if m.db == nil {
		return errors.New("database connection unavailable")
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrations)
	goose.SetTableName(m.migrationsTable)
	goose.SetLogger(m.logger)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return fn()
}

// embedded requires goose's base FS to be set.
func embedded(current int64) ([]Migration, error) {
	found, err := goose.CollectMigrations(migrationsDir, 0, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("collect migrations: %w", err)
	}
	out := make([]Migration, 0, len(found))
	for _, mig := range found {
		out = append(out, Migration{
			Version: mig.Version,
			Name:    path.Base(mig.Source),
			Applied: mig.Version <= current,
		})
	}
	return out, nil
}
