package migration

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/elskow/binder-build/internal/config"
	"github.com/elskow/binder-build/internal/database"
)

type Migrator struct {
	db  *sql.DB
	dir string
}

func NewMigrator(cfg *config.DatabaseConfig) (*Migrator, error) {
	dir, err := migrationsDir(cfg.MigrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get migrations directory: %w", err)
	}

	db, err := sql.Open("postgres", database.DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set dialect: %w", err)
	}

	return &Migrator{
		db:  db,
		dir: dir,
	}, nil
}

func (m *Migrator) Dir() string {
	return m.dir
}

func (m *Migrator) Up() error {
	if err := goose.Up(m.db, m.dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (m *Migrator) Down() error {
	if err := goose.Down(m.db, m.dir); err != nil {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}
	return nil
}

func (m *Migrator) Close() error {
	return m.db.Close()
}

// GetCurrentVersion returns the version recorded in the database.
func (m *Migrator) GetCurrentVersion() (int64, error) {
	return goose.GetDBVersion(m.db)
}

// GetLatestVersion returns the newest migration on disk.
func (m *Migrator) GetLatestVersion() (int64, error) {
	return latestVersion(m.dir)
}

func latestVersion(dir string) (int64, error) {
	migrations, err := goose.CollectMigrations(dir, 0, goose.MaxVersion)
	if err != nil {
		return 0, err
	}

	if len(migrations) == 0 {
		return 0, nil
	}

	return migrations[len(migrations)-1].Version, nil
}

// DownTo rolls back one migration at a time until version is reached.
func (m *Migrator) DownTo(version int64) error {
	current, err := m.GetCurrentVersion()
	if err != nil {
		return err
	}

	for current > version {
		if err := goose.Down(m.db, m.dir); err != nil {
			return fmt.Errorf("failed to migrate down to version %d: %w", version, err)
		}
		current, err = m.GetCurrentVersion()
		if err != nil {
			return err
		}
	}

	return nil
}

// Sync moves the schema to the newest migration on disk, rolling back when
// the database is ahead of it.
func (m *Migrator) Sync() (from, to int64, err error) {
	from, err = m.GetCurrentVersion()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get current migration version: %w", err)
	}

	to, err = m.GetLatestVersion()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get latest migration version: %w", err)
	}

	switch {
	case from > to:
		err = m.DownTo(to)
	case from < to:
		err = m.Up()
	}
	return from, to, err
}

func (m *Migrator) Status() error {
	if err := goose.Status(m.db, m.dir); err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	return nil
}

func (m *Migrator) Version() (int64, error) {
	return goose.GetDBVersion(m.db)
}

func (m *Migrator) Reset() error {
	if err := goose.Reset(m.db, m.dir); err != nil {
		return fmt.Errorf("failed to reset migrations: %w", err)
	}
	return m.Up()
}
