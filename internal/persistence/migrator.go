package persistence

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Direction selects which way Migrate moves the schema
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down" // rolls back one step
)

// Migrator applies the embedded ledger schema with golang-migrate.
type Migrator struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, logger: logger}
}

func (m *Migrator) instance() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(m.db, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return nil, fmt.Errorf("postgres migrate driver: %w", err)
	}
	mig, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return mig, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	mig, err := m.instance()
	if err != nil {
		return err
	}
	if err := mig.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info().Msg("schema up to date")
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}
	m.logVersion(mig, "migrations applied")
	return nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down() error {
	mig, err := m.instance()
	if err != nil {
		return err
	}
	if err := mig.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, migrate.ErrNilVersion) || errors.Is(err, os.ErrNotExist) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		return fmt.Errorf("migrate down: %w", err)
	}
	m.logVersion(mig, "migration rolled back")
	return nil
}

func (m *Migrator) logVersion(mig *migrate.Migrate, msg string) {
	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		m.logger.Warn().Err(err).Msg("read schema version")
		return
	}
	m.logger.Info().Uint("version", version).Bool("dirty", dirty).Msg(msg)
}

// Migrate is a convenience wrapper used by the service and cmd/migrate
func Migrate(db *sql.DB, direction Direction, logger zerolog.Logger) error {
	m := NewMigrator(db, logger)
	switch direction {
	case DirectionUp:
		return m.Up()
	case DirectionDown:
		return m.Down()
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
}
