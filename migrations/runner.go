package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DefaultTable is the table golang-migrate uses to track the applied version.
const DefaultTable = "schema_migrations"

type (
	// MigrationRunner is the set of operations exposed by cmd/migrator.
	MigrationRunner interface {
		Up() error
		Down() error
		Version() (uint, bool, error)
		Drop() error
		Close() error
	}

	// Runner applies the embedded schema to a PostgreSQL database.
	Runner struct {
		migrate  *migrate.Migrate
		ownsDB   bool
		embedded *Embedded
		logger   *slog.Logger
	}

	// migrateLogger adapts slog to migrate.Logger.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var (
	_ MigrationRunner = (*Runner)(nil)
	_ migrate.Logger  = (*migrateLogger)(nil)
)

// Open connects to databaseURL and returns a Runner that closes the connection on Close.
func Open(ctx context.Context, databaseURL, table string, logger *slog.Logger) (*Runner, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	r, err := NewRunner(db, table, logger)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	r.ownsDB = true

	return r, nil
}

// NewRunner wraps an existing connection. The caller keeps ownership of db.
func NewRunner(db *sql.DB, table string, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if strings.TrimSpace(table) == "" {
		table = DefaultTable
	}

	embedded := NewEmbedded(nil)
	if err := embedded.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(embedded.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	return &Runner{migrate: m, embedded: embedded, logger: logger}, nil
}

// Up applies all pending migrations. An up-to-date database is not an error.
func (r *Runner) Up() error {
	if err := r.embedded.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		r.logger.Info("No new migrations to apply")
	case err != nil:
		return fmt.Errorf("migration up failed: %w", err)
	default:
		r.logger.Info("All migrations applied", slog.Int("schema_version", r.embedded.MaxSequence()))
	}

	return nil
}

// Down rolls back the last migration.
func (r *Runner) Down() error {
	if err := r.embedded.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Last migration rolled back")

	return nil
}

// Version returns the applied version and dirty flag. A fresh database reports version 0.
func (r *Runner) Version() (uint, bool, error) {
	ver, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return ver, dirty, nil
}

// Supported returns the highest schema version compiled into this binary.
func (r *Runner) Supported() int {
	return r.embedded.MaxSequence()
}

// Drop drops every table in the database.
func (r *Runner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	return nil
}

// Close releases a runner built with Open. Runners over a caller-owned connection are left alone,
// because the migrate driver closes the *sql.DB it was given.
func (r *Runner) Close() error {
	if r.migrate == nil || !r.ownsDB {
		return nil
	}

	sourceErr, dbErr := r.migrate.Close()

	return errors.Join(sourceErr, dbErr)
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
