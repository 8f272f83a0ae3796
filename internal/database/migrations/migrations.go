// Package migrations applies the SQL files in MIGRATIONS_DIR with golang-migrate.
package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"ms-fulfillment/internal/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

type Options struct {
	// Dir holds NNNNNN_name.up.sql / .down.sql pairs.
	Dir string
}

// Runner owns its own connection pool: closing a postgres migrate driver closes the
// *sql.DB it was built on.
type Runner struct {
	dsn      string
	options  Options
	logger   *logger.Logger
	migrator *migrate.Migrate
}

func NewRunner(dsn string, opts Options, log *logger.Logger) *Runner {
	return &Runner{dsn: dsn, options: opts, logger: log}
}

func (r *Runner) init() error {
	if r.migrator != nil {
		return nil
	}
	if _, err := os.Stat(r.options.Dir); err != nil {
		return fmt.Errorf("migrations directory %s: %w", r.options.Dir, err)
	}
	db, err := sql.Open("postgres", r.dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("create postgres migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+r.options.Dir, "postgres", driver)
	if err != nil {
		driver.Close()
		return fmt.Errorf("create migrator: %w", err)
	}
	r.migrator = m
	return nil
}

// Up applies every pending migration. A dirty version left by a crashed run is reported,
// not forced; use Force after inspecting the database.
func (r *Runner) Up() error {
	if err := r.init(); err != nil {
		return err
	}
	if _, dirty, err := r.migrator.Version(); err == nil && dirty {
		return errors.New("database schema is dirty, fix it and force the version before migrating")
	}
	if err := r.migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	r.logVersion()
	return nil
}

// Down rolls back every migration.
func (r *Runner) Down() error {
	if err := r.init(); err != nil {
		return err
	}
	if err := r.migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	r.logVersion()
	return nil
}

// To migrates up or down to version.
func (r *Runner) To(version uint) error {
	if err := r.init(); err != nil {
		return err
	}
	if err := r.migrator.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}
	r.logVersion()
	return nil
}

// Force sets the version without running migrations and clears the dirty flag.
func (r *Runner) Force(version int) error {
	if err := r.init(); err != nil {
		return err
	}
	if err := r.migrator.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	return nil
}

// Version returns 0 when no migration has run.
func (r *Runner) Version() (uint, bool, error) {
	if err := r.init(); err != nil {
		return 0, false, err
	}
	v, dirty, err := r.migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (r *Runner) logVersion() {
	v, dirty, err := r.Version()
	if err != nil {
		r.logger.Warn("MIGRATE", fmt.Sprintf("could not read schema version: %v", err))
		return
	}
	r.logger.LogDatabase("MIGRATE", "schema_migrations", fmt.Sprintf("schema version %d (dirty=%t)", v, dirty))
}

// Close releases the migrator and its connection pool.
func (r *Runner) Close() error {
	if r.migrator == nil {
		return nil
	}
	sourceErr, dbErr := r.migrator.Close()
	r.migrator = nil
	return errors.Join(sourceErr, dbErr)
}
