package database

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate applies all pending migrations from source, an embedded
// filesystem holding golang-migrate SQL files under dir. History is kept
// in the schema_migrations table golang-migrate manages.
func Migrate(db *sql.DB, source fs.FS, dir string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migrate driver: %w", err)
	}
	src, err := iofs.New(source, dir)
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Close only the source. m.Close() would also close the database driver,
	// which closes the shared *sql.DB passed via postgres.WithInstance.
	if err := src.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}
