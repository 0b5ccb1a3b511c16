// Package migrator applies the embedded SQL migrations with golang-migrate.
package migrator

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/rudderlabs/rudder-dw-pipeline/sql/migrations"
)

// Migrator migrates one schema directory of migrations.FS, tracking versions in MigrationsTable.
type Migrator struct {
	Handle          *sql.DB
	MigrationsTable string
}

// Migrate applies every pending up migration found in dir.
func (m *Migrator) Migrate(dir string) error {
	source, err := iofs.New(migrations.FS, dir)
	if err != nil {
		return fmt.Errorf("opening migrations %q: %w", dir, err)
	}

	driver, err := postgres.WithInstance(m.Handle, &postgres.Config{MigrationsTable: m.MigrationsTable})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}

	mg, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations from %q: %w", dir, err)
	}
	return nil
}
