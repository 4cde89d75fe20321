package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies all pending schema migrations. It uses its own connection
// because closing the migrate instance closes the underlying handle.
func (d *Database) Migrate() error {
	d.writeLock()
	defer d.writeUnlock()

	db, err := sql.Open("sqlite", dsn(d.dbPath))
	if err != nil {
		return fmt.Errorf("Migrate: error opening DB: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("Migrate: error creating driver: %w", err)
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("Migrate: error reading migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("Migrate: error creating migrator: %w", err)
	}
	defer m.Close()

	return m.Up()
}
