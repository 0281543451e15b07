// Package db opens the sqlite containers that consolidated artifacts are
// stored in and applies their embedded schema migrations.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

// DB wraps one sqlite container.
type DB struct {
	*sql.DB
}

// Open opens the sqlite container at path, creating the file if needed, and
// brings it to the latest schema version using the migrations embedded
// under dir.
func Open(path string, migrations fs.FS, dir string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	db := &DB{sdb}
	if err := db.migrateUp(migrations, dir); err != nil {
		sdb.Close()
		return nil, err
	}
	return db, nil
}

// migrateUp runs all pending migrations. Already being at the latest
// version is not an error.
func (db *DB) migrateUp(migrations fs.FS, dir string) error {
	src, err := iofs.New(migrations, dir)
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger interface
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}
