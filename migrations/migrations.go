// Package migrations embeds the per-dialect SQL migrations and applies them.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// FS contains the embedded SQL migration files, one directory per dialect.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS

// Dialect names a supported database.
type Dialect string

// Supported dialects. The value is also the migration directory.
const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Goose returns the goose dialect name for d.
func (d Dialect) Goose() (string, error) {
	switch d {
	case SQLite:
		return "sqlite3", nil
	case Postgres:
		return "postgres", nil
	}
	return "", fmt.Errorf("unknown dialect %q", d)
}

// Setup points goose at the embedded migrations of d and returns the
// directory to pass to goose commands.
func Setup(d Dialect) (string, error) {
	name, err := d.Goose()
	if err != nil {
		return "", err
	}
	goose.SetBaseFS(FS)
	if err := goose.SetDialect(name); err != nil {
		return "", fmt.Errorf("set dialect: %w", err)
	}
	return string(d), nil
}

// Run applies all pending migrations of d to db.
func Run(db *sql.DB, d Dialect) error {
	dir, err := Setup(d)
	if err != nil {
		return err
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
