package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"announce_dedup/migrations"
)

// sqliteParams make every transaction take the write lock up front, so a
// fingerprint unit is a single-writer section and concurrent units wait on
// busy_timeout instead of failing on lock upgrade.
const sqliteParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	*sqlStore
}

// NewSQLite opens a SQLite database at path and runs pending migrations.
func NewSQLite(path string) (*SQLite, error) {
	dsn := path + "?" + sqliteParams
	if strings.Contains(path, "?") {
		dsn = path + "&" + sqliteParams
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc registers as "sqlite"; sqlx knows the bind style as "sqlite3".
	db := sqlx.NewDb(sqlDB, "sqlite3")
	if strings.HasPrefix(path, ":memory:") || strings.Contains(path, "mode=memory") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := migrations.Run(db.DB, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{sqlStore: newSQLStore(db, dialect{
		isFingerprintDupe: isSQLiteFingerprintDupe,
		isBusy:            isSQLiteBusy,
	})}, nil
}

func isSQLiteFingerprintDupe(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE &&
		strings.Contains(serr.Error(), "announcements.fingerprint")
}

func isSQLiteBusy(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
