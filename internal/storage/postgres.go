package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"

	"announce_dedup/migrations"
)

// fingerprintConstraint is the partial unique index backing record identity.
const fingerprintConstraint = "announcements_fingerprint_uq"

// pgFingerprintLock serializes units sharing a fingerprint for the life of
// the transaction. The unique index still rejects duplicates without it.
const pgFingerprintLock = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

// Postgres implements Storage backed by PostgreSQL through pgx.
type Postgres struct {
	*sqlStore
}

// NewPostgres connects to dsn and runs pending migrations.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrations.Run(db.DB, migrations.Postgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return newPostgres(db), nil
}

func newPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{sqlStore: newSQLStore(db, dialect{
		lockFingerprint:   pgFingerprintLock,
		isFingerprintDupe: isPgFingerprintDupe,
		isBusy:            isPgBusy,
	})}
}

func isPgFingerprintDupe(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == fingerprintConstraint
}

func isPgBusy(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}
