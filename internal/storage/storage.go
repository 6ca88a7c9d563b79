// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"announce_dedup/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrFingerprintConflict is returned when a record insert lost a race on
	// the fingerprint uniqueness constraint. The caller should re-read.
	ErrFingerprintConflict = errors.New("fingerprint already exists")
	// ErrBusy is returned when the store could not acquire its write lock in
	// time or aborted the transaction for serialization reasons.
	ErrBusy = errors.New("store busy")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertRule(ctx context.Context, rule model.DomainKeyRule) error
	GetRule(ctx context.Context, domain string) (*model.DomainKeyRule, error)
	ListRules(ctx context.Context) ([]model.DomainKeyRule, error)
	DeleteRule(ctx context.Context, domain string) error

	SetPriority(ctx context.Context, entry model.PriorityEntry) error
	ListPriorities(ctx context.Context) ([]model.PriorityEntry, error)
	DeletePriority(ctx context.Context, sourceType model.SourceType) error

	// WithinFingerprint runs fn as one transactional unit. When fingerprint
	// is non-nil, implementations may serialize units sharing it; the
	// uniqueness constraint still applies regardless.
	WithinFingerprint(ctx context.Context, fingerprint *string, fn func(ctx context.Context, tx Tx) error) error

	GetRecord(ctx context.Context, id string) (*model.AnnouncementRecord, error)
	CountRecords(ctx context.Context) (int64, error)

	AppendLog(ctx context.Context, entry *model.DuplicateLogEntry) error
	ListLog(ctx context.Context, q model.LogQuery) ([]model.DuplicateLogEntry, error)
	CountLog(ctx context.Context) (int64, error)

	CreateFeedSource(ctx context.Context, src *model.FeedSource) error
	GetFeedSource(ctx context.Context, id int64) (*model.FeedSource, error)
	ListFeedSources(ctx context.Context) ([]model.FeedSource, error)
	ListDueFeedSources(ctx context.Context, now time.Time) ([]model.FeedSource, error)
	UpdateFeedSource(ctx context.Context, src *model.FeedSource) error
	DeleteFeedSource(ctx context.Context, id int64) error

	Close() error
}

// Tx is the set of operations available inside WithinFingerprint.
type Tx interface {
	FindByFingerprint(ctx context.Context, fingerprint string) (*model.AnnouncementRecord, error)
	InsertRecord(ctx context.Context, rec *model.AnnouncementRecord) error
	UpdateRecord(ctx context.Context, rec *model.AnnouncementRecord) error
	AppendLog(ctx context.Context, entry *model.DuplicateLogEntry) error
}

// Open opens the store selected by driver. target is a file path for
// "sqlite" and a connection string for "postgres".
func Open(driver, target string) (Storage, error) {
	switch driver {
	case "sqlite":
		if dir := filepath.Dir(target); dir != "." && !strings.HasPrefix(target, ":memory:") {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data directory %s: %w", dir, err)
			}
		}
		return NewSQLite(target)
	case "postgres":
		return NewPostgres(target)
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}
