// Package model defines the domain types used across the application.
package model

import (
	"strings"
	"time"
)

// KeyMethod selects how a domain's URLs are reduced to a canonical key.
type KeyMethod string

// Supported key methods.
const (
	MethodQueryParams KeyMethod = "query_params"
	MethodPathPattern KeyMethod = "path_pattern"
)

// Valid reports whether m is a known key method.
func (m KeyMethod) Valid() bool {
	return m == MethodQueryParams || m == MethodPathPattern
}

// DomainKeyRule describes how URLs of one domain are canonicalized.
// KeyParams is used by MethodQueryParams, Pattern by MethodPathPattern.
type DomainKeyRule struct {
	Domain    string
	Method    KeyMethod
	KeyParams []string
	Pattern   string
	Active    bool
	UpdatedAt time.Time
}

// SourceType identifies the kind of collector an announcement came from.
type SourceType string

// Known source types. The set is open: unknown values are accepted and
// resolve to the default priority.
const (
	SourceEminwon   SourceType = "eminwon"
	SourceHomepage  SourceType = "homepage"
	SourceScraper   SourceType = "scraper"
	SourceAPIScrape SourceType = "api_scrape"
)

// Normalize lowercases and trims a source type so lookups are stable.
func (s SourceType) Normalize() SourceType {
	return SourceType(strings.ToLower(strings.TrimSpace(string(s))))
}

// RawAnnouncement is a single collected announcement before deduplication.
type RawAnnouncement struct {
	SourceURL   string
	SourceType  SourceType
	SiteCode    string
	Payload     []byte
	CollectedAt time.Time
}

// AnnouncementRecord is the canonical stored announcement.
// CanonicalKey and Fingerprint are nil for unconfigured domains.
type AnnouncementRecord struct {
	ID           string
	CanonicalKey *string
	Fingerprint  *string
	SourceType   SourceType
	SiteCode     string
	Payload      []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Decision is the outcome of one ingestion attempt.
type Decision string

// Ingestion decisions.
const (
	DecisionInserted     Decision = "inserted"
	DecisionReplaced     Decision = "replaced"
	DecisionKeptExisting Decision = "kept_existing"
	DecisionError        Decision = "error"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionInserted, DecisionReplaced, DecisionKeptExisting, DecisionError:
		return true
	}
	return false
}

// DuplicateLogEntry is one append-only audit row. RecordID is nil only for
// error decisions, where no record state was committed.
type DuplicateLogEntry struct {
	ID                 string
	RecordID           *string
	Fingerprint        *string
	Decision           Decision
	IncomingSourceType SourceType
	ExistingSourceType *SourceType
	IncomingPriority   int
	ExistingPriority   *int
	Detail             map[string]any
	CreatedAt          time.Time
}

// LogQuery filters audit log reads. Zero values mean "no filter".
type LogQuery struct {
	Fingerprint string
	Decision    Decision
	From        time.Time
	To          time.Time
	AfterID     string
	Limit       int
}

// PriorityEntry is one row of the source priority table.
type PriorityEntry struct {
	SourceType SourceType
	Priority   int
}

// FeedSource is an RSS/Atom feed polled by the collector.
type FeedSource struct {
	ID              int64
	Name            string
	URL             string
	SourceType      SourceType
	SiteCode        string
	IntervalMinutes int
	IsActive        bool
	IncludeKeywords []string
	ExcludeKeywords []string
	LastCheckAt     *time.Time
	CreatedAt       time.Time
}
