// Package dedup turns raw announcements into canonical records, resolving
// fingerprint collisions by source priority and auditing every decision.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"announce_dedup/internal/fingerprint"
	"announce_dedup/internal/model"
	"announce_dedup/internal/rules"
	"announce_dedup/internal/storage"
	"announce_dedup/internal/urlkey"
)

var (
	// ErrTransient is returned when an ingestion kept losing write races
	// until its retries ran out. The announcement can be re-submitted.
	ErrTransient = errors.New("transient ingestion conflict")
	// ErrInvalidInput is returned for announcements missing required fields.
	ErrInvalidInput = errors.New("invalid announcement")
)

// Reasons recorded in the "reason" detail key.
const (
	ReasonNewFingerprint     = "new fingerprint"
	ReasonUnconfiguredDomain = "unconfigured domain"
	ReasonHigherPriority     = "higher priority source"
	ReasonEqualPriority      = "equal priority, most-recent wins"
	ReasonLowerPriority      = "lower priority source"
	ReasonFailed             = "ingestion failed"
)

// Why a URL took the unconfigured path, recorded as "unconfigured_domain".
const (
	unconfiguredNoDomain    = "no_domain"
	unconfiguredNoRule      = "no_rule"
	unconfiguredInvalidRule = "invalid_rule"
	unconfiguredNoMatch     = "no_match"
)

// Store is the persistence the service needs.
type Store interface {
	WithinFingerprint(ctx context.Context, fingerprint *string, fn func(ctx context.Context, tx storage.Tx) error) error
	AppendLog(ctx context.Context, entry *model.DuplicateLogEntry) error
}

// RuleSource provides the current rules and priority table.
type RuleSource interface {
	Snapshot(ctx context.Context) (*rules.Snapshot, error)
}

// Options tunes conflict retries.
type Options struct {
	// MaxRetries bounds how many times an attempt is re-run after a lost
	// race. Zero means no retries.
	MaxRetries int
	// RetryBackoff is the base of the exponential backoff between attempts.
	RetryBackoff time.Duration
}

// Service ingests raw announcements.
type Service struct {
	store   Store
	rules   RuleSource
	log     zerolog.Logger
	retries uint64
	backoff time.Duration
	now     func() time.Time
}

// NewService creates a Service.
func NewService(store Store, rules RuleSource, opts Options, log zerolog.Logger) *Service {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 20 * time.Millisecond
	}
	return &Service{
		store:   store,
		rules:   rules,
		log:     log,
		retries: uint64(opts.MaxRetries),
		backoff: opts.RetryBackoff,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// incoming is an announcement with its identity resolved against one
// rules snapshot. It stays fixed across retries.
type incoming struct {
	raw          model.RawAnnouncement
	domain       string
	key          *string
	fingerprint  *string
	unconfigured string
	priority     int
	snap         *rules.Snapshot
}

// Ingest stores raw, returning the record that now represents it and the
// audit entry of the decision. Exactly one audit entry is written per call
// unless the caller's context is cancelled, in which case nothing is.
func (s *Service) Ingest(ctx context.Context, raw model.RawAnnouncement) (model.AnnouncementRecord, model.DuplicateLogEntry, error) {
	raw.SourceType = raw.SourceType.Normalize()
	raw.SourceURL = strings.TrimSpace(raw.SourceURL)

	if err := validate(raw); err != nil {
		in := incoming{raw: raw}
		return model.AnnouncementRecord{}, s.recordFailure(ctx, in, 0, err), err
	}

	snap, err := s.rules.Snapshot(ctx)
	if err != nil {
		err = fmt.Errorf("load rules: %w", err)
		in := incoming{raw: raw}
		return model.AnnouncementRecord{}, s.recordFailure(ctx, in, 0, err), err
	}
	in := s.resolve(raw, snap)

	var (
		rec      model.AnnouncementRecord
		entry    model.DuplicateLogEntry
		attempts int
	)
	backoff := retry.WithMaxRetries(s.retries, retry.NewExponential(s.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		var err error
		rec, entry, err = s.attempt(ctx, in, attempts)
		if errors.Is(err, storage.ErrFingerprintConflict) || errors.Is(err, storage.ErrBusy) {
			s.log.Debug().Err(err).Str("fingerprint", deref(in.fingerprint)).Int("attempt", attempts).Msg("ingest conflict, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrFingerprintConflict) || errors.Is(err, storage.ErrBusy) {
			err = fmt.Errorf("%w after %d attempts: %w", ErrTransient, attempts, err)
		}
		s.log.Error().Err(err).
			Str("source_url", raw.SourceURL).
			Str("fingerprint", deref(in.fingerprint)).
			Int("attempts", attempts).
			Msg("ingest failed")
		return model.AnnouncementRecord{}, s.recordFailure(ctx, in, attempts, err), err
	}

	s.log.Info().
		Str("record_id", rec.ID).
		Str("decision", string(entry.Decision)).
		Str("fingerprint", deref(in.fingerprint)).
		Str("source_type", string(raw.SourceType)).
		Int("attempts", attempts).
		Msg("announcement ingested")
	return rec, entry, nil
}

func validate(raw model.RawAnnouncement) error {
	if raw.SourceURL == "" {
		return fmt.Errorf("%w: empty source url", ErrInvalidInput)
	}
	if raw.SourceType == "" {
		return fmt.Errorf("%w: empty source type", ErrInvalidInput)
	}
	return nil
}

func (s *Service) resolve(raw model.RawAnnouncement, snap *rules.Snapshot) incoming {
	in := incoming{
		raw:      raw,
		priority: snap.Priority(raw.SourceType),
		snap:     snap,
	}

	domain, ok := urlkey.Domain(raw.SourceURL)
	if !ok {
		in.unconfigured = unconfiguredNoDomain
		return in
	}
	in.domain = domain

	rule := snap.Rule(domain)
	if rule == nil {
		in.unconfigured = unconfiguredNoRule
		if _, bad := snap.Invalid()[domain]; bad {
			in.unconfigured = unconfiguredInvalidRule
		}
		return in
	}

	key, ok := urlkey.Extract(raw.SourceURL, rule)
	if !ok {
		in.unconfigured = unconfiguredNoMatch
		return in
	}
	in.key = &key
	in.fingerprint = fingerprint.HashKey(&key)
	return in
}

// attempt runs one lookup-decide-write unit. The record and its audit entry
// commit together or not at all.
func (s *Service) attempt(ctx context.Context, in incoming, attempt int) (model.AnnouncementRecord, model.DuplicateLogEntry, error) {
	var (
		rec   model.AnnouncementRecord
		entry model.DuplicateLogEntry
	)
	err := s.store.WithinFingerprint(ctx, in.fingerprint, func(ctx context.Context, tx storage.Tx) error {
		var existing *model.AnnouncementRecord
		if in.fingerprint != nil {
			found, err := tx.FindByFingerprint(ctx, *in.fingerprint)
			switch {
			case err == nil:
				existing = found
			case errors.Is(err, storage.ErrNotFound):
			default:
				return err
			}
		}

		now := s.now()
		entry = s.newEntry(in, attempt, now)

		if existing == nil {
			rec = model.AnnouncementRecord{
				CanonicalKey: in.key,
				Fingerprint:  in.fingerprint,
				SourceType:   in.raw.SourceType,
				SiteCode:     in.raw.SiteCode,
				Payload:      in.raw.Payload,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.InsertRecord(ctx, &rec); err != nil {
				return err
			}
			entry.Decision = model.DecisionInserted
			entry.Detail["reason"] = ReasonNewFingerprint
			if in.fingerprint == nil {
				entry.Detail["reason"] = ReasonUnconfiguredDomain
				entry.Detail["unconfigured_domain"] = in.unconfigured
			}
		} else {
			existingPriority := in.snap.Priority(existing.SourceType)
			existingType := existing.SourceType
			entry.ExistingSourceType = &existingType
			entry.ExistingPriority = &existingPriority

			switch {
			case in.priority < existingPriority:
				rec = *existing
				entry.Decision = model.DecisionKeptExisting
				entry.Detail["reason"] = ReasonLowerPriority
			default:
				entry.Decision = model.DecisionReplaced
				entry.Detail["reason"] = ReasonEqualPriority
				if in.priority > existingPriority {
					entry.Detail["reason"] = ReasonHigherPriority
				}
				rec = *existing
				rec.SourceType = in.raw.SourceType
				rec.SiteCode = in.raw.SiteCode
				rec.Payload = in.raw.Payload
				rec.UpdatedAt = now
				if err := tx.UpdateRecord(ctx, &rec); err != nil {
					return err
				}
				entry.Detail["before"] = describe(*existing)
				entry.Detail["after"] = describe(rec)
			}
		}

		entry.RecordID = &rec.ID
		return tx.AppendLog(ctx, &entry)
	})
	if err != nil {
		return model.AnnouncementRecord{}, model.DuplicateLogEntry{}, err
	}
	return rec, entry, nil
}

func (s *Service) newEntry(in incoming, attempt int, now time.Time) model.DuplicateLogEntry {
	detail := map[string]any{
		"source_url": in.raw.SourceURL,
		"site_code":  in.raw.SiteCode,
		"attempts":   attempt,
	}
	if in.domain != "" {
		detail["domain"] = in.domain
	}
	if in.key != nil {
		detail["canonical_key"] = *in.key
		detail["hash_algorithm"] = fingerprint.Algorithm
	}
	if !in.raw.CollectedAt.IsZero() {
		detail["collected_at"] = in.raw.CollectedAt.UTC().Format(time.RFC3339)
	}
	return model.DuplicateLogEntry{
		Fingerprint:        in.fingerprint,
		IncomingSourceType: in.raw.SourceType,
		IncomingPriority:   in.priority,
		Detail:             detail,
		CreatedAt:          now,
	}
}

// recordFailure appends a best-effort error entry outside any unit. Nothing
// is written when the caller gave up, so a cancelled call leaves no trace.
func (s *Service) recordFailure(ctx context.Context, in incoming, attempts int, cause error) model.DuplicateLogEntry {
	if ctx.Err() != nil {
		return model.DuplicateLogEntry{}
	}
	entry := s.newEntry(in, attempts, s.now())
	entry.Decision = model.DecisionError
	entry.Detail["reason"] = ReasonFailed
	entry.Detail["error"] = cause.Error()
	if errors.Is(cause, ErrTransient) {
		entry.Detail["transient"] = true
	}
	if err := s.store.AppendLog(ctx, &entry); err != nil {
		s.log.Error().Err(err).Str("source_url", in.raw.SourceURL).Msg("append error entry")
	}
	return entry
}

func describe(rec model.AnnouncementRecord) map[string]any {
	sum := sha256.Sum256(rec.Payload)
	return map[string]any{
		"source_type":    string(rec.SourceType),
		"site_code":      rec.SiteCode,
		"payload_sha256": hex.EncodeToString(sum[:]),
		"payload_size":   len(rec.Payload),
		"updated_at":     rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
