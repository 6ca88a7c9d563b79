package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"announce_dedup/internal/model"
	"announce_dedup/internal/urlkey"
)

const defaultLogLimit = 100

// dialect carries the per-database differences of the shared SQL store.
type dialect struct {
	// lockFingerprint, when set, is executed at the start of a fingerprint
	// unit with the fingerprint as its only argument.
	lockFingerprint   string
	isFingerprintDupe func(err error) bool
	isBusy            func(err error) bool
}

// sqlStore implements Storage over any database/sql driver through sqlx.
type sqlStore struct {
	db      *sqlx.DB
	dialect dialect
	now     func() time.Time
}

func newSQLStore(db *sqlx.DB, d dialect) *sqlStore {
	return &sqlStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle, e.g. for migrations.
func (s *sqlStore) DB() *sql.DB {
	return s.db.DB
}

func (s *sqlStore) classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrFingerprintConflict), errors.Is(err, ErrBusy):
		return err
	case s.dialect.isFingerprintDupe != nil && s.dialect.isFingerprintDupe(err):
		return fmt.Errorf("%w: %v", ErrFingerprintConflict, err)
	case s.dialect.isBusy != nil && s.dialect.isBusy(err):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

// --- domain key rules ---

type ruleRow struct {
	Domain    string `db:"domain"`
	Method    string `db:"method"`
	KeyParams string `db:"key_params"`
	Pattern   string `db:"pattern"`
	Active    bool   `db:"active"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r ruleRow) toModel() (model.DomainKeyRule, error) {
	rule := model.DomainKeyRule{
		Domain:    r.Domain,
		Method:    model.KeyMethod(r.Method),
		Pattern:   r.Pattern,
		Active:    r.Active,
		UpdatedAt: fromMicros(r.UpdatedAt),
	}
	if r.KeyParams != "" {
		if err := json.Unmarshal([]byte(r.KeyParams), &rule.KeyParams); err != nil {
			return rule, fmt.Errorf("decode key_params for %s: %w", r.Domain, err)
		}
	}
	return rule, nil
}

// UpsertRule creates or replaces the rule for rule.Domain.
func (s *sqlStore) UpsertRule(ctx context.Context, rule model.DomainKeyRule) error {
	domain := urlkey.NormalizeDomain(rule.Domain)
	if domain == "" {
		return fmt.Errorf("upsert rule: empty domain")
	}
	params := rule.KeyParams
	if params == nil {
		params = []string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode key_params: %w", err)
	}

	q := s.db.Rebind(`INSERT INTO domain_key_rules (domain, method, key_params, pattern, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET
			method = excluded.method,
			key_params = excluded.key_params,
			pattern = excluded.pattern,
			active = excluded.active,
			updated_at = excluded.updated_at`)
	_, err = s.db.ExecContext(ctx, q,
		domain, string(rule.Method), string(paramsJSON), rule.Pattern, rule.Active, toMicros(s.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

// GetRule returns the rule for domain.
func (s *sqlStore) GetRule(ctx context.Context, domain string) (*model.DomainKeyRule, error) {
	var row ruleRow
	q := s.db.Rebind(`SELECT domain, method, key_params, pattern, active, updated_at
		FROM domain_key_rules WHERE domain = ?`)
	if err := s.db.GetContext(ctx, &row, q, urlkey.NormalizeDomain(domain)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	rule, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules returns all rules, active or not, ordered by domain.
func (s *sqlStore) ListRules(ctx context.Context) ([]model.DomainKeyRule, error) {
	var rows []ruleRow
	err := s.db.SelectContext(ctx, &rows, `SELECT domain, method, key_params, pattern, active, updated_at
		FROM domain_key_rules ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	rules := make([]model.DomainKeyRule, 0, len(rows))
	for _, r := range rows {
		rule, err := r.toModel()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// DeleteRule removes the rule for domain.
func (s *sqlStore) DeleteRule(ctx context.Context, domain string) error {
	q := s.db.Rebind(`DELETE FROM domain_key_rules WHERE domain = ?`)
	res, err := s.db.ExecContext(ctx, q, urlkey.NormalizeDomain(domain))
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return requireAffected(res)
}

// --- priorities ---

type priorityRow struct {
	SourceType string `db:"source_type"`
	Priority   int    `db:"priority"`
}

// SetPriority creates or replaces the priority of a source type.
func (s *sqlStore) SetPriority(ctx context.Context, entry model.PriorityEntry) error {
	st := entry.SourceType.Normalize()
	if st == "" {
		return fmt.Errorf("set priority: empty source type")
	}
	q := s.db.Rebind(`INSERT INTO source_priorities (source_type, priority, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (source_type) DO UPDATE SET
			priority = excluded.priority,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q, string(st), entry.Priority, toMicros(s.now())); err != nil {
		return fmt.Errorf("set priority: %w", err)
	}
	return nil
}

// ListPriorities returns the priority table ordered by source type.
func (s *sqlStore) ListPriorities(ctx context.Context) ([]model.PriorityEntry, error) {
	var rows []priorityRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT source_type, priority FROM source_priorities ORDER BY source_type`); err != nil {
		return nil, fmt.Errorf("list priorities: %w", err)
	}
	out := make([]model.PriorityEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.PriorityEntry{SourceType: model.SourceType(r.SourceType), Priority: r.Priority})
	}
	return out, nil
}

// DeletePriority removes a source type from the priority table.
func (s *sqlStore) DeletePriority(ctx context.Context, sourceType model.SourceType) error {
	q := s.db.Rebind(`DELETE FROM source_priorities WHERE source_type = ?`)
	res, err := s.db.ExecContext(ctx, q, string(sourceType.Normalize()))
	if err != nil {
		return fmt.Errorf("delete priority: %w", err)
	}
	return requireAffected(res)
}

// --- fingerprint units ---

// WithinFingerprint runs fn inside a single transaction, committing on
// success and rolling back on error, panic or context cancellation.
func (s *sqlStore) WithinFingerprint(ctx context.Context, fingerprint *string, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.classify(fmt.Errorf("begin tx: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			err = s.classify(err)
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = s.classify(fmt.Errorf("commit tx: %w", cerr))
		}
	}()

	if fingerprint != nil && s.dialect.lockFingerprint != "" {
		if _, err = tx.ExecContext(ctx, s.dialect.lockFingerprint, *fingerprint); err != nil {
			return fmt.Errorf("lock fingerprint: %w", err)
		}
	}

	err = fn(ctx, &sqlTx{tx: tx, store: s})
	return err
}

type sqlTx struct {
	tx    *sqlx.Tx
	store *sqlStore
}

const recordColumns = `id, canonical_key, fingerprint, source_type, site_code, payload, created_at, updated_at`

type recordRow struct {
	ID           string         `db:"id"`
	CanonicalKey sql.NullString `db:"canonical_key"`
	Fingerprint  sql.NullString `db:"fingerprint"`
	SourceType   string         `db:"source_type"`
	SiteCode     string         `db:"site_code"`
	Payload      []byte         `db:"payload"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
}

func (r recordRow) toModel() model.AnnouncementRecord {
	return model.AnnouncementRecord{
		ID:           r.ID,
		CanonicalKey: fromNullString(r.CanonicalKey),
		Fingerprint:  fromNullString(r.Fingerprint),
		SourceType:   model.SourceType(r.SourceType),
		SiteCode:     r.SiteCode,
		Payload:      r.Payload,
		CreatedAt:    fromMicros(r.CreatedAt),
		UpdatedAt:    fromMicros(r.UpdatedAt),
	}
}

// FindByFingerprint returns the record holding fingerprint, or ErrNotFound.
func (t *sqlTx) FindByFingerprint(ctx context.Context, fingerprint string) (*model.AnnouncementRecord, error) {
	var row recordRow
	q := t.tx.Rebind(`SELECT ` + recordColumns + ` FROM announcements WHERE fingerprint = ?`)
	if err := t.tx.GetContext(ctx, &row, q, fingerprint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find by fingerprint: %w", err)
	}
	rec := row.toModel()
	return &rec, nil
}

// InsertRecord inserts rec, assigning ID and timestamps when unset.
func (t *sqlTx) InsertRecord(ctx context.Context, rec *model.AnnouncementRecord) error {
	if rec.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		rec.ID = id
	}
	now := t.store.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	q := t.tx.Rebind(`INSERT INTO announcements (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := t.tx.ExecContext(ctx, q,
		rec.ID, toNullString(rec.CanonicalKey), toNullString(rec.Fingerprint),
		string(rec.SourceType), rec.SiteCode, payloadOrEmpty(rec.Payload),
		toMicros(rec.CreatedAt), toMicros(rec.UpdatedAt),
	)
	if err != nil {
		return t.store.classify(fmt.Errorf("insert record: %w", err))
	}
	return nil
}

// UpdateRecord overwrites the mutable fields of rec. Identity columns and
// created_at are never written.
func (t *sqlTx) UpdateRecord(ctx context.Context, rec *model.AnnouncementRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = t.store.now()
	}
	q := t.tx.Rebind(`UPDATE announcements SET source_type = ?, site_code = ?, payload = ?, updated_at = ? WHERE id = ?`)
	res, err := t.tx.ExecContext(ctx, q,
		string(rec.SourceType), rec.SiteCode, payloadOrEmpty(rec.Payload), toMicros(rec.UpdatedAt), rec.ID,
	)
	if err != nil {
		return t.store.classify(fmt.Errorf("update record: %w", err))
	}
	return requireAffected(res)
}

// AppendLog writes entry as part of the unit.
func (t *sqlTx) AppendLog(ctx context.Context, entry *model.DuplicateLogEntry) error {
	return appendLog(ctx, t.tx, t.store.now, entry)
}

// --- records ---

// GetRecord returns the record with id.
func (s *sqlStore) GetRecord(ctx context.Context, id string) (*model.AnnouncementRecord, error) {
	var row recordRow
	q := s.db.Rebind(`SELECT ` + recordColumns + ` FROM announcements WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	rec := row.toModel()
	return &rec, nil
}

// CountRecords returns the number of stored records.
func (s *sqlStore) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM announcements`); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// --- audit log ---

const logColumns = `id, record_id, fingerprint, decision, incoming_source_type, existing_source_type,
	incoming_priority, existing_priority, detail, created_at`

type logRow struct {
	ID                 string         `db:"id"`
	RecordID           sql.NullString `db:"record_id"`
	Fingerprint        sql.NullString `db:"fingerprint"`
	Decision           string         `db:"decision"`
	IncomingSourceType string         `db:"incoming_source_type"`
	ExistingSourceType sql.NullString `db:"existing_source_type"`
	IncomingPriority   int            `db:"incoming_priority"`
	ExistingPriority   sql.NullInt64  `db:"existing_priority"`
	Detail             string         `db:"detail"`
	CreatedAt          int64          `db:"created_at"`
}

func (r logRow) toModel() (model.DuplicateLogEntry, error) {
	e := model.DuplicateLogEntry{
		ID:                 r.ID,
		RecordID:           fromNullString(r.RecordID),
		Fingerprint:        fromNullString(r.Fingerprint),
		Decision:           model.Decision(r.Decision),
		IncomingSourceType: model.SourceType(r.IncomingSourceType),
		IncomingPriority:   r.IncomingPriority,
		CreatedAt:          fromMicros(r.CreatedAt),
	}
	if r.ExistingSourceType.Valid {
		st := model.SourceType(r.ExistingSourceType.String)
		e.ExistingSourceType = &st
	}
	if r.ExistingPriority.Valid {
		p := int(r.ExistingPriority.Int64)
		e.ExistingPriority = &p
	}
	if r.Detail != "" {
		if err := json.Unmarshal([]byte(r.Detail), &e.Detail); err != nil {
			return e, fmt.Errorf("decode detail of %s: %w", r.ID, err)
		}
	}
	return e, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

func appendLog(ctx context.Context, db execer, now func() time.Time, entry *model.DuplicateLogEntry) error {
	if !entry.Decision.Valid() {
		return fmt.Errorf("append log: invalid decision %q", entry.Decision)
	}
	if entry.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		entry.ID = id
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}
	detail := entry.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("encode detail: %w", err)
	}

	var existingType sql.NullString
	if entry.ExistingSourceType != nil {
		existingType = sql.NullString{String: string(*entry.ExistingSourceType), Valid: true}
	}
	var existingPriority sql.NullInt64
	if entry.ExistingPriority != nil {
		existingPriority = sql.NullInt64{Int64: int64(*entry.ExistingPriority), Valid: true}
	}

	q := db.Rebind(`INSERT INTO duplicate_log (` + logColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = db.ExecContext(ctx, q,
		entry.ID, toNullString(entry.RecordID), toNullString(entry.Fingerprint), string(entry.Decision),
		string(entry.IncomingSourceType), existingType, entry.IncomingPriority, existingPriority,
		string(detailJSON), toMicros(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// AppendLog writes a standalone entry outside any fingerprint unit. It is
// used for error decisions, which have no committed record state.
func (s *sqlStore) AppendLog(ctx context.Context, entry *model.DuplicateLogEntry) error {
	return appendLog(ctx, s.db, s.now, entry)
}

// ListLog returns audit entries matching q, oldest first.
func (s *sqlStore) ListLog(ctx context.Context, q model.LogQuery) ([]model.DuplicateLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if q.Fingerprint != "" {
		where = append(where, "fingerprint = ?")
		args = append(args, q.Fingerprint)
	}
	if q.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, string(q.Decision))
	}
	if !q.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMicros(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, toMicros(q.To))
	}
	if q.AfterID != "" {
		where = append(where, "id > ?")
		args = append(args, q.AfterID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}

	query := `SELECT ` + logColumns + ` FROM duplicate_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	// Cursor reads page by id so no entry is skipped at a page boundary.
	order := `created_at, id`
	if q.AfterID != "" {
		order = `id`
	}
	query += fmt.Sprintf(` ORDER BY %s LIMIT %d`, order, limit)

	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list log: %w", err)
	}
	entries := make([]model.DuplicateLogEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toModel()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CountLog returns the number of audit entries.
func (s *sqlStore) CountLog(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM duplicate_log`); err != nil {
		return 0, fmt.Errorf("count log: %w", err)
	}
	return n, nil
}

// --- feed sources ---

const feedColumns = `id, name, url, source_type, site_code, interval_minutes, is_active,
	include_keywords, exclude_keywords, last_check_at, created_at`

type feedRow struct {
	ID              int64         `db:"id"`
	Name            string        `db:"name"`
	URL             string        `db:"url"`
	SourceType      string        `db:"source_type"`
	SiteCode        string        `db:"site_code"`
	IntervalMinutes int           `db:"interval_minutes"`
	IsActive        bool          `db:"is_active"`
	IncludeKeywords string        `db:"include_keywords"`
	ExcludeKeywords string        `db:"exclude_keywords"`
	LastCheckAt     sql.NullInt64 `db:"last_check_at"`
	CreatedAt       int64         `db:"created_at"`
}

func (r feedRow) toModel() model.FeedSource {
	f := model.FeedSource{
		ID:              r.ID,
		Name:            r.Name,
		URL:             r.URL,
		SourceType:      model.SourceType(r.SourceType),
		SiteCode:        r.SiteCode,
		IntervalMinutes: r.IntervalMinutes,
		IsActive:        r.IsActive,
		IncludeKeywords: splitKeywords(r.IncludeKeywords),
		ExcludeKeywords: splitKeywords(r.ExcludeKeywords),
		CreatedAt:       fromMicros(r.CreatedAt),
	}
	if r.LastCheckAt.Valid {
		t := fromMicros(r.LastCheckAt.Int64)
		f.LastCheckAt = &t
	}
	return f
}

// CreateFeedSource inserts src and populates its ID and CreatedAt.
func (s *sqlStore) CreateFeedSource(ctx context.Context, src *model.FeedSource) error {
	now := s.now()
	q := s.db.Rebind(`INSERT INTO feed_sources (name, url, source_type, site_code, interval_minutes, is_active,
			include_keywords, exclude_keywords, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	var id int64
	err := s.db.QueryRowxContext(ctx, q,
		src.Name, src.URL, string(src.SourceType.Normalize()), src.SiteCode, src.IntervalMinutes, src.IsActive,
		joinKeywords(src.IncludeKeywords), joinKeywords(src.ExcludeKeywords), toMicros(now),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert feed source: %w", err)
	}
	src.ID = id
	src.SourceType = src.SourceType.Normalize()
	src.CreatedAt = fromMicros(toMicros(now))
	return nil
}

// GetFeedSource returns a single feed source by its ID.
func (s *sqlStore) GetFeedSource(ctx context.Context, id int64) (*model.FeedSource, error) {
	var row feedRow
	q := s.db.Rebind(`SELECT ` + feedColumns + ` FROM feed_sources WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get feed source: %w", err)
	}
	f := row.toModel()
	return &f, nil
}

// ListFeedSources returns all feed sources ordered by ID.
func (s *sqlStore) ListFeedSources(ctx context.Context) ([]model.FeedSource, error) {
	var rows []feedRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+feedColumns+` FROM feed_sources ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list feed sources: %w", err)
	}
	return feedsToModel(rows), nil
}

// ListDueFeedSources returns active sources whose interval has elapsed at now.
func (s *sqlStore) ListDueFeedSources(ctx context.Context, now time.Time) ([]model.FeedSource, error) {
	var rows []feedRow
	q := s.db.Rebind(`SELECT ` + feedColumns + ` FROM feed_sources
		WHERE is_active = ?
		  AND (last_check_at IS NULL OR last_check_at + CAST(interval_minutes AS BIGINT) * 60000000 <= ?)
		ORDER BY id`)
	if err := s.db.SelectContext(ctx, &rows, q, true, toMicros(now)); err != nil {
		return nil, fmt.Errorf("list due feed sources: %w", err)
	}
	return feedsToModel(rows), nil
}

// UpdateFeedSource persists changes to an existing feed source.
func (s *sqlStore) UpdateFeedSource(ctx context.Context, src *model.FeedSource) error {
	var lastCheck sql.NullInt64
	if src.LastCheckAt != nil {
		lastCheck = sql.NullInt64{Int64: toMicros(*src.LastCheckAt), Valid: true}
	}
	q := s.db.Rebind(`UPDATE feed_sources SET name = ?, url = ?, source_type = ?, site_code = ?, interval_minutes = ?,
			is_active = ?, include_keywords = ?, exclude_keywords = ?, last_check_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q,
		src.Name, src.URL, string(src.SourceType.Normalize()), src.SiteCode, src.IntervalMinutes,
		src.IsActive, joinKeywords(src.IncludeKeywords), joinKeywords(src.ExcludeKeywords), lastCheck, src.ID,
	)
	if err != nil {
		return fmt.Errorf("update feed source: %w", err)
	}
	return requireAffected(res)
}

// DeleteFeedSource removes a feed source.
func (s *sqlStore) DeleteFeedSource(ctx context.Context, id int64) error {
	q := s.db.Rebind(`DELETE FROM feed_sources WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("delete feed source: %w", err)
	}
	return requireAffected(res)
}

func feedsToModel(rows []feedRow) []model.FeedSource {
	out := make([]model.FeedSource, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

// --- helpers ---

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func payloadOrEmpty(p []byte) []byte {
	if p == nil {
		return []byte{}
	}
	return p
}

func splitKeywords(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinKeywords(words []string) string {
	cleaned := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			cleaned = append(cleaned, w)
		}
	}
	return strings.Join(cleaned, ",")
}
