package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"announce_dedup/internal/dedup"
	"announce_dedup/internal/model"
	"announce_dedup/internal/storage"
	"announce_dedup/internal/urlkey"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
)

type ingestRequest struct {
	SourceURL   string          `json:"source_url"`
	SourceType  string          `json:"source_type"`
	SiteCode    string          `json:"site_code"`
	Payload     json.RawMessage `json:"payload"`
	CollectedAt *time.Time      `json:"collected_at"`
}

type recordView struct {
	ID           string          `json:"id"`
	CanonicalKey *string         `json:"canonical_key"`
	Fingerprint  *string         `json:"fingerprint"`
	SourceType   string          `json:"source_type"`
	SiteCode     string          `json:"site_code"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type logView struct {
	ID                 string         `json:"id"`
	RecordID           *string        `json:"record_id"`
	Fingerprint        *string        `json:"fingerprint"`
	Decision           string         `json:"decision"`
	IncomingSourceType string         `json:"incoming_source_type"`
	ExistingSourceType *string        `json:"existing_source_type"`
	IncomingPriority   int            `json:"incoming_priority"`
	ExistingPriority   *int           `json:"existing_priority"`
	Detail             map[string]any `json:"detail"`
	CreatedAt          time.Time      `json:"created_at"`
}

type ruleView struct {
	Domain    string    `json:"domain"`
	Method    string    `json:"method"`
	KeyParams []string  `json:"key_params"`
	Pattern   string    `json:"pattern,omitempty"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ruleRequest struct {
	Method    string   `json:"method"`
	KeyParams []string `json:"key_params"`
	Pattern   string   `json:"pattern"`
	Active    *bool    `json:"active"`
}

type priorityRequest struct {
	Priority *int `json:"priority"`
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	records, err := s.store.CountRecords(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("count records failed")
		return errorWithStatus(c, http.StatusServiceUnavailable, "Store unavailable")
	}
	entries, err := s.store.CountLog(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("count log failed")
		return errorWithStatus(c, http.StatusServiceUnavailable, "Store unavailable")
	}
	return success(c, map[string]any{
		"service":     "announce_dedup",
		"time":        s.now(),
		"records":     records,
		"log_entries": entries,
	})
}

func (s *Server) handleIngest(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fail(c, http.StatusBadRequest, "Could not read request body", nil)
	}
	fields, err := validateAnnouncement(body)
	if err != nil {
		s.logger.Error().Err(err).Msg("schema unavailable")
		return internalError(c, "Failed to validate request")
	}
	if len(fields) > 0 {
		return failValidation(c, fields)
	}

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return failValidation(c, map[string]string{"request": err.Error()})
	}
	raw := model.RawAnnouncement{
		SourceURL:  req.SourceURL,
		SourceType: model.SourceType(req.SourceType),
		SiteCode:   req.SiteCode,
		Payload:    []byte(req.Payload),
	}
	if req.CollectedAt != nil {
		raw.CollectedAt = req.CollectedAt.UTC()
	}

	rec, entry, err := s.ingester.Ingest(c.Request().Context(), raw)
	switch {
	case err == nil:
	case errors.Is(err, dedup.ErrInvalidInput):
		return failValidation(c, map[string]string{"request": err.Error()})
	case errors.Is(err, dedup.ErrTransient):
		c.Response().Header().Set("Retry-After", "1")
		return errorWithStatus(c, http.StatusServiceUnavailable, "Ingestion conflicted, retry later")
	default:
		s.logger.Error().Err(err).Str("source_url", raw.SourceURL).Msg("ingest failed")
		return internalError(c, "Failed to ingest announcement")
	}

	status := http.StatusOK
	if entry.Decision == model.DecisionInserted {
		status = http.StatusCreated
	}
	return successWithStatus(c, status, map[string]any{
		"decision": entry.Decision,
		"record":   newRecordView(rec),
		"log":      newLogView(entry),
	})
}

func (s *Server) handleRecord(c echo.Context) error {
	rec, err := s.store.GetRecord(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failNotFound(c, "Record not found")
		}
		s.logger.Error().Err(err).Msg("get record failed")
		return internalError(c, "Failed to load record")
	}
	return success(c, newRecordView(*rec))
}

func (s *Server) handleAudit(c echo.Context) error {
	q, fields := parseLogQuery(c)
	if len(fields) > 0 {
		return failValidation(c, fields)
	}
	entries, err := s.store.ListLog(c.Request().Context(), q)
	if err != nil {
		s.logger.Error().Err(err).Msg("list log failed")
		return internalError(c, "Failed to load audit log")
	}
	items := make([]logView, 0, len(entries))
	for _, e := range entries {
		items = append(items, newLogView(e))
	}
	return success(c, map[string]any{
		"items": items,
	})
}

func parseLogQuery(c echo.Context) (model.LogQuery, map[string]string) {
	fields := make(map[string]string)
	q := model.LogQuery{
		Fingerprint: strings.TrimSpace(c.QueryParam("fingerprint")),
		AfterID:     strings.TrimSpace(c.QueryParam("after")),
		Limit:       defaultAuditLimit,
	}
	if d := strings.TrimSpace(c.QueryParam("decision")); d != "" {
		q.Decision = model.Decision(d)
		if !q.Decision.Valid() {
			fields["decision"] = fmt.Sprintf("unknown decision %q", d)
		}
	}
	for name, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		v := strings.TrimSpace(c.QueryParam(name))
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fields[name] = "must be RFC3339"
			continue
		}
		*dst = t.UTC()
	}
	if v := strings.TrimSpace(c.QueryParam("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxAuditLimit {
			fields["limit"] = fmt.Sprintf("must be between 1 and %d", maxAuditLimit)
		} else {
			q.Limit = n
		}
	}
	return q, fields
}

func (s *Server) handleListRules(c echo.Context) error {
	rules, err := s.store.ListRules(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list rules failed")
		return internalError(c, "Failed to load rules")
	}
	items := make([]ruleView, 0, len(rules))
	for _, r := range rules {
		items = append(items, newRuleView(r))
	}
	return success(c, map[string]any{
		"items": items,
	})
}

func (s *Server) handleGetRule(c echo.Context) error {
	rule, err := s.store.GetRule(c.Request().Context(), c.Param("domain"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failNotFound(c, "Rule not found")
		}
		s.logger.Error().Err(err).Msg("get rule failed")
		return internalError(c, "Failed to load rule")
	}
	return success(c, newRuleView(*rule))
}

func (s *Server) handlePutRule(c echo.Context) error {
	var req ruleRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return failValidation(c, map[string]string{"request": "invalid JSON body"})
	}
	rule := model.DomainKeyRule{
		Domain:    urlkey.NormalizeDomain(c.Param("domain")),
		Method:    model.KeyMethod(strings.TrimSpace(req.Method)),
		KeyParams: req.KeyParams,
		Pattern:   req.Pattern,
		Active:    req.Active == nil || *req.Active,
	}
	if _, err := urlkey.CompileRule(rule); err != nil {
		return failValidation(c, map[string]string{"rule": err.Error()})
	}

	ctx := c.Request().Context()
	if err := s.store.UpsertRule(ctx, rule); err != nil {
		s.logger.Error().Err(err).Str("domain", rule.Domain).Msg("upsert rule failed")
		return internalError(c, "Failed to save rule")
	}
	s.invalidateRules()
	s.logger.Info().Str("domain", rule.Domain).Str("method", string(rule.Method)).Bool("active", rule.Active).Msg("rule saved")

	saved, err := s.store.GetRule(ctx, rule.Domain)
	if err != nil {
		s.logger.Error().Err(err).Msg("reload rule failed")
		return internalError(c, "Failed to load rule")
	}
	return success(c, newRuleView(*saved))
}

func (s *Server) handleDeleteRule(c echo.Context) error {
	domain := urlkey.NormalizeDomain(c.Param("domain"))
	if err := s.store.DeleteRule(c.Request().Context(), domain); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failNotFound(c, "Rule not found")
		}
		s.logger.Error().Err(err).Msg("delete rule failed")
		return internalError(c, "Failed to delete rule")
	}
	s.invalidateRules()
	s.logger.Info().Str("domain", domain).Msg("rule deleted")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListPriorities(c echo.Context) error {
	entries, err := s.store.ListPriorities(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list priorities failed")
		return internalError(c, "Failed to load priorities")
	}
	items := make(map[string]int, len(entries))
	for _, e := range entries {
		items[string(e.SourceType)] = e.Priority
	}
	return success(c, map[string]any{
		"items": items,
	})
}

func (s *Server) handlePutPriority(c echo.Context) error {
	sourceType := model.SourceType(c.Param("source_type")).Normalize()
	if sourceType == "" {
		return failValidation(c, map[string]string{"source_type": "must not be empty"})
	}
	var req priorityRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return failValidation(c, map[string]string{"request": "invalid JSON body"})
	}
	if req.Priority == nil {
		return failValidation(c, map[string]string{"priority": "is required"})
	}

	entry := model.PriorityEntry{SourceType: sourceType, Priority: *req.Priority}
	if err := s.store.SetPriority(c.Request().Context(), entry); err != nil {
		s.logger.Error().Err(err).Msg("set priority failed")
		return internalError(c, "Failed to save priority")
	}
	s.invalidateRules()
	s.logger.Info().Str("source_type", string(sourceType)).Int("priority", entry.Priority).Msg("priority saved")
	return success(c, map[string]any{
		"source_type": sourceType,
		"priority":    entry.Priority,
	})
}

func (s *Server) handleDeletePriority(c echo.Context) error {
	sourceType := model.SourceType(c.Param("source_type")).Normalize()
	if err := s.store.DeletePriority(c.Request().Context(), sourceType); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failNotFound(c, "Priority not found")
		}
		s.logger.Error().Err(err).Msg("delete priority failed")
		return internalError(c, "Failed to delete priority")
	}
	s.invalidateRules()
	return c.NoContent(http.StatusNoContent)
}

func newRecordView(rec model.AnnouncementRecord) recordView {
	return recordView{
		ID:           rec.ID,
		CanonicalKey: rec.CanonicalKey,
		Fingerprint:  rec.Fingerprint,
		SourceType:   string(rec.SourceType),
		SiteCode:     rec.SiteCode,
		Payload:      payloadJSON(rec.Payload),
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

// payloadJSON embeds JSON payloads as-is and anything else as a string.
func payloadJSON(p []byte) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(p) {
		return json.RawMessage(p)
	}
	quoted, _ := json.Marshal(string(p))
	return quoted
}

func newLogView(e model.DuplicateLogEntry) logView {
	v := logView{
		ID:                 e.ID,
		RecordID:           e.RecordID,
		Fingerprint:        e.Fingerprint,
		Decision:           string(e.Decision),
		IncomingSourceType: string(e.IncomingSourceType),
		IncomingPriority:   e.IncomingPriority,
		ExistingPriority:   e.ExistingPriority,
		Detail:             e.Detail,
		CreatedAt:          e.CreatedAt,
	}
	if e.ExistingSourceType != nil {
		st := string(*e.ExistingSourceType)
		v.ExistingSourceType = &st
	}
	return v
}

func newRuleView(r model.DomainKeyRule) ruleView {
	params := r.KeyParams
	if params == nil {
		params = []string{}
	}
	return ruleView{
		Domain:    r.Domain,
		Method:    string(r.Method),
		KeyParams: params,
		Pattern:   r.Pattern,
		Active:    r.Active,
		UpdatedAt: r.UpdatedAt,
	}
}
