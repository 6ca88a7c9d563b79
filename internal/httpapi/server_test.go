package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"announce_dedup/internal/dedup"
	"announce_dedup/internal/model"
	"announce_dedup/internal/rules"
	"announce_dedup/internal/storage"
)

type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func newTestServer(t *testing.T) (*echo.Echo, *storage.SQLite) {
	t.Helper()
	st, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cache := rules.NewCache(st, time.Hour, zerolog.Nop())
	svc := dedup.NewService(st, cache, dedup.Options{MaxRetries: 2, RetryBackoff: time.Millisecond}, zerolog.Nop())
	return NewServer(st, svc, cache, zerolog.Nop(), Options{}).Handler(), st
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, env
}

type ingestData struct {
	Decision string     `json:"decision"`
	Record   recordView `json:"record"`
	Log      logView    `json:"log"`
}

func ingest(t *testing.T, h http.Handler, url string, st model.SourceType, wantStatus int) ingestData {
	t.Helper()
	body := fmt.Sprintf(`{"source_url":%q,"source_type":%q,"site_code":"s1","payload":{"title":"notice"},"collected_at":"2026-03-01T09:00:00Z"}`, url, st)
	code, env := do(t, h, http.MethodPost, "/api/v1/announcements", body)
	if code != wantStatus {
		t.Fatalf("ingest %s: status %d, want %d (%s)", url, code, wantStatus, env.Message)
	}
	var data ingestData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode ingest data: %v", err)
	}
	return data
}

func TestIngestAndRuleChanges(t *testing.T) {
	h, _ := newTestServer(t)
	const url = "https://x.gov/notice?id=5&page=2"

	// No rule yet: unconfigured path.
	first := ingest(t, h, url, model.SourceHomepage, http.StatusCreated)
	if first.Record.Fingerprint != nil {
		t.Fatalf("expected no fingerprint before the rule exists, got %v", *first.Record.Fingerprint)
	}
	if diff := cmp.Diff(`{"title":"notice"}`, string(first.Record.Payload)); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	code, env := do(t, h, http.MethodPut, "/api/v1/rules/X.gov", `{"method":"query_params","key_params":["id"]}`)
	if code != http.StatusOK {
		t.Fatalf("put rule: status %d (%s)", code, env.Message)
	}

	// The write invalidated the cache, so the rule applies immediately.
	second := ingest(t, h, url, model.SourceHomepage, http.StatusCreated)
	if second.Record.CanonicalKey == nil || *second.Record.CanonicalKey != "x.gov|id=5" {
		t.Fatalf("unexpected canonical key: %v", second.Record.CanonicalKey)
	}

	third := ingest(t, h, "https://x.gov/notice?id=5", model.SourceAPIScrape, http.StatusOK)
	if third.Decision != string(model.DecisionKeptExisting) || third.Record.ID != second.Record.ID {
		t.Errorf("expected kept_existing on %s, got %s on %s", second.Record.ID, third.Decision, third.Record.ID)
	}
	if third.Log.ExistingPriority == nil || *third.Log.ExistingPriority != 3 || third.Log.IncomingPriority != 1 {
		t.Errorf("unexpected priorities in log: %+v", third.Log)
	}

	code, env = do(t, h, http.MethodGet, "/api/v1/records/"+second.Record.ID, "")
	if code != http.StatusOK || env.Status != "success" {
		t.Fatalf("get record: status %d %s", code, env.Status)
	}
	code, _ = do(t, h, http.MethodGet, "/api/v1/records/missing", "")
	if code != http.StatusNotFound {
		t.Errorf("missing record: status %d", code)
	}

	code, env = do(t, h, http.MethodGet, "/api/v1/audit?decision=inserted&limit=10", "")
	if code != http.StatusOK {
		t.Fatalf("audit: status %d", code)
	}
	var audit struct {
		Items []logView `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &audit); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(audit.Items) != 2 {
		t.Errorf("expected 2 inserted entries, got %d", len(audit.Items))
	}

	code, env = do(t, h, http.MethodGet, "/api/v1/audit?fingerprint="+*second.Record.Fingerprint, "")
	if code != http.StatusOK {
		t.Fatalf("audit by fingerprint: status %d", code)
	}
	if err := json.Unmarshal(env.Data, &audit); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(audit.Items) != 2 {
		t.Errorf("expected inserted and kept_existing for the fingerprint, got %d", len(audit.Items))
	}
}

func TestIngestValidation(t *testing.T) {
	h, st := newTestServer(t)

	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{name: "empty body", body: "", wantField: "request"},
		{name: "missing source type", body: `{"source_url":"https://x.gov/n?id=1"}`, wantField: "request"},
		{name: "empty source url", body: `{"source_url":"","source_type":"homepage"}`, wantField: "source_url"},
		{name: "unknown field", body: `{"source_url":"https://x.gov/","source_type":"homepage","extra":1}`, wantField: "request"},
		{name: "bad timestamp", body: `{"source_url":"https://x.gov/","source_type":"homepage","collected_at":"yesterday"}`, wantField: "collected_at"},
		{name: "trailing content", body: `{"source_url":"https://x.gov/","source_type":"homepage"} {}`, wantField: "request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := do(t, h, http.MethodPost, "/api/v1/announcements", tt.body)
			if code != http.StatusBadRequest || env.Status != "fail" {
				t.Fatalf("status %d %q, want 400 fail", code, env.Status)
			}
			var data struct {
				ValidationErrors map[string]string `json:"validation_errors"`
			}
			if err := json.Unmarshal(env.Data, &data); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if _, ok := data.ValidationErrors[tt.wantField]; !ok {
				t.Errorf("expected error for %q, got %v", tt.wantField, data.ValidationErrors)
			}
		})
	}

	// Rejected requests never reach the store.
	n, err := st.CountLog(context.Background())
	if err != nil {
		t.Fatalf("count log: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no log entries, got %d", n)
	}
}

type transientIngester struct{}

func (transientIngester) Ingest(context.Context, model.RawAnnouncement) (model.AnnouncementRecord, model.DuplicateLogEntry, error) {
	return model.AnnouncementRecord{}, model.DuplicateLogEntry{Decision: model.DecisionError}, fmt.Errorf("%w after 3 attempts", dedup.ErrTransient)
}

func TestIngestTransient(t *testing.T) {
	_, st := newTestServer(t)
	h := NewServer(st, transientIngester{}, nil, zerolog.Nop(), Options{}).Handler()

	code, env := do(t, h, http.MethodPost, "/api/v1/announcements", `{"source_url":"https://x.gov/n?id=1","source_type":"homepage"}`)
	if code != http.StatusServiceUnavailable || env.Status != "error" {
		t.Errorf("status %d %q, want 503 error", code, env.Status)
	}
}

func TestAuditQueryValidation(t *testing.T) {
	h, _ := newTestServer(t)

	tests := []struct {
		query    string
		wantCode int
	}{
		{query: "", wantCode: http.StatusOK},
		{query: "?decision=kept_existing&from=2026-01-01T00:00:00Z&to=2026-12-31T00:00:00Z", wantCode: http.StatusOK},
		{query: "?decision=merged", wantCode: http.StatusBadRequest},
		{query: "?from=yesterday", wantCode: http.StatusBadRequest},
		{query: "?limit=0", wantCode: http.StatusBadRequest},
		{query: "?limit=5000", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			code, _ := do(t, h, http.MethodGet, "/api/v1/audit"+tt.query, "")
			if code != tt.wantCode {
				t.Errorf("status %d, want %d", code, tt.wantCode)
			}
		})
	}
}

func TestRuleAdministration(t *testing.T) {
	h, st := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
	}{
		{name: "invalid regex", method: http.MethodPut, path: "/api/v1/rules/a.kr", body: `{"method":"path_pattern","pattern":"(["}`, wantCode: http.StatusBadRequest},
		{name: "unknown method", method: http.MethodPut, path: "/api/v1/rules/a.kr", body: `{"method":"hash"}`, wantCode: http.StatusBadRequest},
		{name: "not json", method: http.MethodPut, path: "/api/v1/rules/a.kr", body: `method=path`, wantCode: http.StatusBadRequest},
		{name: "path rule", method: http.MethodPut, path: "/api/v1/rules/a.kr", body: `{"method":"path_pattern","pattern":"^/b/(\\d+)","active":false}`, wantCode: http.StatusOK},
		{name: "get", method: http.MethodGet, path: "/api/v1/rules/a.kr", wantCode: http.StatusOK},
		{name: "list", method: http.MethodGet, path: "/api/v1/rules", wantCode: http.StatusOK},
		{name: "delete", method: http.MethodDelete, path: "/api/v1/rules/a.kr", wantCode: http.StatusNoContent},
		{name: "delete again", method: http.MethodDelete, path: "/api/v1/rules/a.kr", wantCode: http.StatusNotFound},
		{name: "get deleted", method: http.MethodGet, path: "/api/v1/rules/a.kr", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := do(t, h, tt.method, tt.path, tt.body)
			if code != tt.wantCode {
				t.Fatalf("status %d, want %d (%s)", code, tt.wantCode, env.Message)
			}
		})
		if tt.name == "path rule" {
			rule, err := st.GetRule(ctx, "a.kr")
			if err != nil {
				t.Fatalf("get rule: %v", err)
			}
			if rule.Active || rule.Pattern != `^/b/(\d+)` {
				t.Errorf("unexpected stored rule: %+v", rule)
			}
		}
	}
}

func TestPriorityAdministration(t *testing.T) {
	h, _ := newTestServer(t)

	code, _ := do(t, h, http.MethodPut, "/api/v1/priorities/Homepage", `{"priority":5}`)
	if code != http.StatusOK {
		t.Fatalf("put priority: status %d", code)
	}
	code, _ = do(t, h, http.MethodPut, "/api/v1/priorities/homepage", `{}`)
	if code != http.StatusBadRequest {
		t.Errorf("put without priority: status %d", code)
	}

	code, env := do(t, h, http.MethodGet, "/api/v1/priorities", "")
	if code != http.StatusOK {
		t.Fatalf("list priorities: status %d", code)
	}
	var data struct {
		Items map[string]int `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(map[string]int{"homepage": 5}, data.Items); diff != "" {
		t.Errorf("priorities mismatch (-want +got):\n%s", diff)
	}

	// The new rank is used for the next ingestion.
	got := ingest(t, h, "https://x.gov/n?id=1", model.SourceHomepage, http.StatusCreated)
	if got.Log.IncomingPriority != 5 {
		t.Errorf("expected incoming priority 5, got %d", got.Log.IncomingPriority)
	}

	code, _ = do(t, h, http.MethodDelete, "/api/v1/priorities/homepage", "")
	if code != http.StatusNoContent {
		t.Errorf("delete priority: status %d", code)
	}
	code, _ = do(t, h, http.MethodDelete, "/api/v1/priorities/homepage", "")
	if code != http.StatusNotFound {
		t.Errorf("delete missing priority: status %d", code)
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	code, env := do(t, h, http.MethodGet, "/api/v1/health", "")
	if code != http.StatusOK || env.Status != "success" {
		t.Errorf("health: status %d %q", code, env.Status)
	}
	code, env = do(t, h, http.MethodGet, "/api/v1/nope", "")
	if code != http.StatusNotFound || env.Status != "fail" {
		t.Errorf("unknown route: status %d %q", code, env.Status)
	}
}
