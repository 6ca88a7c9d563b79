package bot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"announce_dedup/internal/collector"
	"announce_dedup/internal/config"
	"announce_dedup/internal/model"
	"announce_dedup/internal/storage"
)

// --- mocks ---

type sentMsg struct {
	ChatID   int64
	Text     string
	Keyboard bool
}

type mockAPI struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.mu.Lock()
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text, Keyboard: msg.ReplyMarkup != nil})
		m.mu.Unlock()
	}
	return tgbotapi.Message{}, nil
}

func (m *mockAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(tgbotapi.UpdatesChannel)
}

func (m *mockAPI) StopReceivingUpdates() {}

func (m *mockAPI) last() sentMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMsg{}
	}
	return m.sent[len(m.sent)-1]
}

func (m *mockAPI) lastText() string {
	return m.last().Text
}

func (m *mockAPI) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockAPI) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

type mockHTTPClient struct {
	body string
	err  error
}

func (m *mockHTTPClient) Do(_ *http.Request) (*http.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

type mockInvalidator struct {
	calls int
}

func (m *mockInvalidator) Invalidate() { m.calls++ }

type mockCollector struct {
	report  collector.Report
	checked []int64
}

func (m *mockCollector) Collect(_ context.Context, src model.FeedSource) collector.Report {
	m.checked = append(m.checked, src.ID)
	rep := m.report
	rep.SourceID = src.ID
	return rep
}

// --- helpers ---

type testBot struct {
	*Bot
	api       *mockAPI
	store     *storage.SQLite
	rules     *mockInvalidator
	collector *mockCollector
}

func newTestBot(t *testing.T, httpBody string) testBot {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tb := testBot{
		api:       &mockAPI{},
		store:     store,
		rules:     &mockInvalidator{},
		collector: &mockCollector{},
	}
	tb.Bot = &Bot{
		api:       tb.api,
		store:     store,
		cfg:       &config.Config{},
		rules:     tb.rules,
		collector: tb.collector,
		fetcher:   collector.NewFetcher(&mockHTTPClient{body: httpBody}),
		log:       zerolog.Nop(),
	}
	return tb
}

func seedSource(t *testing.T, store *storage.SQLite, name string) *model.FeedSource {
	t.Helper()
	src := &model.FeedSource{
		Name: name, URL: "https://x.gov/rss", SourceType: model.SourceHomepage,
		SiteCode: "x01", IntervalMinutes: 30, IsActive: true,
	}
	if err := store.CreateFeedSource(context.Background(), src); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	return src
}

func loadFeedXML(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("../collector/testdata/notices.xml")
	if err != nil {
		t.Fatalf("read feed xml: %v", err)
	}
	return string(data)
}

func requireContains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("reply missing %q, got:\n%s", want, got)
	}
}

func makeMsg(cmd, args string) *tgbotapi.Message {
	text := "/" + cmd
	if args != "" {
		text += " " + args
	}
	return &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 100},
		Text: text,
		Entities: []tgbotapi.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: len("/" + cmd)},
		},
	}
}

// --- handler tests ---

func TestHandleStartAndHelp(t *testing.T) {
	tb := newTestBot(t, "")
	tb.handleStart(100)
	requireContains(t, tb.api.lastText(), "Announcement dedup admin")
	tb.handleHelp(100)
	requireContains(t, tb.api.lastText(), "/setquery")
	requireContains(t, tb.api.lastText(), "/rmsource")
}

func TestRuleCommands(t *testing.T) {
	ctx := context.Background()
	tb := newTestBot(t, "")

	tests := []struct {
		cmd      string
		args     string
		contains string
	}{
		{"rules", "", "No domain rules"},
		{"setquery", "X.gov nttId, bbsId", "Rule saved for x.gov"},
		{"setquery", "x.gov", "Usage: /setquery"},
		{"setpath", "city.kr (\\d+", "Invalid rule"},
		{"setpath", "city.kr ^/board/(\\d+)", "Rule saved for city.kr"},
		{"setquery", "https://x.gov/ id", "Usage: /setquery"},
		{"rules", "", "x.gov [active]"},
		{"rule", "x.gov", "Key params: nttId, bbsId"},
		{"rule", "nope.kr", "No rule for nope.kr"},
		{"disable", "city.kr", "disabled"},
		{"rules", "", "city.kr [disabled]"},
		{"enable", "city.kr", "Rule for city.kr enabled."},
		{"rmrule", "city.kr", "deleted"},
		{"rmrule", "city.kr", "No rule for city.kr"},
	}
	for _, tt := range tests {
		tb.api.reset()
		tb.handleCommand(ctx, makeMsg(tt.cmd, tt.args))
		requireContains(t, tb.api.lastText(), tt.contains)
	}

	rule, err := tb.store.GetRule(ctx, "x.gov")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if diff := cmp.Diff([]string{"nttId", "bbsId"}, rule.KeyParams); diff != "" {
		t.Errorf("key params mismatch (-want +got):\n%s", diff)
	}
	// Every successful write invalidates: 2 saves, disable, enable, delete.
	if tb.rules.calls != 5 {
		t.Errorf("expected 5 invalidations, got %d", tb.rules.calls)
	}
}

func TestEnableWarnsOnInvalidRule(t *testing.T) {
	ctx := context.Background()
	tb := newTestBot(t, "")
	bad := model.DomainKeyRule{Domain: "bad.kr", Method: model.MethodPathPattern, Pattern: "(", Active: false}
	if err := tb.store.UpsertRule(ctx, bad); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	tb.handleCommand(ctx, makeMsg("enable", "bad.kr"))
	requireContains(t, tb.api.lastText(), "Warning")

	tb.handleCommand(ctx, makeMsg("rule", "bad.kr"))
	requireContains(t, tb.api.lastText(), "Not applied")
}

func TestPriorityCommands(t *testing.T) {
	ctx := context.Background()
	tb := newTestBot(t, "")

	tb.handleCommand(ctx, makeMsg("priorities", ""))
	requireContains(t, tb.api.lastText(), "defaults, none configured")
	requireContains(t, tb.api.lastText(), "api_scrape: 1")

	tb.handleCommand(ctx, makeMsg("setpriority", "Eminwon 9"))
	requireContains(t, tb.api.lastText(), "Priority of eminwon set to 9")

	tb.handleCommand(ctx, makeMsg("setpriority", "eminwon high"))
	requireContains(t, tb.api.lastText(), "invalid priority")

	tb.handleCommand(ctx, makeMsg("priorities", ""))
	want := "Source priorities:\n  eminwon: 9\nUnlisted source types: 0"
	if diff := cmp.Diff(want, tb.api.lastText()); diff != "" {
		t.Errorf("priorities mismatch (-want +got):\n%s", diff)
	}
	if tb.rules.calls != 1 {
		t.Errorf("expected 1 invalidation, got %d", tb.rules.calls)
	}
}

func TestAuditCommand(t *testing.T) {
	ctx := context.Background()
	tb := newTestBot(t, "")

	tb.handleCommand(ctx, makeMsg("audit", ""))
	requireContains(t, tb.api.lastText(), "No audit entries")

	now := time.Now().UTC()
	existing := model.SourceHomepage
	entries := []model.DuplicateLogEntry{
		{Decision: model.DecisionInserted, IncomingSourceType: model.SourceHomepage, RecordID: strPtr("r1"),
			Detail: map[string]any{"source_url": "https://x.gov/n?id=1"}, CreatedAt: now},
		{Decision: model.DecisionKeptExisting, IncomingSourceType: model.SourceAPIScrape, RecordID: strPtr("r1"),
			ExistingSourceType: &existing, Detail: map[string]any{"source_url": "https://x.gov/n?id=1"}, CreatedAt: now},
		{Decision: model.DecisionError, IncomingSourceType: model.SourceScraper, CreatedAt: now},
	}
	for i := range entries {
		if err := tb.store.AppendLog(ctx, &entries[i]); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tb.handleCommand(ctx, makeMsg("audit", ""))
	text := tb.api.lastText()
	requireContains(t, text, "error=1, inserted=1, kept_existing=1")
	requireContains(t, text, "api_scrape vs homepage")

	tb.handleCommand(ctx, makeMsg("audit", "inserted 5"))
	text = tb.api.lastText()
	requireContains(t, text, "Last 24h: inserted=1")
	if strings.Contains(text, "kept_existing") {
		t.Errorf("decision filter not applied:\n%s", text)
	}

	tb.handleCommand(ctx, makeMsg("audit", "1"))
	if got := strings.Count(tb.api.lastText(), "\n\n"); got != 1 {
		t.Errorf("expected a single entry, got %d:\n%s", got, tb.api.lastText())
	}

	tb.handleCommand(ctx, makeMsg("audit", "merged"))
	requireContains(t, tb.api.lastText(), "unknown decision")
}

func TestSourceCommands(t *testing.T) {
	ctx := context.Background()
	tb := newTestBot(t, loadFeedXML(t))

	tb.handleCommand(ctx, makeMsg("sources", ""))
	requireContains(t, tb.api.lastText(), "No feed sources")

	tb.handleCommand(ctx, makeMsg("addsource", "Homepage x01 https://x.gov/rss"))
	requireContains(t, tb.api.lastText(), "#1 X Gov Notices (homepage/x01, every 60 min)")

	tb.handleCommand(ctx, makeMsg("addsource", "homepage x01 ftp://x.gov/rss"))
	requireContains(t, tb.api.lastText(), "invalid feed URL")

	tb.handleCommand(ctx, makeMsg("interval", "1 15"))
	requireContains(t, tb.api.lastText(), "interval set to 15 min")

	tb.handleCommand(ctx, makeMsg("pause", "1"))
	requireContains(t, tb.api.lastText(), "paused")
	tb.handleCommand(ctx, makeMsg("sources", ""))
	requireContains(t, tb.api.lastText(), "every 15 min) [paused]")

	tb.handleCommand(ctx, makeMsg("resume", "1"))
	requireContains(t, tb.api.lastText(), "resumed")

	tb.handleCommand(ctx, makeMsg("pause", "99"))
	requireContains(t, tb.api.lastText(), "Source #99 not found")

	src, err := tb.store.GetFeedSource(ctx, 1)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if !src.IsActive || src.IntervalMinutes != 15 {
		t.Errorf("unexpected stored source: %+v", src)
	}
}

func TestAddSourceFetchFailure(t *testing.T) {
	ctx := context.Background()
	tb := newTestBot(t, "")
	tb.fetcher = collector.NewFetcher(&mockHTTPClient{err: errors.New("connection refused")})

	tb.handleCommand(ctx, makeMsg("addsource", "homepage x01 https://x.gov/rss"))
	requireContains(t, tb.api.lastText(), "Failed to fetch feed")

	sources, err := tb.store.ListFeedSources(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sources) != 0 {
		t.Errorf("expected no sources, got %d", len(sources))
	}
}

func TestCheckCommand(t *testing.T) {
	ctx := context.Background()
	tb := newTestBot(t, "")
	src := seedSource(t, tb.store, "City")
	tb.collector.report = collector.Report{
		Fetched: 4, Matched: 3,
		Decisions: map[model.Decision]int{model.DecisionInserted: 2, model.DecisionReplaced: 1},
	}

	tb.handleCommand(ctx, makeMsg("check", "1"))
	text := tb.api.lastText()
	requireContains(t, text, `Collected #1 "City": 4 fetched, 3 matched`)
	requireContains(t, text, "inserted=2, replaced=1")
	if diff := cmp.Diff([]int64{src.ID}, tb.collector.checked); diff != "" {
		t.Errorf("collected sources mismatch (-want +got):\n%s", diff)
	}

	tb.collector.report = collector.Report{Err: errors.New("feed returned status 503")}
	tb.handleCommand(ctx, makeMsg("check", "1"))
	requireContains(t, tb.api.lastText(), "Failed to collect #1")

	tb.handleCommand(ctx, makeMsg("check", "abc"))
	requireContains(t, tb.api.lastText(), "Usage: /check")
}

func TestRmSourceWithConfirmation(t *testing.T) {
	ctx := context.Background()
	tb := newTestBot(t, "")
	seedSource(t, tb.store, "City")

	tb.handleCommand(ctx, makeMsg("rmsource", "1"))
	last := tb.api.last()
	requireContains(t, last.Text, `Delete source #1 "City"?`)
	if !last.Keyboard {
		t.Error("expected a confirmation keyboard")
	}
	if _, err := tb.store.GetFeedSource(ctx, 1); err != nil {
		t.Fatalf("source must survive until confirmed: %v", err)
	}

	tb.handleCallback(ctx, &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 7},
		Data:    "delete:1",
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 100}},
	})
	requireContains(t, tb.api.lastText(), `Source #1 "City" deleted.`)
	if _, err := tb.store.GetFeedSource(ctx, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestHandleCallback(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		data     string
		wantSent int
	}{
		{name: "invalid data format", data: "nocolon"},
		{name: "invalid id", data: "check:abc"},
		{name: "cancel", data: "noop:0"},
		{name: "check", data: "check:1", wantSent: 1},
		{name: "rmsource", data: "rmsource:1", wantSent: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestBot(t, "")
			seedSource(t, tb.store, "City")
			tb.handleCallback(ctx, &tgbotapi.CallbackQuery{
				ID:      "cb",
				From:    &tgbotapi.User{ID: 7},
				Data:    tt.data,
				Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 100}},
			})
			if diff := cmp.Diff(tt.wantSent, tb.api.count()); diff != "" {
				t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnknownCommand(t *testing.T) {
	tb := newTestBot(t, "")
	tb.handleCommand(context.Background(), makeMsg("subscribe", ""))
	requireContains(t, tb.api.lastText(), "Unknown command")
}

func strPtr(s string) *string { return &s }
