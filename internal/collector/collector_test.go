package collector

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"announce_dedup/internal/dedup"
	"announce_dedup/internal/model"
	"announce_dedup/internal/rules"
	"announce_dedup/internal/storage"
)

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(filepath.Join(t.TempDir(), "collector.db"))
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestCollector(t *testing.T, store *storage.SQLite, body string) *Collector {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertRule(ctx, model.DomainKeyRule{
		Domain: "x.gov", Method: model.MethodQueryParams, KeyParams: []string{"id"}, Active: true,
	}); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	cache := rules.NewCache(store, time.Minute, zerolog.Nop())
	svc := dedup.NewService(store, cache, dedup.Options{MaxRetries: 3, RetryBackoff: time.Millisecond}, zerolog.Nop())
	return NewWithFetcher(store, NewFetcher(&mockTransport{body: body, statusCode: 200}), svc, zerolog.Nop())
}

func TestCollectDue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestCollector(t, store, loadFixture(t))

	src := model.FeedSource{
		Name:            "X notices",
		URL:             "https://x.gov/rss",
		SourceType:      model.SourceHomepage,
		SiteCode:        "x",
		IntervalMinutes: 60,
		IsActive:        true,
		IncludeKeywords: []string{"notice"},
	}
	if err := store.CreateFeedSource(ctx, &src); err != nil {
		t.Fatalf("create source: %v", err)
	}

	reports := c.CollectDue(ctx)
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	rep := reports[0]
	if rep.Err != nil {
		t.Fatalf("unexpected error: %v", rep.Err)
	}
	if rep.Fetched != 4 || rep.Matched != 3 || rep.Failed != 0 {
		t.Errorf("unexpected counts: %+v", rep)
	}
	want := map[model.Decision]int{model.DecisionInserted: 2, model.DecisionReplaced: 1}
	if diff := cmp.Diff(want, rep.Decisions); diff != "" {
		t.Errorf("decisions mismatch (-want +got):\n%s", diff)
	}

	n, err := store.CountRecords(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 records, got %d", n)
	}

	// The corrected item replaced the original content.
	entries, err := store.ListLog(ctx, model.LogQuery{Decision: model.DecisionReplaced})
	if err != nil {
		t.Fatalf("list log: %v", err)
	}
	if len(entries) != 1 || entries[0].RecordID == nil {
		t.Fatalf("expected one replaced entry, got %+v", entries)
	}
	rec, err := store.GetRecord(ctx, *entries[0].RecordID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	var item Item
	if err := json.Unmarshal(rec.Payload, &item); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if diff := cmp.Diff("x-101-corrected", item.GUID); diff != "" {
		t.Errorf("payload guid mismatch (-want +got):\n%s", diff)
	}

	// The source is not due again until its interval elapses.
	if again := c.CollectDue(ctx); len(again) != 0 {
		t.Errorf("expected no due sources right after collection, got %d", len(again))
	}
	got, err := store.GetFeedSource(ctx, src.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if got.LastCheckAt == nil {
		t.Error("expected last check to be recorded")
	}
}

func TestCollectFetchFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestCollector(t, store, "")
	c.fetcher = NewFetcher(&mockTransport{statusCode: 500})

	src := model.FeedSource{Name: "down", URL: "https://x.gov/rss", SourceType: model.SourceScraper, IntervalMinutes: 10, IsActive: true}
	if err := store.CreateFeedSource(ctx, &src); err != nil {
		t.Fatalf("create source: %v", err)
	}

	rep := c.Collect(ctx, src)
	if rep.Err == nil {
		t.Fatal("expected fetch error")
	}
	got, err := store.GetFeedSource(ctx, src.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if got.LastCheckAt == nil {
		t.Error("failed fetch must still record the check")
	}
}
