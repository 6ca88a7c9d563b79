// Package collector polls configured RSS/Atom feeds and feeds their items
// into deduplicating ingestion as raw announcements.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"announce_dedup/internal/model"
)

// Store is the feed source persistence the collector needs.
type Store interface {
	ListDueFeedSources(ctx context.Context, now time.Time) ([]model.FeedSource, error)
	UpdateFeedSource(ctx context.Context, src *model.FeedSource) error
}

// Ingester stores raw announcements.
type Ingester interface {
	Ingest(ctx context.Context, raw model.RawAnnouncement) (model.AnnouncementRecord, model.DuplicateLogEntry, error)
}

// Report summarizes one collection run of a source.
type Report struct {
	SourceID  int64
	Fetched   int
	Matched   int
	Decisions map[model.Decision]int
	Failed    int
	Err       error
}

// Collector periodically collects due feed sources.
type Collector struct {
	store    Store
	fetcher  *Fetcher
	ingester Ingester
	log      zerolog.Logger
	tick     time.Duration
	now      func() time.Time
}

// New creates a Collector with the default HTTP client.
func New(store Store, ingester Ingester, log zerolog.Logger) *Collector {
	return NewWithFetcher(store, NewFetcher(http.DefaultClient), ingester, log)
}

// NewWithFetcher creates a Collector with a custom fetcher.
func NewWithFetcher(store Store, f *Fetcher, ingester Ingester, log zerolog.Logger) *Collector {
	return &Collector{
		store:    store,
		fetcher:  f,
		ingester: ingester,
		log:      log,
		tick:     time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetTickInterval overrides the default 1-minute check interval.
func (c *Collector) SetTickInterval(d time.Duration) {
	if d > 0 {
		c.tick = d
	}
}

// Run collects due sources immediately and then on every tick, blocking
// until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	c.CollectDue(ctx)

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CollectDue(ctx)
		}
	}
}

// CollectDue collects every active source whose interval has elapsed.
func (c *Collector) CollectDue(ctx context.Context) []Report {
	sources, err := c.store.ListDueFeedSources(ctx, c.now())
	if err != nil {
		c.log.Error().Err(err).Msg("list due feed sources")
		return nil
	}

	reports := make([]Report, 0, len(sources))
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		reports = append(reports, c.Collect(ctx, src))
	}
	return reports
}

// Collect fetches one source and ingests its matching items. A failing item
// is logged and counted; it does not stop the rest of the batch.
func (c *Collector) Collect(ctx context.Context, src model.FeedSource) Report {
	rep := Report{SourceID: src.ID, Decisions: make(map[model.Decision]int)}
	log := c.log.With().Int64("source_id", src.ID).Str("name", src.Name).Logger()
	log.Debug().Msg("collecting feed")

	feed, err := c.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		log.Error().Err(err).Str("url", src.URL).Msg("fetch feed")
		rep.Err = err
		c.markChecked(ctx, &src)
		return rep
	}

	items := Items(feed)
	rep.Fetched = len(items)
	for _, item := range items {
		if ctx.Err() != nil {
			rep.Err = ctx.Err()
			return rep
		}
		if !Match(item, src.IncludeKeywords, src.ExcludeKeywords) {
			continue
		}
		rep.Matched++

		raw, err := c.announcement(src, item)
		if err != nil {
			log.Error().Err(err).Str("guid", item.GUID).Msg("build announcement")
			rep.Failed++
			continue
		}
		_, entry, err := c.ingester.Ingest(ctx, raw)
		if err != nil {
			log.Error().Err(err).Str("link", item.Link).Msg("ingest item")
			rep.Failed++
			continue
		}
		rep.Decisions[entry.Decision]++
	}

	log.Info().
		Int("fetched", rep.Fetched).
		Int("matched", rep.Matched).
		Int("failed", rep.Failed).
		Int("inserted", rep.Decisions[model.DecisionInserted]).
		Int("replaced", rep.Decisions[model.DecisionReplaced]).
		Int("kept", rep.Decisions[model.DecisionKeptExisting]).
		Msg("feed collected")

	c.markChecked(ctx, &src)
	return rep
}

func (c *Collector) announcement(src model.FeedSource, item Item) (model.RawAnnouncement, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return model.RawAnnouncement{}, fmt.Errorf("encode payload: %w", err)
	}
	return model.RawAnnouncement{
		SourceURL:   item.Link,
		SourceType:  src.SourceType,
		SiteCode:    src.SiteCode,
		Payload:     payload,
		CollectedAt: c.now(),
	}, nil
}

func (c *Collector) markChecked(ctx context.Context, src *model.FeedSource) {
	now := c.now()
	src.LastCheckAt = &now
	if err := c.store.UpdateFeedSource(ctx, src); err != nil {
		c.log.Error().Err(err).Int64("source_id", src.ID).Msg("update last check")
	}
}
