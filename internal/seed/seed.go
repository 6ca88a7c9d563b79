// Package seed loads declarative rules, priorities and feed sources from a
// YAML file into the store.
package seed

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"announce_dedup/internal/model"
	"announce_dedup/internal/urlkey"
)

// File is the seed document.
type File struct {
	Priorities map[string]int `yaml:"priorities"`
	Rules      []Rule         `yaml:"rules"`
	Sources    []Source       `yaml:"sources"`
}

// Rule is a domain key rule as written in the seed file.
type Rule struct {
	Domain    string   `yaml:"domain"`
	Method    string   `yaml:"method"`
	KeyParams []string `yaml:"key_params"`
	Pattern   string   `yaml:"pattern"`
	Active    *bool    `yaml:"active"` // defaults to true
}

// Source is a feed source as written in the seed file.
type Source struct {
	Name            string   `yaml:"name"`
	URL             string   `yaml:"url"`
	SourceType      string   `yaml:"source_type"`
	SiteCode        string   `yaml:"site_code"`
	IntervalMinutes int      `yaml:"interval_minutes"`
	Include         []string `yaml:"include"`
	Exclude         []string `yaml:"exclude"`
}

// Store is the persistence the seeder writes to.
type Store interface {
	UpsertRule(ctx context.Context, rule model.DomainKeyRule) error
	SetPriority(ctx context.Context, entry model.PriorityEntry) error
	ListFeedSources(ctx context.Context) ([]model.FeedSource, error)
	CreateFeedSource(ctx context.Context, src *model.FeedSource) error
}

// Result counts what Apply wrote.
type Result struct {
	Priorities int
	Rules      int
	Sources    int
}

// LoadFile reads and validates a seed file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a seed document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	for name := range f.Priorities {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("priorities: empty source type")
		}
	}
	for i, r := range f.Rules {
		if _, err := urlkey.CompileRule(r.model()); err != nil {
			return fmt.Errorf("rules[%d] (%s): %w", i, r.Domain, err)
		}
	}
	for i, s := range f.Sources {
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("sources[%d]: empty url", i)
		}
		if strings.TrimSpace(s.SourceType) == "" {
			return fmt.Errorf("sources[%d]: empty source_type", i)
		}
	}
	return nil
}

func (r Rule) model() model.DomainKeyRule {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return model.DomainKeyRule{
		Domain:    urlkey.NormalizeDomain(r.Domain),
		Method:    model.KeyMethod(strings.TrimSpace(r.Method)),
		KeyParams: r.KeyParams,
		Pattern:   r.Pattern,
		Active:    active,
	}
}

// Apply writes f into store. Rules and priorities are upserted; sources are
// created only when no source with the same URL exists, so applying the same
// file twice changes nothing.
func Apply(ctx context.Context, store Store, f *File) (Result, error) {
	var res Result
	for name, p := range f.Priorities {
		entry := model.PriorityEntry{SourceType: model.SourceType(name).Normalize(), Priority: p}
		if err := store.SetPriority(ctx, entry); err != nil {
			return res, fmt.Errorf("set priority %s: %w", name, err)
		}
		res.Priorities++
	}
	for _, r := range f.Rules {
		if err := store.UpsertRule(ctx, r.model()); err != nil {
			return res, fmt.Errorf("upsert rule %s: %w", r.Domain, err)
		}
		res.Rules++
	}

	if len(f.Sources) == 0 {
		return res, nil
	}
	existing, err := store.ListFeedSources(ctx)
	if err != nil {
		return res, fmt.Errorf("list feed sources: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, src := range existing {
		known[src.URL] = true
	}
	for _, s := range f.Sources {
		url := strings.TrimSpace(s.URL)
		if known[url] {
			continue
		}
		interval := s.IntervalMinutes
		if interval <= 0 {
			interval = 60
		}
		name := s.Name
		if name == "" {
			name = url
		}
		src := &model.FeedSource{
			Name:            name,
			URL:             url,
			SourceType:      model.SourceType(s.SourceType).Normalize(),
			SiteCode:        s.SiteCode,
			IntervalMinutes: interval,
			IsActive:        true,
			IncludeKeywords: s.Include,
			ExcludeKeywords: s.Exclude,
		}
		if err := store.CreateFeedSource(ctx, src); err != nil {
			return res, fmt.Errorf("create feed source %s: %w", url, err)
		}
		known[url] = true
		res.Sources++
	}
	return res, nil
}
