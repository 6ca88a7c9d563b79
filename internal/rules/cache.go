// Package rules keeps a process-owned, periodically reloaded snapshot of the
// domain key rules and the source priority table.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"announce_dedup/internal/model"
	"announce_dedup/internal/priority"
	"announce_dedup/internal/urlkey"
)

// ErrDuplicateRule marks a domain that has more than one active rule.
var ErrDuplicateRule = errors.New("duplicate active rules for domain")

const defaultLoadTimeout = 10 * time.Second

// Loader reads the administrative configuration from the store.
type Loader interface {
	ListRules(ctx context.Context) ([]model.DomainKeyRule, error)
	ListPriorities(ctx context.Context) ([]model.PriorityEntry, error)
}

// Snapshot is an immutable view of rules and priorities at load time.
type Snapshot struct {
	rules      map[string]*urlkey.CompiledRule
	priorities priority.Table
	invalid    map[string]string
	loadedAt   time.Time
}

// NewSnapshot compiles rules into a snapshot. Inactive rules are skipped and
// rules that fail to compile are recorded as invalid instead of failing. A
// domain with more than one active rule is ambiguous: none of them is served
// and the domain is recorded as invalid.
func NewSnapshot(rules []model.DomainKeyRule, priorities []model.PriorityEntry, loadedAt time.Time) *Snapshot {
	s := &Snapshot{
		rules:    make(map[string]*urlkey.CompiledRule, len(rules)),
		invalid:  make(map[string]string),
		loadedAt: loadedAt,
	}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if !r.Active {
			continue
		}
		domain := urlkey.NormalizeDomain(r.Domain)
		if seen[domain] {
			delete(s.rules, domain)
			s.invalid[domain] = ErrDuplicateRule.Error()
			continue
		}
		seen[domain] = true

		cr, err := urlkey.CompileRule(r)
		if err != nil {
			s.invalid[domain] = err.Error()
			continue
		}
		s.rules[cr.Domain] = cr
	}
	if len(priorities) == 0 {
		s.priorities = priority.Default()
	} else {
		s.priorities = priority.NewTable(priorities)
	}
	return s
}

// Rule returns the active compiled rule for domain, or nil.
func (s *Snapshot) Rule(domain string) *urlkey.CompiledRule {
	if s == nil {
		return nil
	}
	return s.rules[urlkey.NormalizeDomain(domain)]
}

// Priority returns the configured rank of st.
func (s *Snapshot) Priority(st model.SourceType) int {
	if s == nil {
		return priority.Default().Priority(st)
	}
	return s.priorities.Priority(st)
}

// Priorities returns the priority table of the snapshot.
func (s *Snapshot) Priorities() priority.Table {
	if s == nil {
		return priority.Default()
	}
	return s.priorities
}

// Invalid returns domains whose active rule failed to compile, with the reason.
func (s *Snapshot) Invalid() map[string]string {
	if s == nil {
		return nil
	}
	return s.invalid
}

// LoadedAt returns when the snapshot was read from the store.
func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Cache is a read-through cache over a Loader with bounded staleness.
type Cache struct {
	loader   Loader
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time

	loadTimeout time.Duration

	mu    sync.RWMutex
	snap  *Snapshot
	stale atomic.Bool
	group singleflight.Group
}

// NewCache creates a Cache that reloads once a snapshot is older than interval.
func NewCache(loader Loader, interval time.Duration, log zerolog.Logger) *Cache {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Cache{
		loader:   loader,
		interval: interval,
		log:      log,
		now:      time.Now,

		loadTimeout: defaultLoadTimeout,
	}
}

// Snapshot returns a snapshot no older than the reload interval. If a reload
// fails, the previous snapshot keeps being served until it is twice the
// interval old; after that the failure is returned.
func (c *Cache) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if snap != nil && !c.stale.Load() && c.now().Sub(snap.loadedAt) < c.interval {
		return snap, nil
	}

	// The shared load is detached from its callers; each caller only stops
	// waiting when its own ctx is done.
	ch := c.group.DoChan("reload", func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		return c.reload(loadCtx)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	v, err := res.Val, res.Err
	if err != nil {
		if snap != nil && c.now().Sub(snap.loadedAt) < 2*c.interval {
			c.log.Warn().Err(err).Time("loaded_at", snap.loadedAt).Msg("rule reload failed, serving previous snapshot")
			return snap, nil
		}
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Invalidate forces the next Snapshot call to reload.
func (c *Cache) Invalidate() {
	c.stale.Store(true)
}

func (c *Cache) reload(ctx context.Context) (*Snapshot, error) {
	// Cleared before reading so an Invalidate racing with this load
	// triggers another one.
	wasStale := c.stale.Swap(false)

	rules, err := c.loader.ListRules(ctx)
	if err != nil {
		c.stale.CompareAndSwap(false, wasStale)
		return nil, fmt.Errorf("load domain rules: %w", err)
	}
	priorities, err := c.loader.ListPriorities(ctx)
	if err != nil {
		c.stale.CompareAndSwap(false, wasStale)
		return nil, fmt.Errorf("load priorities: %w", err)
	}

	snap := NewSnapshot(rules, priorities, c.now())
	for domain, reason := range snap.invalid {
		c.log.Warn().Str("domain", domain).Str("reason", reason).Msg("domain rule disabled: invalid configuration")
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	c.log.Debug().Int("rules", len(snap.rules)).Int("priorities", snap.priorities.Len()).Msg("rules reloaded")
	return snap, nil
}
