// Package audit watches the duplicate log and alerts administrators about
// decisions that indicate failures or priority policy violations.
package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"announce_dedup/internal/model"
)

const (
	defaultTick  = time.Minute
	defaultBatch = 200
	defaultGrace = time.Minute
	// maxAlertLines caps one alert message; the rest is summarized.
	maxAlertLines = 10
)

// Sender delivers alert text to a chat.
type Sender interface {
	SendMessage(chatID int64, text string)
}

// LogReader reads the duplicate log.
type LogReader interface {
	ListLog(ctx context.Context, q model.LogQuery) ([]model.DuplicateLogEntry, error)
}

// Anomaly is a log entry worth an administrator's attention.
type Anomaly struct {
	Entry  model.DuplicateLogEntry
	Reason string
}

// Detect returns the anomaly carried by e, if any.
func Detect(e model.DuplicateLogEntry) (Anomaly, bool) {
	switch e.Decision {
	case model.DecisionError:
		reason := "ingestion failed"
		if msg, ok := e.Detail["error"].(string); ok && msg != "" {
			reason += ": " + msg
		}
		return Anomaly{Entry: e, Reason: reason}, true
	case model.DecisionReplaced:
		if e.ExistingPriority != nil && e.IncomingPriority < *e.ExistingPriority {
			return Anomaly{Entry: e, Reason: fmt.Sprintf("replaced by lower priority source (%d < %d)", e.IncomingPriority, *e.ExistingPriority)}, true
		}
	case model.DecisionKeptExisting:
		if e.ExistingPriority != nil && e.IncomingPriority >= *e.ExistingPriority {
			return Anomaly{Entry: e, Reason: fmt.Sprintf("kept existing against priority (%d >= %d)", e.IncomingPriority, *e.ExistingPriority)}, true
		}
	case model.DecisionInserted:
		if e.RecordID == nil {
			return Anomaly{Entry: e, Reason: "inserted without record"}, true
		}
	default:
		return Anomaly{Entry: e, Reason: fmt.Sprintf("unknown decision %q", e.Decision)}, true
	}
	return Anomaly{}, false
}

// Summary counts the entries seen in one scan.
type Summary struct {
	Decisions map[model.Decision]int
	Anomalies []Anomaly
}

// Total returns the number of entries scanned.
func (s Summary) Total() int {
	n := 0
	for _, c := range s.Decisions {
		n += c
	}
	return n
}

// Monitor periodically scans new duplicate log entries.
//
// Entry ids and timestamps are taken before their unit commits, so concurrent
// units can become visible out of order. Each scan therefore re-reads every
// entry created within the grace window before the previous scan and skips
// the ones it has already reported.
type Monitor struct {
	store   LogReader
	sender  Sender
	chatIDs []int64
	log     zerolog.Logger
	tick    time.Duration
	batch   int
	grace   time.Duration
	now     func() time.Time

	start    time.Time
	lastScan time.Time
	seen     map[string]time.Time
}

// NewMonitor creates a Monitor that only reports entries created after it
// was created. With a nil sender anomalies are only logged.
func NewMonitor(store LogReader, sender Sender, chatIDs []int64, log zerolog.Logger) *Monitor {
	m := &Monitor{
		store:   store,
		sender:  sender,
		chatIDs: chatIDs,
		log:     log,
		tick:    defaultTick,
		batch:   defaultBatch,
		grace:   defaultGrace,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		seen:    make(map[string]time.Time),
	}
	m.start = m.now()
	return m
}

// SetTickInterval overrides the default scan interval.
func (m *Monitor) SetTickInterval(d time.Duration) {
	if d > 0 {
		m.tick = d
	}
}

// SetGrace overrides how long an entry may take to become visible after it
// was created.
func (m *Monitor) SetGrace(d time.Duration) {
	if d > 0 {
		m.grace = d
	}
}

// since is the oldest creation time the next scan reads.
func (m *Monitor) since() time.Time {
	if m.lastScan.IsZero() {
		return m.start
	}
	if t := m.lastScan.Add(-m.grace); t.After(m.start) {
		return t
	}
	return m.start
}

// Run scans on every tick, blocking until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Scan(ctx); err != nil {
				m.log.Error().Err(err).Msg("audit scan")
			}
		}
	}
}

// Scan reads every entry not reported yet and alerts on anomalies.
func (m *Monitor) Scan(ctx context.Context) (Summary, error) {
	sum := Summary{Decisions: make(map[model.Decision]int)}
	scanStart := m.now()
	since := m.since()
	after := uuid.Nil.String()
	var fresh []string
	for {
		entries, err := m.store.ListLog(ctx, model.LogQuery{From: since, AfterID: after, Limit: m.batch})
		if err != nil {
			// Nothing was alerted yet; report these entries again next scan.
			for _, id := range fresh {
				delete(m.seen, id)
			}
			return sum, fmt.Errorf("list log: %w", err)
		}
		for _, e := range entries {
			if _, ok := m.seen[e.ID]; ok {
				continue
			}
			m.seen[e.ID] = e.CreatedAt
			fresh = append(fresh, e.ID)
			sum.Decisions[e.Decision]++
			if a, ok := Detect(e); ok {
				sum.Anomalies = append(sum.Anomalies, a)
				m.log.Warn().
					Str("log_id", e.ID).
					Str("decision", string(e.Decision)).
					Str("fingerprint", deref(e.Fingerprint)).
					Str("reason", a.Reason).
					Msg("audit anomaly")
			}
		}
		if len(entries) > 0 {
			after = entries[len(entries)-1].ID
		}
		if len(entries) < m.batch {
			break
		}
	}

	m.lastScan = scanStart
	next := m.since()
	for id, createdAt := range m.seen {
		if createdAt.Before(next) {
			delete(m.seen, id)
		}
	}

	if sum.Total() > 0 {
		ev := m.log.Info().Int("entries", sum.Total()).Int("anomalies", len(sum.Anomalies))
		for d, n := range sum.Decisions {
			ev = ev.Int(string(d), n)
		}
		ev.Msg("audit scan")
	}
	if len(sum.Anomalies) > 0 && m.sender != nil {
		text := FormatAlert(sum.Anomalies)
		for _, chatID := range m.chatIDs {
			m.sender.SendMessage(chatID, text)
		}
	}
	return sum, nil
}

// FormatAlert renders anomalies as one message.
func FormatAlert(anomalies []Anomaly) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dedup audit: %d anomal", len(anomalies))
	if len(anomalies) == 1 {
		b.WriteString("y\n")
	} else {
		b.WriteString("ies\n")
	}
	for i, a := range anomalies {
		if i == maxAlertLines {
			fmt.Fprintf(&b, "\n...and %d more", len(anomalies)-maxAlertLines)
			break
		}
		e := a.Entry
		fmt.Fprintf(&b, "\n%s [%s] %s", e.CreatedAt.UTC().Format("2006-01-02 15:04:05"), e.Decision, a.Reason)
		if e.Fingerprint != nil {
			fmt.Fprintf(&b, "\n  fingerprint %s", shortFingerprint(*e.Fingerprint))
		}
		if url, ok := e.Detail["source_url"].(string); ok && url != "" {
			fmt.Fprintf(&b, "\n  %s", url)
		}
	}
	return b.String()
}

// FormatSummary renders decision counts, largest first.
func FormatSummary(decisions map[model.Decision]int) string {
	if len(decisions) == 0 {
		return "No decisions."
	}
	keys := make([]model.Decision, 0, len(decisions))
	for d := range decisions {
		keys = append(keys, d)
	}
	sort.Slice(keys, func(i, j int) bool {
		if decisions[keys[i]] != decisions[keys[j]] {
			return decisions[keys[i]] > decisions[keys[j]]
		}
		return keys[i] < keys[j]
	})
	parts := make([]string, 0, len(keys))
	for _, d := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", d, decisions[d]))
	}
	return strings.Join(parts, ", ")
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
