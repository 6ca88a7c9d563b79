package bot

import (
	"fmt"
	"sort"
	"strings"

	"announce_dedup/internal/audit"
	"announce_dedup/internal/collector"
	"announce_dedup/internal/model"
	"announce_dedup/internal/priority"
)

const (
	statusActive   = "active"
	statusPaused   = "paused"
	statusDisabled = "disabled"
)

// FormatRuleList formats the domain key rules for display.
func FormatRuleList(rules []model.DomainKeyRule) string {
	if len(rules) == 0 {
		return "No domain rules yet. Use /setquery or /setpath to add one."
	}
	var b strings.Builder
	b.WriteString("Domain rules:\n")
	for _, r := range rules {
		status := statusActive
		if !r.Active {
			status = statusDisabled
		}
		fmt.Fprintf(&b, "\n%s [%s]\n   %s\n", r.Domain, status, ruleSummary(r))
	}
	return b.String()
}

// FormatRule formats one rule in detail.
func FormatRule(r *model.DomainKeyRule, invalid string) string {
	var b strings.Builder
	status := statusActive
	if !r.Active {
		status = statusDisabled
	}
	fmt.Fprintf(&b, "%s [%s]\n", r.Domain, status)
	fmt.Fprintf(&b, "Method: %s\n", r.Method)
	b.WriteString(ruleSummary(*r))
	b.WriteString("\n")
	if !r.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "Updated: %s\n", r.UpdatedAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	if invalid != "" {
		fmt.Fprintf(&b, "\nNot applied: %s\n", invalid)
	}
	return b.String()
}

func ruleSummary(r model.DomainKeyRule) string {
	switch r.Method {
	case model.MethodQueryParams:
		return "Key params: " + strings.Join(r.KeyParams, ", ")
	case model.MethodPathPattern:
		return "Pattern: " + r.Pattern
	default:
		return "Unknown method " + string(r.Method)
	}
}

// FormatPriorities formats a priority table, highest rank first. configured
// is false when the store has no entries and the stock table applies.
func FormatPriorities(t priority.Table, configured bool) string {
	entries := t.Entries()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].SourceType < entries[j].SourceType
	})

	var b strings.Builder
	if configured {
		b.WriteString("Source priorities:\n")
	} else {
		b.WriteString("Source priorities (defaults, none configured):\n")
	}
	for _, e := range entries {
		fmt.Fprintf(&b, "  %s: %d\n", e.SourceType, e.Priority)
	}
	fmt.Fprintf(&b, "Unlisted source types: %d", priority.Unrecognized)
	return b.String()
}

// FormatSourceList formats feed sources for display.
func FormatSourceList(sources []model.FeedSource) string {
	if len(sources) == 0 {
		return "No feed sources yet. Use /addsource <type> <site_code> <url> to add one."
	}
	var b strings.Builder
	b.WriteString("Feed sources:\n")
	for _, s := range sources {
		status := statusActive
		if !s.IsActive {
			status = statusPaused
		}
		fmt.Fprintf(&b, "\n#%d %s  (%s/%s, every %d min) [%s]\n", s.ID, s.Name, s.SourceType, s.SiteCode, s.IntervalMinutes, status)
		if s.LastCheckAt != nil {
			fmt.Fprintf(&b, "   last check %s\n", s.LastCheckAt.UTC().Format("2006-01-02 15:04 UTC"))
		}
	}
	return b.String()
}

// FormatReport formats the result of a manual collection.
func FormatReport(src model.FeedSource, rep collector.Report) string {
	if rep.Err != nil {
		return fmt.Sprintf("Failed to collect #%d \"%s\": %v", src.ID, src.Name, rep.Err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Collected #%d \"%s\": %d fetched, %d matched", src.ID, src.Name, rep.Fetched, rep.Matched)
	if len(rep.Decisions) > 0 {
		fmt.Fprintf(&b, "\n%s", audit.FormatSummary(rep.Decisions))
	}
	if rep.Failed > 0 {
		fmt.Fprintf(&b, "\n%d item(s) failed", rep.Failed)
	}
	return b.String()
}

// FormatAudit formats recent log entries, newest last, under a decision
// summary of the whole window.
func FormatAudit(entries []model.DuplicateLogEntry, summary map[model.Decision]int) string {
	if len(entries) == 0 {
		return "No audit entries in the last 24h."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Last 24h: %s\n", audit.FormatSummary(summary))
	for _, e := range entries {
		fmt.Fprintf(&b, "\n%s %s %s", e.CreatedAt.UTC().Format("01-02 15:04:05"), e.Decision, e.IncomingSourceType)
		if e.ExistingSourceType != nil {
			fmt.Fprintf(&b, " vs %s", *e.ExistingSourceType)
		}
		if url, ok := e.Detail["source_url"].(string); ok && url != "" {
			fmt.Fprintf(&b, "\n  %s", url)
		}
	}
	return b.String()
}
