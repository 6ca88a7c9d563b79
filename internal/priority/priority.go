// Package priority maps source types to trust ranks used for conflict resolution.
package priority

import (
	"sort"

	"announce_dedup/internal/model"
)

// Unrecognized is the priority of any source type missing from the table.
const Unrecognized = 0

// Table is an immutable source type to priority mapping.
type Table struct {
	values map[model.SourceType]int
}

// NewTable builds a table from stored entries. Later entries win on
// duplicate source types.
func NewTable(entries []model.PriorityEntry) Table {
	values := make(map[model.SourceType]int, len(entries))
	for _, e := range entries {
		st := e.SourceType.Normalize()
		if st == "" {
			continue
		}
		values[st] = e.Priority
	}
	return Table{values: values}
}

// Default returns the stock priority table: first-party portals outrank
// third-party aggregator APIs.
func Default() Table {
	return NewTable([]model.PriorityEntry{
		{SourceType: model.SourceEminwon, Priority: 3},
		{SourceType: model.SourceHomepage, Priority: 3},
		{SourceType: model.SourceScraper, Priority: 3},
		{SourceType: model.SourceAPIScrape, Priority: 1},
	})
}

// Priority returns the rank of st, or Unrecognized.
func (t Table) Priority(st model.SourceType) int {
	if p, ok := t.values[st.Normalize()]; ok {
		return p
	}
	return Unrecognized
}

// Known reports whether st has an explicit entry.
func (t Table) Known(st model.SourceType) bool {
	_, ok := t.values[st.Normalize()]
	return ok
}

// Len returns the number of explicit entries.
func (t Table) Len() int {
	return len(t.values)
}

// Entries returns the table sorted by descending priority, then name.
func (t Table) Entries() []model.PriorityEntry {
	out := make([]model.PriorityEntry, 0, len(t.values))
	for st, p := range t.values {
		out = append(out, model.PriorityEntry{SourceType: st, Priority: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].SourceType < out[j].SourceType
	})
	return out
}
