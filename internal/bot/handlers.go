package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"announce_dedup/internal/model"
	"announce_dedup/internal/priority"
	"announce_dedup/internal/storage"
	"announce_dedup/internal/urlkey"
)

const (
	defaultSourceInterval = 60
	auditWindow           = 24 * time.Hour
	auditScanLimit        = 1000
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Announcement dedup admin.

Every collected announcement is reduced to a canonical key per domain rule.
Duplicates are resolved by source priority, and every decision is audited.

Quick start:
1. /setquery <domain> <param,...> — key a domain by query parameters
2. /priorities — check the source ranking
3. /audit — review recent decisions

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Domain rules:
/rules — list all rules
/rule <domain> — rule details
/setquery <domain> <p1,p2> — key by query parameters
/setpath <domain> <regex> — key by path pattern capture groups
/enable <domain> — apply a rule
/disable <domain> — stop applying a rule
/rmrule <domain> — delete a rule

Priorities:
/priorities — show the priority table
/setpriority <source_type> <n> — set a rank (higher wins)

Audit:
/audit [decision] [n] — recent decisions (last 24h)

Feed sources:
/sources — list feed sources
/addsource <type> <site_code> <url> — add an RSS/Atom feed
/interval <id> <min> — set check interval (1-1440)
/pause <id> — pause collection
/resume <id> — resume collection
/check <id> — collect now
/rmsource <id> — delete a source`)
}

// --- domain rules ---

func (b *Bot) handleRules(ctx context.Context, chatID int64) {
	rules, err := b.store.ListRules(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatRuleList(rules))
}

func (b *Bot) handleRule(ctx context.Context, chatID int64, args string) {
	domain, _, err := ParseDomainArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /rule <domain>")
		return
	}
	rule, err := b.store.GetRule(ctx, domain)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("No rule for %s.", domain))
		return
	}
	invalid := ""
	if _, err := urlkey.CompileRule(*rule); err != nil {
		invalid = err.Error()
	}
	b.reply(chatID, FormatRule(rule, invalid))
}

func (b *Bot) handleSetRule(ctx context.Context, chatID int64, args string, method model.KeyMethod) {
	usage := "Usage: /setquery <domain> <param1,param2>"
	if method == model.MethodPathPattern {
		usage = "Usage: /setpath <domain> <regex>"
	}
	domain, rest, err := ParseDomainArgs(args)
	if err != nil || rest == "" {
		b.reply(chatID, usage)
		return
	}

	rule := model.DomainKeyRule{Domain: domain, Method: method, Active: true}
	if method == model.MethodQueryParams {
		rule.KeyParams = ParseParamList(rest)
	} else {
		rule.Pattern = rest
	}
	if _, err := urlkey.CompileRule(rule); err != nil {
		b.reply(chatID, fmt.Sprintf("Invalid rule: %v", err))
		return
	}

	if err := b.store.UpsertRule(ctx, rule); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.invalidateRules()
	b.log.Info().Str("domain", domain).Str("method", string(method)).Int64("chat_id", chatID).Msg("rule saved via bot")
	b.reply(chatID, fmt.Sprintf("Rule saved for %s.\n%s", domain, ruleSummary(rule)))
}

func (b *Bot) handleToggleRule(ctx context.Context, chatID int64, args string, active bool) {
	domain, _, err := ParseDomainArgs(args)
	if err != nil {
		if active {
			b.reply(chatID, "Usage: /enable <domain>")
		} else {
			b.reply(chatID, "Usage: /disable <domain>")
		}
		return
	}
	rule, err := b.store.GetRule(ctx, domain)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("No rule for %s.", domain))
		return
	}

	rule.Active = active
	if err := b.store.UpsertRule(ctx, *rule); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.invalidateRules()

	if !active {
		b.reply(chatID, fmt.Sprintf("Rule for %s disabled.", domain))
		return
	}
	text := fmt.Sprintf("Rule for %s enabled.", domain)
	if _, err := urlkey.CompileRule(*rule); err != nil {
		text += fmt.Sprintf("\nWarning: it will not be applied until fixed: %v", err)
	}
	b.reply(chatID, text)
}

func (b *Bot) handleRmRule(ctx context.Context, chatID int64, args string) {
	domain, _, err := ParseDomainArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /rmrule <domain>")
		return
	}
	if err := b.store.DeleteRule(ctx, domain); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.reply(chatID, fmt.Sprintf("No rule for %s.", domain))
			return
		}
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.invalidateRules()
	b.reply(chatID, fmt.Sprintf("Rule for %s deleted. Its URLs now take the unconfigured path.", domain))
}

// --- priorities ---

func (b *Bot) handlePriorities(ctx context.Context, chatID int64) {
	entries, err := b.store.ListPriorities(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if len(entries) == 0 {
		b.reply(chatID, FormatPriorities(priority.Default(), false))
		return
	}
	b.reply(chatID, FormatPriorities(priority.NewTable(entries), true))
}

func (b *Bot) handleSetPriority(ctx context.Context, chatID int64, args string) {
	st, n, err := ParsePriorityArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if err := b.store.SetPriority(ctx, model.PriorityEntry{SourceType: st, Priority: n}); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.invalidateRules()
	b.log.Info().Str("source_type", string(st)).Int("priority", n).Int64("chat_id", chatID).Msg("priority saved via bot")
	b.reply(chatID, fmt.Sprintf("Priority of %s set to %d.", st, n))
}

// --- audit ---

func (b *Bot) handleAudit(ctx context.Context, chatID int64, args string) {
	parsed, err := ParseAuditArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	entries, err := b.store.ListLog(ctx, model.LogQuery{
		Decision: parsed.Decision,
		From:     time.Now().UTC().Add(-auditWindow),
		Limit:    auditScanLimit,
	})
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	summary := make(map[model.Decision]int)
	for _, e := range entries {
		summary[e.Decision]++
	}
	if len(entries) > parsed.Limit {
		entries = entries[len(entries)-parsed.Limit:]
	}
	b.reply(chatID, FormatAudit(entries, summary))
}

// --- feed sources ---

func (b *Bot) handleSources(ctx context.Context, chatID int64) {
	sources, err := b.store.ListFeedSources(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatSourceList(sources))
}

func (b *Bot) handleAddSource(ctx context.Context, chatID int64, args string) {
	parsed, err := ParseSourceArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	feed, err := b.fetcher.Fetch(ctx, parsed.URL)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to fetch feed: %v", err))
		return
	}
	name := feed.Title
	if name == "" {
		name = parsed.URL
	}

	src := &model.FeedSource{
		Name:            name,
		URL:             parsed.URL,
		SourceType:      parsed.SourceType,
		SiteCode:        parsed.SiteCode,
		IntervalMinutes: defaultSourceInterval,
		IsActive:        true,
	}
	if err := b.store.CreateFeedSource(ctx, src); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to save source: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Source added!\n#%d %s (%s/%s, every %d min)\nURL: %s",
		src.ID, src.Name, src.SourceType, src.SiteCode, src.IntervalMinutes, src.URL))
}

func (b *Bot) handleInterval(ctx context.Context, chatID int64, args string) {
	id, mins, err := ParseIntervalArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	src, err := b.store.GetFeedSource(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Source #%d not found.", id))
		return
	}

	src.IntervalMinutes = mins
	if err := b.store.UpdateFeedSource(ctx, src); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Source #%d interval set to %d min.", id, mins))
}

func (b *Bot) handleSetActive(ctx context.Context, chatID int64, args string, active bool) {
	id, err := ParseIDArg(args)
	if err != nil {
		if active {
			b.reply(chatID, "Usage: /resume <id>")
		} else {
			b.reply(chatID, "Usage: /pause <id>")
		}
		return
	}
	src, err := b.store.GetFeedSource(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Source #%d not found.", id))
		return
	}

	src.IsActive = active
	if err := b.store.UpdateFeedSource(ctx, src); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	verb := "paused"
	if active {
		verb = "resumed"
	}
	b.reply(chatID, fmt.Sprintf("Source #%d \"%s\" %s.", id, src.Name, verb))
}

func (b *Bot) handleCheck(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /check <id>")
		return
	}
	src, err := b.store.GetFeedSource(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Source #%d not found.", id))
		return
	}
	if b.collector == nil {
		b.reply(chatID, "Collection is not enabled.")
		return
	}
	rep := b.collector.Collect(ctx, *src)
	b.reply(chatID, FormatReport(*src, rep))
}

func (b *Bot) handleRmSource(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /rmsource <id>")
		return
	}
	src, err := b.store.GetFeedSource(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Source #%d not found.", id))
		return
	}
	b.confirmDelete(chatID, id, src.Name)
}

func (b *Bot) deleteSource(ctx context.Context, chatID, id int64) {
	src, err := b.store.GetFeedSource(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Source #%d not found.", id))
		return
	}
	if err := b.store.DeleteFeedSource(ctx, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Error deleting source: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Source #%d \"%s\" deleted.", id, src.Name))
}
