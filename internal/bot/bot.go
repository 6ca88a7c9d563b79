// Package bot is the Telegram administration surface: domain rules, the
// priority table, feed sources and the audit log.
package bot

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"announce_dedup/internal/collector"
	"announce_dedup/internal/config"
	"announce_dedup/internal/model"
	"announce_dedup/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Collector runs one collection of a feed source on demand.
type Collector interface {
	Collect(ctx context.Context, src model.FeedSource) collector.Report
}

// Invalidator drops cached rules after an administrative write.
type Invalidator interface {
	Invalidate()
}

// Bot handles admin commands and delivers alerts.
type Bot struct {
	api       telegramAPI
	store     storage.Storage
	cfg       *config.Config
	rules     Invalidator
	collector Collector
	fetcher   *collector.Fetcher
	log       zerolog.Logger
}

// New creates a Bot with the given Telegram token.
func New(token string, store storage.Storage, cfg *config.Config, rules Invalidator, c Collector, log zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:       api,
		store:     store,
		cfg:       cfg,
		rules:     rules,
		collector: c,
		fetcher:   collector.NewFetcher(http.DefaultClient),
		log:       log,
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.From == nil || !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error().Err(err).Int64("chat_id", chatID).Msg("send message")
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) invalidateRules() {
	if b.rules != nil {
		b.rules.Invalidate()
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug().Str("cmd", cmd).Str("args", args).Int64("chat_id", chatID).Msg("command")

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "rules":
		b.handleRules(ctx, chatID)
	case "rule":
		b.handleRule(ctx, chatID, args)
	case "setquery":
		b.handleSetRule(ctx, chatID, args, model.MethodQueryParams)
	case "setpath":
		b.handleSetRule(ctx, chatID, args, model.MethodPathPattern)
	case "enable":
		b.handleToggleRule(ctx, chatID, args, true)
	case "disable":
		b.handleToggleRule(ctx, chatID, args, false)
	case "rmrule":
		b.handleRmRule(ctx, chatID, args)
	case "priorities":
		b.handlePriorities(ctx, chatID)
	case "setpriority":
		b.handleSetPriority(ctx, chatID, args)
	case "audit":
		b.handleAudit(ctx, chatID, args)
	case "sources":
		b.handleSources(ctx, chatID)
	case "addsource":
		b.handleAddSource(ctx, chatID, args)
	case "interval":
		b.handleInterval(ctx, chatID, args)
	case "pause":
		b.handleSetActive(ctx, chatID, args, false)
	case "resume":
		b.handleSetActive(ctx, chatID, args, true)
	case cmdCheck:
		b.handleCheck(ctx, chatID, args)
	case cmdRmSource:
		b.handleRmSource(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
