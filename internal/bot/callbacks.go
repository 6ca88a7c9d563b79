package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdCheck    = "check"
	cmdRmSource = "rmsource"

	actionDelete = "delete"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error().Err(err).Msg("send callback ack")
	}

	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		return
	}

	action := parts[0]
	idStr := parts[1]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return
	}

	b.log.Info().
		Str("action", action).
		Int64("id", id).
		Int64("chat_id", chatID).
		Int64("user_id", cb.From.ID).
		Str("username", cb.From.UserName).
		Msg("callback")

	switch action {
	case cmdCheck:
		b.handleCheck(ctx, chatID, idStr)
	case cmdRmSource:
		b.handleRmSource(ctx, chatID, idStr)
	case actionDelete:
		b.deleteSource(ctx, chatID, id)
	}
}

// confirmDelete asks before a feed source is removed.
func (b *Bot) confirmDelete(chatID, id int64, name string) {
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Delete source #%d \"%s\"? Its collected records are kept.", id, name))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes, delete", fmt.Sprintf("%s:%d", actionDelete, id)),
			tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error().Err(err).Msg("send delete confirmation")
	}
}
