package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/clawtasks/internal/shared"
)

// telegramOutputLimit keeps messages under Telegram's 4096 character cap
// once the header and escaping are added.
const telegramOutputLimit = 3500

// botClient is the part of *tgbotapi.BotAPI the sender uses.
type botClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender posts completions to the originating Telegram chat.
type TelegramSender struct {
	bot        botClient
	allowedIDs map[int64]struct{}
	logger     *slog.Logger
}

// NewTelegramSender authenticates with the bot API. An empty allowedIDs
// permits every chat.
func NewTelegramSender(token string, allowedIDs []int64, logger *slog.Logger) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	s := newTelegramSender(bot, allowedIDs, logger)
	s.logger.Info("telegram notifier ready", "user", bot.Self.UserName)
	return s, nil
}

func newTelegramSender(bot botClient, allowedIDs []int64, logger *slog.Logger) *TelegramSender {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramSender{bot: bot, allowedIDs: allowed, logger: logger}
}

func (t *TelegramSender) Name() string {
	return "telegram"
}

func (t *TelegramSender) Send(_ context.Context, n Notification) error {
	chatID, err := strconv.ParseInt(n.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", n.ChatID, err)
	}
	if len(t.allowedIDs) > 0 {
		if _, ok := t.allowedIDs[chatID]; !ok {
			t.logger.Warn("telegram notification to unlisted chat dropped", "chat_id", chatID, "task_id", n.TaskID)
			return nil
		}
	}
	msg := tgbotapi.NewMessage(chatID, formatTelegram(n))
	msg.ParseMode = "MarkdownV2"
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func formatTelegram(n Notification) string {
	verb := "finished"
	if n.Status != "success" {
		verb = "failed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* %s", escapeMarkdownV2(n.Title()), escapeMarkdownV2(verb))
	out, _ := shared.Truncate(strings.TrimSpace(n.Output), telegramOutputLimit)
	if out != "" {
		b.WriteString("\n```\n")
		b.WriteString(escapeCodeBlock(out))
		b.WriteString("\n```")
	}
	return b.String()
}

// escapeMarkdownV2 escapes the characters Telegram MarkdownV2 reserves
// outside code blocks.
func escapeMarkdownV2(s string) string {
	const specialChars = "\\_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeCodeBlock escapes the two characters MarkdownV2 reserves inside pre blocks.
func escapeCodeBlock(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, "`", "\\`")
}
