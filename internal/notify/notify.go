// Package notify sends operator-facing alerts for events the core
// considers noteworthy: a reboot plan canceled, a reboot that failed to
// come back operational, a server marked unknown. Distilled from the
// teacher's channels.Channel abstraction down to the fire-and-forget
// slice the core actually needs — no inbound command handling here.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Severity classifies a Notification for channels that can render it
// differently (emoji, color, routing).
type Severity string

const (
	Info    Severity = "info"
	Warning Severity = "warning"
	Error   Severity = "error"
)

// Notification is one operator-facing alert.
type Notification struct {
	Severity Severity
	Subject  string
	Body     string
}

// Notifier is implemented by every notification backend.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a Notification out to every configured Notifier, logging
// (not failing) on a backend error so a flaky notification channel
// never blocks the caller.
type Multi struct {
	backends []Notifier
	logger   *slog.Logger
}

// NewMulti creates a fan-out Notifier over backends.
func NewMulti(logger *slog.Logger, backends ...Notifier) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{backends: backends, logger: logger}
}

func (m *Multi) Notify(ctx context.Context, n Notification) error {
	for _, b := range m.backends {
		if err := b.Notify(ctx, n); err != nil {
			m.logger.Warn("notification backend failed", "error", err, "subject", n.Subject)
		}
	}
	return nil
}

// LogNotifier renders every Notification to the structured logger; used
// as the always-on fallback backend and in tests.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	level := slog.LevelInfo
	switch n.Severity {
	case Warning:
		level = slog.LevelWarn
	case Error:
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, n.Subject, "body", n.Body)
	return nil
}

// TelegramNotifier posts operator alerts to a fixed set of chat IDs.
type TelegramNotifier struct {
	bot       *tgbotapi.BotAPI
	chatIDs   []int64
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewTelegramNotifier authenticates against the Telegram bot API.
func NewTelegramNotifier(token string, chatIDs []int64, logger *slog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram notifier init: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{bot: bot, chatIDs: chatIDs, logger: logger}, nil
}

func (t *TelegramNotifier) Notify(_ context.Context, n Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	text := formatNotification(n)
	var lastErr error
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("failed to send telegram notification", "error", err, "chat_id", chatID)
			lastErr = err
		}
	}
	return lastErr
}

func formatNotification(n Notification) string {
	emoji := "ℹ️"
	switch n.Severity {
	case Warning:
		emoji = "⚠️"
	case Error:
		emoji = "🚨"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n%s", emoji, n.Subject, n.Body)
	return b.String()
}
