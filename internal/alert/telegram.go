// Package alert delivers operational alarms to the operators' Telegram
// chats. Used when a copy exhausts its grading retries.
package alert

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/viescolaire/procto/internal/models"
)

type Notifier struct {
	bot     *tgbotapi.BotAPI
	chatIDs []int64
	log     *zap.SugaredLogger
}

// New returns a no-op notifier when token is empty.
func New(token string, chatIDs []int64, log *zap.SugaredLogger) (*Notifier, error) {
	if token == "" {
		return &Notifier{log: log}, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatIDs: chatIDs, log: log}, nil
}

// GradingFailed reports a copy stuck in GRADING_FAILED after its last
// retry.
func (n *Notifier) GradingFailed(_ context.Context, c models.Copy, detail string) {
	text := fmt.Sprintf(
		"⚠️ Correction bloquée: copie %s (exam %d) a épuisé ses %d tentatives.\nDernière erreur: %s",
		c.AnonymousID, c.ExamID, c.GradingRetries, detail,
	)
	if n.bot == nil {
		n.log.Warnw("grading alarm (no telegram configured)", "copy_id", c.ID, "detail", detail)
		return
	}
	for _, chatID := range n.chatIDs {
		if _, err := n.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			n.log.Errorw("telegram alarm failed", "chat_id", chatID, "err", err)
		}
	}
}
