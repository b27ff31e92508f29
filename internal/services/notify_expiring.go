package services

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"VPN-Subscription-bot/internal/db"
	"VPN-Subscription-bot/internal/logger"
)

type ExpiringStore interface {
	ListExpiringUsers(ctx context.Context, from, to time.Time) ([]db.User, error)
	MarkExpiryNotified(ctx context.Context, telegramID int64) error
}

// ExpiryNotifier напоминает о скором окончании подписки, один раз на период.
// Флаг сбрасывается при продлении.
type ExpiryNotifier struct {
	Store      ExpiringStore
	Bot        logger.Sender
	Notifier   *logger.Notifier
	Log        *zap.Logger
	DaysBefore int
	Now        func() time.Time
}

// NotifyExpiringSubscriptions отправляет уведомления пользователям о скором окончании подписки
func (n *ExpiryNotifier) NotifyExpiringSubscriptions(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	if n.Now != nil {
		now = n.Now()
	}
	users, err := n.Store.ListExpiringUsers(ctx, now, now.Add(time.Duration(n.DaysBefore)*24*time.Hour))
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, u := range users {
		text := fmt.Sprintf("Ваша подписка истекает %s. Продлить: /buy", u.SubscriptionEnd.Format("02.01.2006 15:04 MST"))
		if _, err := n.Bot.Send(tgbotapi.NewMessage(u.TelegramID, text)); err != nil {
			n.Notifier.NotifyAdmin(fmt.Sprintf("Ошибка отправки уведомления пользователю %d: %v", u.TelegramID, err))
			continue
		}
		if err := n.Store.MarkExpiryNotified(ctx, u.TelegramID); err != nil {
			n.Log.Error("mark expiry notified", zap.Int64("telegram_id", u.TelegramID), zap.Error(err))
			continue
		}
		sent++
	}
	if sent > 0 {
		n.Log.Info("expiry reminders sent", zap.Int("count", sent))
	}
	return sent, nil
}
