package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"VPN-Subscription-bot/internal/db"
	"VPN-Subscription-bot/internal/logger"
)

type Store interface {
	CountUsers(ctx context.Context) (int64, error)
	CountActiveSubscriptions(ctx context.Context, now time.Time) (int64, error)
	SumPaidPayments(ctx context.Context, from, to time.Time) (decimal.Decimal, error)
	ListPayments(ctx context.Context, from, to time.Time) ([]db.Payment, error)
	GetUser(ctx context.Context, telegramID int64) (*db.User, error)
}

type Reconciler interface {
	ReconcileGrants(ctx context.Context) (int, error)
}

type Handler struct {
	AdminID  int64
	Store    Store
	Payments Reconciler
	Backup   *Backuper
	Bot      logger.Sender
	Log      *zap.Logger
	Now      func() time.Time
}

func (h *Handler) IsAdmin(userID int64) bool {
	return h.AdminID != 0 && userID == h.AdminID
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// HandleAdminCommand выполняет /admin_* команду и отвечает в чат.
func (h *Handler) HandleAdminCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg == nil || msg.From == nil || !h.IsAdmin(msg.From.ID) {
		return
	}
	cmd := msg.Command()
	args := strings.Fields(msg.CommandArguments())
	logger.LogAdminAction(h.Log, msg.From.ID, cmd, msg.Text)

	if cmd == "admin_backup" {
		h.handleBackup(ctx, msg.Chat.ID)
		return
	}
	text, err := h.Reply(ctx, cmd, args)
	if err != nil {
		h.Log.Error("admin command failed", zap.String("command", cmd), zap.Error(err))
		text = "Ошибка: " + err.Error()
	}
	if _, err := h.Bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
		h.Log.Warn("send admin reply", zap.Error(err))
	}
}

// Reply формирует текст ответа на текстовую команду админа.
func (h *Handler) Reply(ctx context.Context, cmd string, args []string) (string, error) {
	switch cmd {
	case "admin_stats":
		return h.stats(ctx)
	case "admin_payments":
		return h.payments(ctx, args)
	case "admin_user":
		return h.user(ctx, args)
	case "admin_reconcile":
		n, err := h.Payments.ReconcileGrants(ctx)
		if err != nil {
			return fmt.Sprintf("Завершено начислений: %d, с ошибками: %v", n, err), nil
		}
		return fmt.Sprintf("Завершено начислений: %d", n), nil
	default:
		return "Команды: /admin_stats, /admin_payments [YYYY-MM-DD YYYY-MM-DD], /admin_user <telegram_id>, /admin_reconcile, /admin_backup", nil
	}
}

func (h *Handler) stats(ctx context.Context) (string, error) {
	now := h.now()
	users, err := h.Store.CountUsers(ctx)
	if err != nil {
		return "", err
	}
	active, err := h.Store.CountActiveSubscriptions(ctx, now)
	if err != nil {
		return "", err
	}
	today, err := h.Store.SumPaidPayments(ctx, now.Truncate(24*time.Hour), now)
	if err != nil {
		return "", err
	}
	month, err := h.Store.SumPaidPayments(ctx, now.AddDate(0, 0, -30), now)
	if err != nil {
		return "", err
	}
	all, err := h.Store.SumPaidPayments(ctx, time.Time{}, now)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"Пользователей: %d\nАктивных подписок: %d\nПлатежи: сегодня: %s₽, месяц: %s₽, всего: %s₽",
		users, active, today.StringFixed(2), month.StringFixed(2), all.StringFixed(2)), nil
}

func (h *Handler) payments(ctx context.Context, args []string) (string, error) {
	// Пример: /admin_payments 2024-01-01 2024-01-31
	to := h.now()
	from := to.AddDate(0, 0, -30)
	if len(args) == 2 {
		var err error
		if from, err = time.Parse("2006-01-02", args[0]); err != nil {
			return "Неверный формат даты (from)", nil
		}
		if to, err = time.Parse("2006-01-02", args[1]); err != nil {
			return "Неверный формат даты (to)", nil
		}
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	pays, err := h.Store.ListPayments(ctx, from, to)
	if err != nil {
		return "", err
	}
	if len(pays) == 0 {
		return "Платежей за период нет", nil
	}
	var sb strings.Builder
	for _, p := range pays {
		fmt.Fprintf(&sb, "%s, user %d, %s₽, %d дн., %s", p.OrderID, p.TelegramID, p.AmountRub.StringFixed(2), p.Days, p.Status)
		if p.Status == db.PaymentPaid && !p.GrantApplied {
			sb.WriteString(" (не начислено)")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (h *Handler) user(ctx context.Context, args []string) (string, error) {
	if len(args) < 1 {
		return "Укажите telegram_id", nil
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "Некорректный telegram_id", nil
	}
	u, err := h.Store.GetUser(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return "Пользователь не найден", nil
	}
	if err != nil {
		return "", err
	}
	end := "нет"
	if u.SubscriptionEnd != nil {
		end = u.SubscriptionEnd.Format("02.01.2006 15:04 MST")
	}
	key := u.Credential()
	if key == "" {
		key = "не выдан"
	}
	return fmt.Sprintf("User %d (@%s)\nПодписка до: %s\nАктивна: %t\nТриал использован: %t\nКлюч: %s",
		u.TelegramID, u.Username, end, u.ActiveAt(h.now()), u.TrialUsed, key), nil
}

func (h *Handler) handleBackup(ctx context.Context, chatID int64) {
	if h.Backup == nil {
		_, _ = h.Bot.Send(tgbotapi.NewMessage(chatID, "Резервное копирование не настроено"))
		return
	}
	filename, err := h.Backup.Run(ctx, "backup")
	if err != nil {
		h.Log.Error("backup failed", zap.Error(err))
		_, _ = h.Bot.Send(tgbotapi.NewMessage(chatID, "Ошибка резервного копирования: "+err.Error()))
		return
	}
	file := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(filename))
	file.Caption = "Резервная копия БД успешно создана"
	if _, err := h.Bot.Send(file); err != nil {
		h.Log.Warn("send backup", zap.Error(err))
	}
}
