package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"VPN-Subscription-bot/internal/db"
	"VPN-Subscription-bot/internal/ledger"
	"VPN-Subscription-bot/internal/payments"
	"VPN-Subscription-bot/internal/services"
)

const helpText = `Доступные команды:
/buy: купить или продлить VPN
/trial: пробный период (один раз)
/status: состояние подписки
/getkey: повторно получить ключ
/help: показать эту справку

Покупка: /buy → выберите срок → оплатите по ссылке.
После оплаты бот автоматически выдаст ключ или продлит подписку.`

const dateLayout = "02.01.2006 15:04 MST"

func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer b.notifier.NotifyOnPanic("HandleUpdate")

	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}
	userID := msg.From.ID
	isAdmin := b.admin.IsAdmin(userID)

	// Пользователь создаётся при первом сообщении
	if _, err := b.users.UpsertUser(ctx, userID, msg.From.UserName); err != nil {
		b.log.Error("upsert user", zap.Int64("telegram_id", userID), zap.Error(err))
		b.reply(msg.Chat.ID, isAdmin, "Сервис временно недоступен, попробуйте позже.")
		return
	}

	cmd := "/" + msg.Command()
	if b.limiter.IsLimited(userID, cmd) {
		b.reply(msg.Chat.ID, isAdmin, "Пожалуйста, не так быстро! Подождите пару секунд...")
		return
	}
	if isAdmin && strings.HasPrefix(cmd, "/admin_") {
		b.admin.HandleAdminCommand(ctx, msg)
		return
	}

	switch cmd {
	case "/start":
		b.reply(msg.Chat.ID, isAdmin, "Добро пожаловать! Для покупки VPN используйте /buy, для пробного периода /trial.")
	case "/trial":
		b.handleTrial(ctx, msg.Chat.ID, userID, isAdmin)
	case "/buy":
		m := tgbotapi.NewMessage(msg.Chat.ID, "Выберите срок подписки:")
		m.ReplyMarkup = PlansKeyboard()
		b.send(m)
	case "/status":
		b.handleStatus(ctx, msg.Chat.ID, userID, isAdmin)
	case "/getkey":
		b.handleGetKey(ctx, msg.Chat.ID, userID, isAdmin)
	case "/help":
		b.reply(msg.Chat.ID, isAdmin, helpText)
	default:
		b.reply(msg.Chat.ID, isAdmin, "Неизвестная команда. Используйте /help для списка всех возможностей.")
	}
}

func (b *Bot) handleTrial(ctx context.Context, chatID, userID int64, isAdmin bool) {
	g, err := b.ledger.GrantTrial(ctx, userID)
	var perr *ledger.ProvisioningError
	switch {
	case err == nil:
		b.reply(chatID, isAdmin, fmt.Sprintf("Пробный период активирован до %s.\nВаш VPN-ключ: %s",
			g.SubscriptionEnd.Format(dateLayout), g.Credential))
	case errors.Is(err, ledger.ErrTrialAlreadyUsed):
		b.reply(chatID, isAdmin, "Пробный период уже был использован. Оформить подписку: /buy")
	case errors.As(err, &perr):
		b.notifier.NotifyAdmin(fmt.Sprintf("Не удалось выдать ключ для триала пользователю %d: %v", userID, err))
		b.reply(chatID, isAdmin, "Не удалось выдать ключ, попробуйте позже. Пробный период остаётся доступным.")
	default:
		b.log.Error("grant trial", zap.Int64("telegram_id", userID), zap.Error(err))
		b.reply(chatID, isAdmin, "Ошибка, попробуйте позже.")
	}
}

func (b *Bot) handleStatus(ctx context.Context, chatID, userID int64, isAdmin bool) {
	g, active, err := b.ledger.Status(ctx, userID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		b.log.Error("status", zap.Int64("telegram_id", userID), zap.Error(err))
		b.reply(chatID, isAdmin, "Ошибка, попробуйте позже.")
		return
	}
	switch {
	case active:
		b.reply(chatID, isAdmin, "Подписка активна до "+g.SubscriptionEnd.Format(dateLayout)+".\nПродлить: /buy")
	case !g.SubscriptionEnd.IsZero():
		b.reply(chatID, isAdmin, "Подписка закончилась "+g.SubscriptionEnd.Format(dateLayout)+".\nПродлить: /buy")
	default:
		b.reply(chatID, isAdmin, "У вас нет подписки. Купить: /buy, попробовать: /trial")
	}
}

func (b *Bot) handleGetKey(ctx context.Context, chatID, userID int64, isAdmin bool) {
	g, active, err := b.ledger.Status(ctx, userID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		b.log.Error("get key", zap.Int64("telegram_id", userID), zap.Error(err))
		b.reply(chatID, isAdmin, "Ошибка, попробуйте позже.")
		return
	}
	if !active || g.Credential == "" {
		b.reply(chatID, isAdmin, "У вас нет активной подписки. Для покупки используйте /buy.")
		return
	}
	b.reply(chatID, isAdmin, "Ваш VPN-ключ: "+g.Credential+"\nСпасибо, что выбрали наш сервис!")
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.From == nil {
		return
	}
	plan, ok := planFromCallback(cq.Data)
	if !ok {
		b.answer(cq.ID, "Ошибка выбора тарифа")
		return
	}
	if b.limiter.IsLimited(cq.From.ID, "buy") {
		b.answer(cq.ID, "Платёж уже создаётся")
		return
	}
	chatID := cq.From.ID
	if cq.Message != nil && cq.Message.Chat != nil {
		chatID = cq.Message.Chat.ID
	}

	url, err := b.purchase(ctx, cq.From, plan)
	if err != nil {
		b.log.Error("purchase", zap.Int64("telegram_id", cq.From.ID), zap.Int("days", plan.Days), zap.Error(err))
		b.answer(cq.ID, "Ошибка создания платежа")
		b.send(tgbotapi.NewMessage(chatID, "Не удалось создать платёж, попробуйте позже."))
		return
	}
	b.answer(cq.ID, "Платёж создан")
	b.send(tgbotapi.NewMessage(chatID, fmt.Sprintf("Подписка на %s за %s₽.\nСсылка на оплату: %s", plan.Title, plan.Price.StringFixed(2), url)))
}

// purchase создаёт заказ и платёж у провайдера. Если провайдер отказал,
// заказ сразу переводится в failed.
func (b *Bot) purchase(ctx context.Context, from *tgbotapi.User, plan Plan) (string, error) {
	orderID, err := b.purchases.InitiatePurchase(ctx, payments.PurchaseRequest{
		TelegramID: from.ID,
		Username:   from.UserName,
		Provider:   "yookassa",
		AmountRub:  plan.Price,
		Days:       plan.Days,
	})
	if err != nil {
		return "", err
	}
	resp, err := b.provider.CreatePayment(ctx, services.CreatePaymentRequest{
		OrderID:     orderID,
		TelegramID:  from.ID,
		AmountRub:   plan.Price,
		Description: fmt.Sprintf("VPN на %s, пользователь %d", plan.Title, from.ID),
	})
	if err != nil {
		if ferr := b.purchases.FailPayment(ctx, orderID, "provider error: "+err.Error()); ferr != nil {
			b.log.Error("fail payment after provider error", zap.String("order_id", orderID), zap.Error(ferr))
		}
		return "", err
	}
	b.log.Info("payment link issued", zap.String("order_id", orderID), zap.String("payment_id", resp.ID))
	return resp.Confirmation.ConfirmationURL, nil
}

func (b *Bot) reply(chatID int64, isAdmin bool, text string) {
	m := tgbotapi.NewMessage(chatID, text)
	m.ReplyMarkup = GetReplyKeyboard(isAdmin)
	b.send(m)
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.log.Warn("telegram send", zap.Error(err))
	}
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Warn("answer callback", zap.Error(err))
	}
}
