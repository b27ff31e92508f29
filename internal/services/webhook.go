package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"VPN-Subscription-bot/internal/db"
	"VPN-Subscription-bot/internal/ledger"
	"VPN-Subscription-bot/internal/logger"
	"VPN-Subscription-bot/internal/payments"
)

// Проверка HMAC подписи webhook YooKassa (Authorization или Content-Yoomoney-Signature)
func checkYooKassaSignature(secret string, body []byte, authHeader, yoomoneyHeader string) bool {
	var signatures []string
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "HMAC ") || strings.HasPrefix(authHeader, "HMAC-SHA256 ") {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 {
				signatures = append(signatures, parts[1])
			}
		}
	}
	if yoomoneyHeader != "" {
		signatures = append(signatures, yoomoneyHeader)
	}
	if len(signatures) == 0 {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	calc := hex.EncodeToString(h.Sum(nil))
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(calc)) {
			return true
		}
	}
	return false
}

// PaymentProcessor: часть payments.Workflow, которую вызывает webhook.
type PaymentProcessor interface {
	ConfirmPayment(ctx context.Context, orderID, rawPayload string) (payments.Outcome, error)
	FailPayment(ctx context.Context, orderID, reason string) error
}

type webhookEvent struct {
	Event  string `json:"event"`
	Object struct {
		ID                  string            `json:"id"`
		Status              string            `json:"status"`
		Metadata            map[string]string `json:"metadata"`
		CancellationDetails struct {
			Reason string `json:"reason"`
		} `json:"cancellation_details"`
	} `json:"object"`
}

type Webhook struct {
	Secret   string
	Payments PaymentProcessor
	Bot      logger.Sender
	Notifier *logger.Notifier
	Log      *zap.Logger
}

// Handler обрабатывает уведомления от YooKassa. Ответ не 2xx означает,
// что YooKassa повторит доставку.
func (wh *Webhook) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer wh.Notifier.NotifyOnPanic("WebhookHandler")
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		r.Body.Close()
		if err != nil {
			wh.Log.Warn("read webhook body", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !checkYooKassaSignature(wh.Secret, body, r.Header.Get("Authorization"), r.Header.Get("Content-Yoomoney-Signature")) {
			wh.Notifier.NotifyAdmin("Недействительная подпись webhook")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var ev webhookEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			wh.Notifier.NotifyAdmin("Ошибка парсинга webhook: " + err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		orderID := ev.Object.Metadata["order_id"]
		log := wh.Log.With(zap.String("event", ev.Event), zap.String("order_id", orderID), zap.String("payment_id", ev.Object.ID))

		switch ev.Event {
		case "payment.succeeded":
			if orderID == "" {
				wh.Notifier.NotifyAdmin("Webhook без order_id, платеж " + ev.Object.ID)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(wh.confirm(r.Context(), log, orderID, string(body)))
		case "payment.canceled":
			if orderID == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(wh.fail(r.Context(), log, orderID, ev.Object.CancellationDetails.Reason))
		default:
			log.Info("webhook event ignored")
			w.WriteHeader(http.StatusOK)
		}
	}
}

func (wh *Webhook) confirm(ctx context.Context, log *zap.Logger, orderID, raw string) int {
	out, err := wh.Payments.ConfirmPayment(ctx, orderID, raw)
	var perr *ledger.ProvisioningError
	switch {
	case err == nil:
	case errors.Is(err, payments.ErrUnknownOrder):
		wh.Notifier.NotifyAdmin("Оплата по неизвестному заказу " + orderID)
		return http.StatusNotFound
	case errors.As(err, &perr):
		log.Warn("grant deferred, provisioning failed", zap.Error(err))
		wh.sendUser(log, out.Grant.TelegramID, "Оплата получена. Ключ доступа ещё настраивается, пришлём его, как только он будет готов.")
		return http.StatusServiceUnavailable
	case errors.Is(err, db.ErrInvalidTransition):
		// деньги пришли за отменённый заказ, повтор доставки не поможет
		wh.Notifier.NotifyAdmin("Оплата по отменённому заказу " + orderID)
		return http.StatusOK
	default:
		log.Error("confirm payment", zap.Error(err))
		return http.StatusInternalServerError
	}

	if !out.AlreadyConfirmed {
		wh.AnnounceGrant(out)
	}
	return http.StatusOK
}

// AnnounceGrant отправляет пользователю ключ и дату окончания подписки по
// начисленному заказу.
func (wh *Webhook) AnnounceGrant(out payments.Outcome) {
	text := fmt.Sprintf("Оплата получена. Подписка активна до %s.\nВаш VPN-ключ: %s",
		out.Grant.SubscriptionEnd.Format("02.01.2006 15:04 MST"), out.Grant.Credential)
	wh.sendUser(wh.Log.With(zap.String("order_id", out.OrderID)), out.Grant.TelegramID, text)
}

func (wh *Webhook) sendUser(log *zap.Logger, telegramID int64, text string) {
	if wh.Bot == nil || telegramID == 0 {
		return
	}
	if _, err := wh.Bot.Send(tgbotapi.NewMessage(telegramID, text)); err != nil {
		log.Warn("send message to user", zap.Int64("telegram_id", telegramID), zap.Error(err))
	}
}

func (wh *Webhook) fail(ctx context.Context, log *zap.Logger, orderID, reason string) int {
	if reason == "" {
		reason = "canceled"
	}
	err := wh.Payments.FailPayment(ctx, orderID, reason)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, payments.ErrUnknownOrder):
		wh.Notifier.NotifyAdmin("Отмена по неизвестному заказу " + orderID)
		return http.StatusNotFound
	default:
		log.Error("fail payment", zap.Error(err))
		return http.StatusInternalServerError
	}
}
