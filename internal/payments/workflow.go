// Package payments ведёт заказ через состояния pending -> paid | failed и
// начисляет подписку ровно один раз на оплаченный заказ.
package payments

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"VPN-Subscription-bot/internal/db"
	"VPN-Subscription-bot/internal/ledger"
	"VPN-Subscription-bot/internal/metrics"
)

var (
	ErrUnknownOrder    = errors.New("unknown order")
	ErrInvalidPurchase = errors.New("invalid purchase")
)

// Store: то, что workflow использует из db.Store.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetUser(ctx context.Context, telegramID int64) (*db.User, error)
	UpsertUser(ctx context.Context, telegramID int64, username string) (*db.User, error)
	CreatePayment(ctx context.Context, p db.CreatePaymentParams) (*db.Payment, error)
	GetPayment(ctx context.Context, orderID string) (*db.Payment, error)
	LockPayment(ctx context.Context, orderID string) (*db.Payment, error)
	MarkPaymentPaid(ctx context.Context, orderID string, paidAt time.Time, rawPayload string) (*db.Payment, error)
	MarkPaymentFailed(ctx context.Context, orderID, reason string) (*db.Payment, bool, error)
	MarkGrantApplied(ctx context.Context, orderID string, grantedUntil time.Time) error
	ListUngrantedPayments(ctx context.Context, limit int) ([]db.Payment, error)
}

// Ledger начисляет подписку.
type Ledger interface {
	EnsureCredential(ctx context.Context, telegramID int64) (string, error)
	ExtendSubscription(ctx context.Context, telegramID int64, days int) (ledger.Grant, error)
}

type PurchaseRequest struct {
	TelegramID int64
	Username   string
	Provider   string
	AmountRub  decimal.Decimal
	Days       int
}

// Outcome описывает результат подтверждения оплаты. AlreadyConfirmed означает, что
// начисление было сделано раньше и сейчас повторно не выполнялось.
type Outcome struct {
	OrderID          string
	Grant            ledger.Grant
	AlreadyConfirmed bool
}

type Workflow struct {
	store  Store
	ledger Ledger
	log    *zap.Logger
	now    func() time.Time

	onReconciled func(Outcome)

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func New(store Store, l Ledger, log *zap.Logger) *Workflow {
	return &Workflow{
		store:   store,
		ledger:  l,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// WithClock подменяет часы, используется в тестах.
func (w *Workflow) WithClock(now func() time.Time) *Workflow {
	w.now = now
	return w
}

// OnReconciled задаёт обработчик начислений, завершённых в ReconcileGrants:
// webhook по этим заказам уже ответил ошибкой, и ключ пользователю не отправлен.
func (w *Workflow) OnReconciled(fn func(Outcome)) *Workflow {
	w.onReconciled = fn
	return w
}

// NewOrderID генерирует идентификатор заказа ord_<ULID>.
func (w *Workflow) NewOrderID() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(w.now()), w.entropy)
	if err != nil {
		return "", err
	}
	return "ord_" + id.String(), nil
}

// InitiatePurchase создаёт заказ в статусе pending и возвращает его order_id,
// который провайдер вернёт в подтверждении.
func (w *Workflow) InitiatePurchase(ctx context.Context, req PurchaseRequest) (string, error) {
	if !req.AmountRub.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidPurchase, req.AmountRub)
	}
	if req.Days <= 0 || req.Days > ledger.MaxDays {
		return "", fmt.Errorf("%w: days must be in 1..%d, got %d", ErrInvalidPurchase, ledger.MaxDays, req.Days)
	}
	if req.Provider == "" {
		return "", fmt.Errorf("%w: provider is required", ErrInvalidPurchase)
	}
	orderID, err := w.NewOrderID()
	if err != nil {
		return "", fmt.Errorf("generate order id: %w", err)
	}
	if _, err := w.store.UpsertUser(ctx, req.TelegramID, req.Username); err != nil {
		return "", fmt.Errorf("upsert user %d: %w", req.TelegramID, err)
	}
	_, err = w.store.CreatePayment(ctx, db.CreatePaymentParams{
		OrderID:    orderID,
		TelegramID: req.TelegramID,
		Provider:   req.Provider,
		AmountRub:  req.AmountRub,
		Days:       req.Days,
		CreatedAt:  w.now(),
	})
	if err != nil {
		if errors.Is(err, db.ErrConflict) {
			w.log.Error("order id conflict", zap.String("order_id", orderID), zap.Error(err))
		}
		return "", fmt.Errorf("create payment: %w", err)
	}
	metrics.PaymentsInitiated.WithLabelValues(req.Provider).Inc()
	w.log.Info("purchase initiated",
		zap.String("order_id", orderID),
		zap.Int64("telegram_id", req.TelegramID),
		zap.String("provider", req.Provider),
		zap.String("amount_rub", req.AmountRub.StringFixed(2)),
		zap.Int("days", req.Days))
	return orderID, nil
}

// ConfirmPayment помечает заказ оплаченным и начисляет подписку. Повторные
// подтверждения возвращают прежний результат без второго начисления. Если
// начисление не удалось (например, ProvisioningError), заказ остаётся paid с
// grant_applied = false, и следующий вызов повторит начисление. При такой
// ошибке Outcome содержит OrderID и TelegramID заказа.
func (w *Workflow) ConfirmPayment(ctx context.Context, orderID, rawPayload string) (Outcome, error) {
	p, err := w.store.MarkPaymentPaid(ctx, orderID, w.now(), rawPayload)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
		}
		return Outcome{}, err
	}
	if p.GrantApplied {
		return w.priorOutcome(ctx, p)
	}
	return w.applyGrant(ctx, p)
}

func (w *Workflow) applyGrant(ctx context.Context, p *db.Payment) (Outcome, error) {
	failed := Outcome{OrderID: p.OrderID, Grant: ledger.Grant{TelegramID: p.TelegramID}}
	// ключ выпускается вне транзакции, в транзакции ledger его только читает
	if _, err := w.ledger.EnsureCredential(ctx, p.TelegramID); err != nil {
		return failed, fmt.Errorf("confirm %s: %w", p.OrderID, err)
	}

	out := Outcome{OrderID: p.OrderID}
	err := w.store.WithTx(ctx, func(ctx context.Context) error {
		locked, err := w.store.LockPayment(ctx, p.OrderID)
		if err != nil {
			return err
		}
		if locked.GrantApplied {
			out.AlreadyConfirmed = true
			return nil
		}
		g, err := w.ledger.ExtendSubscription(ctx, locked.TelegramID, locked.Days)
		if err != nil {
			return err
		}
		out.Grant = g
		return w.store.MarkGrantApplied(ctx, locked.OrderID, g.SubscriptionEnd)
	})
	if err != nil {
		return failed, fmt.Errorf("confirm %s: %w", p.OrderID, err)
	}
	if out.AlreadyConfirmed {
		fresh, err := w.store.GetPayment(ctx, p.OrderID)
		if err != nil {
			return Outcome{}, err
		}
		return w.priorOutcome(ctx, fresh)
	}
	metrics.PaymentsConfirmed.Inc()
	w.log.Info("payment confirmed",
		zap.String("order_id", p.OrderID),
		zap.Int64("telegram_id", p.TelegramID),
		zap.Time("subscription_end", out.Grant.SubscriptionEnd))
	return out, nil
}

func (w *Workflow) priorOutcome(ctx context.Context, p *db.Payment) (Outcome, error) {
	u, err := w.store.GetUser(ctx, p.TelegramID)
	if err != nil {
		return Outcome{}, err
	}
	g := ledger.Grant{TelegramID: p.TelegramID, Credential: u.Credential()}
	if p.GrantedUntil != nil {
		g.SubscriptionEnd = p.GrantedUntil.UTC()
	}
	metrics.DuplicateConfirmations.Inc()
	w.log.Info("duplicate confirmation ignored", zap.String("order_id", p.OrderID))
	return Outcome{OrderID: p.OrderID, Grant: g, AlreadyConfirmed: true}, nil
}

// FailPayment переводит pending-заказ в failed. Для завершённого заказа ничего не делает.
func (w *Workflow) FailPayment(ctx context.Context, orderID, reason string) error {
	p, changed, err := w.store.MarkPaymentFailed(ctx, orderID, reason)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	case errors.Is(err, db.ErrInvalidTransition):
		w.log.Warn("fail requested for paid order, ignoring", zap.String("order_id", orderID), zap.String("reason", reason))
		return nil
	case err != nil:
		return err
	case !changed:
		w.log.Debug("payment already failed", zap.String("order_id", orderID))
		return nil
	}
	metrics.PaymentsFailed.Inc()
	w.log.Info("payment failed", zap.String("order_id", orderID), zap.String("reason", p.FailureReason))
	return nil
}

// ReconcileGrants повторяет начисление по оплаченным заказам, где оно не
// было записано. Возвращает число завершённых заказов; по каждому вызывается
// обработчик OnReconciled.
func (w *Workflow) ReconcileGrants(ctx context.Context) (int, error) {
	pays, err := w.store.ListUngrantedPayments(ctx, 100)
	if err != nil {
		return 0, err
	}
	done := 0
	var errs []error
	for i := range pays {
		out, err := w.applyGrant(ctx, &pays[i])
		if err != nil {
			w.log.Error("grant retry failed", zap.String("order_id", pays[i].OrderID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if !out.AlreadyConfirmed {
			metrics.GrantsReconciled.Inc()
			done++
			if w.onReconciled != nil {
				w.onReconciled(out)
			}
		}
	}
	return done, errors.Join(errs...)
}
