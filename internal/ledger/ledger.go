// Package ledger считает окно подписки пользователя и выдаёт ключ доступа.
// О платежах ledger ничего не знает: идемпотентность начислений по заказу
// обеспечивает пакет payments.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"VPN-Subscription-bot/internal/db"
	"VPN-Subscription-bot/internal/metrics"
)

const day = 24 * time.Hour

// MaxDays ограничивает одно продление: больший срок переполняет time.Duration.
const MaxDays = 36500

var ErrTrialAlreadyUsed = errors.New("trial already used")

// ProvisioningError: сбой или таймаут внешнего сервиса выдачи ключей. Повторяемая ошибка:
// таймаут не означает, что ключ не был создан на сервере.
type ProvisioningError struct {
	TelegramID int64
	Err        error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning credential for user %d: %v", e.TelegramID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// CredentialIssuer создаёт ключ доступа (UUID клиента VLESS) для пользователя.
type CredentialIssuer interface {
	Issue(ctx context.Context, telegramID int64) (string, error)
}

// Store: то, что ledger использует из db.Store.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetUser(ctx context.Context, telegramID int64) (*db.User, error)
	LockUser(ctx context.Context, telegramID int64) (*db.User, error)
	SaveUser(ctx context.Context, u *db.User) error
	SetCredential(ctx context.Context, telegramID int64, credential string) (string, error)
}

// Grant содержит результат начисления: ключ и новую дату окончания.
type Grant struct {
	TelegramID      int64
	Credential      string
	SubscriptionEnd time.Time
}

type Config struct {
	TrialDays    int
	IssueTimeout time.Duration
}

type Ledger struct {
	store  Store
	issuer CredentialIssuer
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func New(store Store, issuer CredentialIssuer, cfg Config, log *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		issuer: issuer,
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет часы, используется в тестах.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// ExtendFrom возвращает окончание подписки после продления на d: отсчёт идёт
// от более поздней из дат now и end, поэтому раннее продление не сгорает.
func ExtendFrom(end *time.Time, now time.Time, d time.Duration) time.Time {
	start := now
	if end != nil && end.After(now) {
		start = *end
	}
	return start.Add(d).UTC()
}

// GrantTrial выдаёт пробный период один раз за всё время.
func (l *Ledger) GrantTrial(ctx context.Context, telegramID int64) (Grant, error) {
	u, err := l.store.GetUser(ctx, telegramID)
	if err != nil {
		return Grant{}, err
	}
	if u.TrialUsed {
		return Grant{}, ErrTrialAlreadyUsed
	}
	// ключ выдаём до транзакции: внешний вызов не должен держать блокировку
	if _, err := l.EnsureCredential(ctx, telegramID); err != nil {
		return Grant{}, err
	}
	g, err := l.extend(ctx, telegramID, time.Duration(l.cfg.TrialDays)*day, true)
	if err != nil {
		return Grant{}, err
	}
	metrics.TrialsGranted.Inc()
	l.log.Info("trial granted", zap.Int64("telegram_id", telegramID), zap.Time("subscription_end", g.SubscriptionEnd))
	return g, nil
}

// ExtendSubscription продлевает подписку на days суток. Вызывающий отвечает за
// то, чтобы один оплаченный заказ приводил к одному вызову.
func (l *Ledger) ExtendSubscription(ctx context.Context, telegramID int64, days int) (Grant, error) {
	if days <= 0 || days > MaxDays {
		return Grant{}, fmt.Errorf("extend subscription: days must be in 1..%d, got %d", MaxDays, days)
	}
	if _, err := l.EnsureCredential(ctx, telegramID); err != nil {
		return Grant{}, err
	}
	g, err := l.extend(ctx, telegramID, time.Duration(days)*day, false)
	if err != nil {
		return Grant{}, err
	}
	l.log.Info("subscription extended", zap.Int64("telegram_id", telegramID), zap.Int("days", days), zap.Time("subscription_end", g.SubscriptionEnd))
	return g, nil
}

func (l *Ledger) extend(ctx context.Context, telegramID int64, d time.Duration, trial bool) (Grant, error) {
	var g Grant
	err := l.store.WithTx(ctx, func(ctx context.Context) error {
		u, err := l.store.LockUser(ctx, telegramID)
		if err != nil {
			return err
		}
		if trial {
			if u.TrialUsed {
				return ErrTrialAlreadyUsed
			}
			u.TrialUsed = true
		}
		end := ExtendFrom(u.SubscriptionEnd, l.now(), d)
		u.SubscriptionEnd = &end
		u.NotifiedExpiring = false
		if err := l.store.SaveUser(ctx, u); err != nil {
			return err
		}
		g = Grant{TelegramID: telegramID, Credential: u.Credential(), SubscriptionEnd: end}
		return nil
	})
	return g, err
}

// EnsureCredential возвращает выданный ключ или выпускает новый. Выпущенный
// ключ сохраняется один раз и больше не перевыпускается.
func (l *Ledger) EnsureCredential(ctx context.Context, telegramID int64) (string, error) {
	u, err := l.store.GetUser(ctx, telegramID)
	if err != nil {
		return "", err
	}
	if cred := u.Credential(); cred != "" {
		return cred, nil
	}

	issueCtx, cancel := context.WithTimeout(ctx, l.cfg.IssueTimeout)
	defer cancel()
	cred, err := l.issuer.Issue(issueCtx, telegramID)
	if err == nil && cred == "" {
		err = errors.New("issuer returned empty credential")
	}
	if err != nil {
		metrics.ProvisioningFailures.Inc()
		l.log.Error("credential issue failed", zap.Int64("telegram_id", telegramID), zap.Error(err))
		return "", &ProvisioningError{TelegramID: telegramID, Err: err}
	}
	stored, err := l.store.SetCredential(ctx, telegramID, cred)
	if err != nil {
		return "", err
	}
	l.log.Info("credential issued", zap.Int64("telegram_id", telegramID))
	return stored, nil
}

// IsActive: подписка не пустая и заканчивается строго позже текущего момента.
func (l *Ledger) IsActive(ctx context.Context, telegramID int64) (bool, error) {
	u, err := l.store.GetUser(ctx, telegramID)
	if err != nil {
		return false, err
	}
	return u.ActiveAt(l.now()), nil
}

// Status возвращает текущее состояние подписки для экрана /status.
func (l *Ledger) Status(ctx context.Context, telegramID int64) (Grant, bool, error) {
	u, err := l.store.GetUser(ctx, telegramID)
	if err != nil {
		return Grant{}, false, err
	}
	g := Grant{TelegramID: telegramID, Credential: u.Credential()}
	if u.SubscriptionEnd != nil {
		g.SubscriptionEnd = *u.SubscriptionEnd
	}
	return g, u.ActiveAt(l.now()), nil
}
