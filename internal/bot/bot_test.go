package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"VPN-Subscription-bot/internal/db"
	"VPN-Subscription-bot/internal/ledger"
	"VPN-Subscription-bot/internal/logger"
	"VPN-Subscription-bot/internal/payments"
	"VPN-Subscription-bot/internal/services"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	answered []string
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.answered = append(f.answered, cb.Text)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].Text
}

func (f *fakeAPI) textsFor(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

type fakeAdmin struct {
	id      int64
	handled []string
}

func (a *fakeAdmin) IsAdmin(userID int64) bool { return userID == a.id }

func (a *fakeAdmin) HandleAdminCommand(_ context.Context, msg *tgbotapi.Message) {
	a.handled = append(a.handled, msg.Text)
}

type fakeProvider struct {
	err  error
	reqs []services.CreatePaymentRequest
}

func (p *fakeProvider) CreatePayment(_ context.Context, req services.CreatePaymentRequest) (services.PaymentResponse, error) {
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return services.PaymentResponse{}, p.err
	}
	var resp services.PaymentResponse
	resp.ID = "pay-" + req.OrderID
	resp.Confirmation.ConfirmationURL = "https://yoomoney.test/" + req.OrderID
	return resp, nil
}

type issuerFunc func(ctx context.Context, telegramID int64) (string, error)

func (f issuerFunc) Issue(ctx context.Context, telegramID int64) (string, error) {
	return f(ctx, telegramID)
}

type fixture struct {
	bot      *Bot
	api      *fakeAPI
	admin    *fakeAdmin
	provider *fakeProvider
	store    *db.Store
	issueErr error
	// если задан, выдача ключа ждёт закрытия канала
	issueGate    chan struct{}
	issueStarted atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "bot.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{api: &fakeAPI{}, admin: &fakeAdmin{id: 1}, provider: &fakeProvider{}, store: store}
	issuer := issuerFunc(func(ctx context.Context, id int64) (string, error) {
		f.issueStarted.Store(true)
		if f.issueGate != nil {
			select {
			case <-f.issueGate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if f.issueErr != nil {
			return "", f.issueErr
		}
		return "key-for-user", nil
	})
	l := ledger.New(store, issuer, ledger.Config{TrialDays: 3, IssueTimeout: 5 * time.Second}, zap.NewNop())
	f.bot = New(Deps{
		API:       f.api,
		Users:     store,
		Ledger:    l,
		Purchases: payments.New(store, l, zap.NewNop()),
		Provider:  f.provider,
		Admin:     f.admin,
		Notifier:  logger.NewNotifier(nil, 0, zap.NewNop()),
		Log:       zap.NewNop(),
	})
	return f
}

func command(from int64, text string) tgbotapi.Update {
	cmd := strings.Fields(text)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: from, UserName: "user"},
		Chat:     &tgbotapi.Chat{ID: from},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}}
}

func callback(from int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: from},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: from}},
		Data:    data,
	}}
}

func TestStartCreatesUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot.HandleUpdate(ctx, command(42, "/start"))

	u, err := f.store.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "user", u.Username)
	assert.Contains(t, f.api.last(), "Добро пожаловать")
}

func TestTrialFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.issueErr = errors.New("xray down")
	f.bot.HandleUpdate(ctx, command(42, "/trial"))
	assert.Contains(t, f.api.last(), "Не удалось выдать ключ")

	f.issueErr = nil
	f.bot.limiter.now = func() time.Time { return time.Now().Add(time.Minute) }
	f.bot.HandleUpdate(ctx, command(42, "/trial"))
	assert.Contains(t, f.api.last(), "key-for-user")

	f.bot.limiter.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	f.bot.HandleUpdate(ctx, command(42, "/trial"))
	assert.Contains(t, f.api.last(), "уже был использован")

	f.bot.HandleUpdate(ctx, command(42, "/getkey"))
	assert.Contains(t, f.api.last(), "key-for-user")
	f.bot.HandleUpdate(ctx, command(42, "/status"))
	assert.Contains(t, f.api.last(), "Подписка активна до")
}

func TestStatusWithoutSubscription(t *testing.T) {
	f := newFixture(t)
	f.bot.HandleUpdate(context.Background(), command(42, "/status"))
	assert.Contains(t, f.api.last(), "нет подписки")
	f.bot.HandleUpdate(context.Background(), command(42, "/getkey"))
	assert.Contains(t, f.api.last(), "нет активной подписки")
}

func TestBuyCreatesPendingPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bot.HandleUpdate(ctx, command(42, "/buy"))
	require.Len(t, f.api.sent, 1)
	kb, ok := f.api.sent[0].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	assert.Len(t, kb.InlineKeyboard, len(Plans))

	f.bot.HandleUpdate(ctx, callback(42, "buy_plan_30"))
	require.Len(t, f.provider.reqs, 1)
	req := f.provider.reqs[0]
	assert.True(t, decimal.NewFromInt(199).Equal(req.AmountRub))
	assert.Contains(t, f.api.last(), "https://yoomoney.test/"+req.OrderID)
	assert.Equal(t, []string{"Платёж создан"}, f.api.answered)

	p, err := f.store.GetPayment(ctx, req.OrderID)
	require.NoError(t, err)
	assert.Equal(t, db.PaymentPending, p.Status)
	assert.Equal(t, 30, p.Days)
}

func TestBuyProviderErrorFailsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.err = errors.New("yookassa 500")

	f.bot.HandleUpdate(ctx, callback(42, "buy_plan_7"))
	require.Len(t, f.provider.reqs, 1)
	p, err := f.store.GetPayment(ctx, f.provider.reqs[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, db.PaymentFailed, p.Status)
	assert.Contains(t, p.FailureReason, "yookassa 500")
	assert.Contains(t, f.api.last(), "Не удалось создать платёж")
}

func TestUnknownPlanCallback(t *testing.T) {
	f := newFixture(t)
	f.bot.HandleUpdate(context.Background(), callback(42, "buy_plan_2"))
	assert.Empty(t, f.provider.reqs)
	assert.Equal(t, []string{"Ошибка выбора тарифа"}, f.api.answered)
}

func TestAdminCommandsRouted(t *testing.T) {
	f := newFixture(t)
	f.bot.HandleUpdate(context.Background(), command(1, "/admin_stats"))
	assert.Equal(t, []string{"/admin_stats"}, f.admin.handled)

	f.bot.HandleUpdate(context.Background(), command(42, "/admin_stats"))
	assert.Len(t, f.admin.handled, 1)
	assert.Contains(t, f.api.last(), "Неизвестная команда")
}

func TestSlowIssueDoesNotBlockOtherUsers(t *testing.T) {
	f := newFixture(t)
	f.issueGate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan tgbotapi.Update)
	done := make(chan struct{})
	go func() {
		f.bot.serve(ctx, updates)
		close(done)
	}()

	updates <- command(42, "/trial")
	require.Eventually(t, f.issueStarted.Load, 2*time.Second, 5*time.Millisecond)

	updates <- command(43, "/start")
	require.Eventually(t, func() bool { return len(f.api.textsFor(43)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.api.textsFor(42))

	close(f.issueGate)
	require.Eventually(t, func() bool { return len(f.api.textsFor(42)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, f.api.textsFor(42)[0], "key-for-user")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRateLimiter(func(id int64) bool { return id == 1 })
	r.now = func() time.Time { return now }

	assert.False(t, r.IsLimited(5, "/buy"))
	assert.True(t, r.IsLimited(5, "/buy"))
	assert.False(t, r.IsLimited(5, "/help"))
	assert.False(t, r.IsLimited(6, "/buy"))

	now = now.Add(11 * time.Second)
	assert.False(t, r.IsLimited(5, "/buy"))

	assert.False(t, r.IsLimited(1, "/buy"))
	assert.False(t, r.IsLimited(1, "/buy"))
}

func TestPlans(t *testing.T) {
	p, ok := PlanByDays(365)
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(1899).Equal(p.Price))

	_, ok = planFromCallback("buy_plan_abc")
	assert.False(t, ok)
	_, ok = planFromCallback("other_7")
	assert.False(t, ok)
	p, ok = planFromCallback("buy_plan_180")
	require.True(t, ok)
	assert.Equal(t, 180, p.Days)
}
