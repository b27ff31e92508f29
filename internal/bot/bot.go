package bot

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"VPN-Subscription-bot/internal/db"
	"VPN-Subscription-bot/internal/ledger"
	"VPN-Subscription-bot/internal/logger"
	"VPN-Subscription-bot/internal/payments"
	"VPN-Subscription-bot/internal/services"
)

// API: часть tgbotapi.BotAPI, которой пользуются обработчики.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Users interface {
	UpsertUser(ctx context.Context, telegramID int64, username string) (*db.User, error)
}

type Ledger interface {
	GrantTrial(ctx context.Context, telegramID int64) (ledger.Grant, error)
	Status(ctx context.Context, telegramID int64) (ledger.Grant, bool, error)
}

type Purchases interface {
	InitiatePurchase(ctx context.Context, req payments.PurchaseRequest) (string, error)
	FailPayment(ctx context.Context, orderID, reason string) error
}

type PaymentProvider interface {
	CreatePayment(ctx context.Context, req services.CreatePaymentRequest) (services.PaymentResponse, error)
}

type AdminCommands interface {
	IsAdmin(userID int64) bool
	HandleAdminCommand(ctx context.Context, msg *tgbotapi.Message)
}

type Bot struct {
	api       API
	users     Users
	ledger    Ledger
	purchases Purchases
	provider  PaymentProvider
	admin     AdminCommands
	notifier  *logger.Notifier
	limiter   *RateLimiter
	log       *zap.Logger
}

type Deps struct {
	API       API
	Users     Users
	Ledger    Ledger
	Purchases Purchases
	Provider  PaymentProvider
	Admin     AdminCommands
	Notifier  *logger.Notifier
	Log       *zap.Logger
}

func New(d Deps) *Bot {
	return &Bot{
		api:       d.API,
		users:     d.Users,
		ledger:    d.Ledger,
		purchases: d.Purchases,
		provider:  d.Provider,
		admin:     d.Admin,
		notifier:  d.Notifier,
		limiter:   NewRateLimiter(d.Admin.IsAdmin),
		log:       d.Log,
	}
}

// Run читает обновления long polling до отмены ctx.
func (b *Bot) Run(ctx context.Context, botapi *tgbotapi.BotAPI) {
	b.log.Info("authorized", zap.String("account", botapi.Self.UserName))

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	b.serve(ctx, botapi.GetUpdatesChan(u))
	botapi.StopReceivingUpdates()
}

// serve обрабатывает каждое обновление в своей горутине: медленная выдача ключа
// одному пользователю не задерживает остальных. Возвращается после завершения
// начатых обработчиков.
func (b *Bot) serve(ctx context.Context, updates <-chan tgbotapi.Update) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.HandleUpdate(ctx, update)
			}()
		}
	}
}
