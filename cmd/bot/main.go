package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"VPN-Subscription-bot/config"
	"VPN-Subscription-bot/internal/admin"
	"VPN-Subscription-bot/internal/bot"
	"VPN-Subscription-bot/internal/db"
	"VPN-Subscription-bot/internal/ledger"
	"VPN-Subscription-bot/internal/logger"
	"VPN-Subscription-bot/internal/payments"
	"VPN-Subscription-bot/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer store.Close()

	botapi, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatal("failed to create bot", zap.Error(err))
	}
	notifier := logger.NewNotifier(botapi, cfg.AdminTelegramID, log)

	var issuer ledger.CredentialIssuer = services.UUIDIssuer{}
	if cfg.XraySSHHost != "" {
		issuer = services.NewXrayIssuer(services.XrayConfig{
			Host:           cfg.XraySSHHost,
			Port:           cfg.XraySSHPort,
			User:           cfg.XraySSHUser,
			KeyPath:        cfg.XraySSHKeyPath,
			KnownHostsPath: cfg.XraySSHKnownHosts,
			ConfigPath:     cfg.XrayConfigPath,
			Flow:           cfg.XrayFlow,
		}, log.Named("xray"))
	} else {
		log.Warn("XRAY_SSH_HOST is empty, credentials are generated locally only")
	}

	l := ledger.New(store, issuer, ledger.Config{TrialDays: cfg.TrialDays, IssueTimeout: cfg.IssueTimeout}, log.Named("ledger"))
	workflow := payments.New(store, l, log.Named("payments"))
	webhook := &services.Webhook{
		Secret:   cfg.YooKassaSecret,
		Payments: workflow,
		Bot:      botapi,
		Notifier: notifier,
		Log:      log.Named("webhook"),
	}
	// ключ по заказу, начисленному при доборе, отправляется так же, как из webhook
	workflow.OnReconciled(webhook.AnnounceGrant)
	backups := admin.NewBackuper(store, cfg.DatabaseURL, "backups", log.Named("backup"))
	adminHandler := &admin.Handler{
		AdminID:  cfg.AdminTelegramID,
		Store:    store,
		Payments: workflow,
		Backup:   backups,
		Bot:      botapi,
		Log:      log.Named("admin"),
	}
	expiry := &services.ExpiryNotifier{
		Store:      store,
		Bot:        botapi,
		Notifier:   notifier,
		Log:        log.Named("expiry"),
		DaysBefore: cfg.ExpiryNoticeDays,
	}

	c := cron.New()
	// Добор начислений по оплаченным заказам
	c.AddFunc("@every 5m", func() {
		if _, err := workflow.ReconcileGrants(ctx); err != nil {
			notifier.NotifyAdmin("Не удалось завершить начисления: " + err.Error())
		}
	})
	// Уведомления о скором окончании подписки (раз в сутки в 10:00)
	c.AddFunc("0 10 * * *", func() {
		if _, err := expiry.NotifyExpiringSubscriptions(ctx); err != nil {
			log.Error("expiry notices", zap.Error(err))
		}
	})
	// Автоматический бэкап БД раз в сутки
	c.AddFunc("0 3 * * *", func() { backups.AutoBackup(ctx) })
	c.Start()

	mux := http.NewServeMux()
	mux.Handle("/yookassa/webhook", webhook.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.WebhookAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("webhook server started", zap.String("addr", cfg.WebhookAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("webhook server error", zap.Error(err))
			stop()
		}
	}()

	b := bot.New(bot.Deps{
		API:       botapi,
		Users:     store,
		Ledger:    l,
		Purchases: workflow,
		Provider:  services.NewYooKassa(cfg.YooKassaShopID, cfg.YooKassaSecret, cfg.YooKassaReturnURL),
		Admin:     adminHandler,
		Notifier:  notifier,
		Log:       log.Named("bot"),
	})
	b.Run(ctx, botapi)

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("webhook server shutdown", zap.Error(err))
	}
	<-c.Stop().Done()
}
