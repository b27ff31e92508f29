package config

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

type AppConfig struct {
	BotToken        string
	AdminTelegramID int64
	LogLevel        string

	DatabaseURL string

	YooKassaShopID    string
	YooKassaSecret    string
	YooKassaReturnURL string
	WebhookAddr       string

	TrialDays        int
	ExpiryNoticeDays int
	IssueTimeout     time.Duration

	// Xray сервер, на который добавляются клиенты. При пустом хосте UUID только генерируется.
	XraySSHHost    string
	XraySSHPort    string
	XraySSHUser    string
	XraySSHKeyPath string
	// При пустом пути ключ хоста не проверяется.
	XraySSHKnownHosts string
	XrayConfigPath    string
	XrayFlow          string
}

var AppCfg AppConfig

// Load читает .env (если есть) и переменные окружения.
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{}
	cfg.BotToken = cast.ToString(getOrReturnDefault("BOT_TOKEN", ""))
	cfg.AdminTelegramID = cast.ToInt64(getOrReturnDefault("ADMIN_TELEGRAM_ID", 0))
	cfg.LogLevel = cast.ToString(getOrReturnDefault("LOG_LEVEL", "info"))

	cfg.DatabaseURL = cast.ToString(getOrReturnDefault("DATABASE_URL", "vpn.db"))

	cfg.YooKassaShopID = cast.ToString(getOrReturnDefault("YOOKASSA_SHOP_ID", ""))
	cfg.YooKassaSecret = cast.ToString(getOrReturnDefault("YOOKASSA_SECRET_KEY", ""))
	cfg.YooKassaReturnURL = cast.ToString(getOrReturnDefault("YOOKASSA_RETURN_URL", "https://t.me"))
	cfg.WebhookAddr = cast.ToString(getOrReturnDefault("WEBHOOK_ADDR", ":8080"))

	cfg.TrialDays = cast.ToInt(getOrReturnDefault("TRIAL_DAYS", 3))
	cfg.ExpiryNoticeDays = cast.ToInt(getOrReturnDefault("EXPIRY_NOTICE_DAYS", 3))
	cfg.IssueTimeout = cast.ToDuration(getOrReturnDefault("ISSUE_TIMEOUT", "20s"))

	cfg.XraySSHHost = cast.ToString(getOrReturnDefault("XRAY_SSH_HOST", ""))
	cfg.XraySSHPort = cast.ToString(getOrReturnDefault("XRAY_SSH_PORT", "22"))
	cfg.XraySSHUser = cast.ToString(getOrReturnDefault("XRAY_SSH_USER", "root"))
	cfg.XraySSHKeyPath = cast.ToString(getOrReturnDefault("XRAY_SSH_KEY_PATH", "/root/.ssh/id_ed25519"))
	cfg.XraySSHKnownHosts = cast.ToString(getOrReturnDefault("XRAY_SSH_KNOWN_HOSTS", ""))
	cfg.XrayConfigPath = cast.ToString(getOrReturnDefault("XRAY_CONFIG_PATH", "/usr/local/etc/xray/config.json"))
	cfg.XrayFlow = cast.ToString(getOrReturnDefault("XRAY_FLOW", "xtls-rprx-vision"))

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	AppCfg = cfg
	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.BotToken == "" || c.AdminTelegramID == 0 || c.YooKassaShopID == "" || c.YooKassaSecret == "" {
		return errors.New("critical environment variables are missing: BOT_TOKEN, ADMIN_TELEGRAM_ID, YOOKASSA_SHOP_ID, YOOKASSA_SECRET_KEY")
	}
	if c.TrialDays <= 0 || c.TrialDays > 36500 {
		return errors.New("TRIAL_DAYS must be in 1..36500")
	}
	if c.IssueTimeout <= 0 {
		return errors.New("ISSUE_TIMEOUT must be positive")
	}
	return nil
}

func getOrReturnDefault(key string, defaultValue interface{}) interface{} {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return defaultValue
}
