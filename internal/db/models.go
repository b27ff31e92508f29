package db

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// Terminal сообщает, что статус больше не меняется.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed
}

type User struct {
	TelegramID       int64  `gorm:"primaryKey;autoIncrement:false"`
	Username         string `gorm:"size:64"`
	SubscriptionEnd  *time.Time
	VlessUUID        *string `gorm:"column:vless_uuid;size:36;uniqueIndex"`
	TrialUsed        bool    `gorm:"not null;default:false"`
	NotifiedExpiring bool    `gorm:"not null;default:false"` // напоминание об окончании уже отправлено
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ActiveAt сообщает, действует ли подписка в момент t.
func (u *User) ActiveAt(t time.Time) bool {
	return u.SubscriptionEnd != nil && u.SubscriptionEnd.After(t)
}

// Credential возвращает выданный UUID или пустую строку.
func (u *User) Credential() string {
	if u.VlessUUID == nil {
		return ""
	}
	return *u.VlessUUID
}

type Payment struct {
	OrderID       string          `gorm:"primaryKey;size:64"`
	TelegramID    int64           `gorm:"not null;index"`
	Provider      string          `gorm:"size:32;not null"`
	AmountRub     decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Days          int             `gorm:"not null"`
	Status        PaymentStatus   `gorm:"size:16;not null;index"`
	CreatedAt     time.Time       `gorm:"not null"`
	PaidAt        *time.Time
	RawPayload    string
	FailureReason string
	GrantApplied  bool `gorm:"not null;default:false"` // продление подписки по платежу уже записано
	GrantedUntil  *time.Time
}
