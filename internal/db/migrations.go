package db

import (
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Migrate применяет упорядоченный список миграций. Применённые записываются
// в таблицу migrations и повторно не выполняются.
func Migrate(db *gorm.DB) error {
	return gormigrate.New(db, gormigrate.DefaultOptions, migrations()).Migrate()
}

// Структуры внутри миграций фиксируют схему на момент миграции, модели из
// models.go сюда не подставлять.
func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "202401010001_create_users",
			Migrate: func(tx *gorm.DB) error {
				type user struct {
					TelegramID      int64  `gorm:"primaryKey;autoIncrement:false"`
					Username        string `gorm:"size:64"`
					SubscriptionEnd *time.Time
					VlessUUID       *string `gorm:"column:vless_uuid;size:36;uniqueIndex"`
					TrialUsed       bool    `gorm:"not null;default:false"`
					CreatedAt       time.Time
					UpdatedAt       time.Time
				}
				return tx.Migrator().CreateTable(&user{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("users")
			},
		},
		{
			ID: "202401010002_create_payments",
			Migrate: func(tx *gorm.DB) error {
				type user struct {
					TelegramID int64 `gorm:"primaryKey;autoIncrement:false"`
				}
				type payment struct {
					OrderID       string          `gorm:"primaryKey;size:64"`
					TelegramID    int64           `gorm:"not null;index"`
					User          user            `gorm:"foreignKey:TelegramID;references:TelegramID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
					Provider      string          `gorm:"size:32;not null"`
					AmountRub     decimal.Decimal `gorm:"type:numeric(12,2);not null"`
					Days          int             `gorm:"not null"`
					Status        string          `gorm:"size:16;not null;index"`
					CreatedAt     time.Time       `gorm:"not null"`
					PaidAt        *time.Time
					RawPayload    string
					FailureReason string
				}
				return tx.Migrator().CreateTable(&payment{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("payments")
			},
		},
		{
			ID: "202401150001_payment_grant_tracking",
			Migrate: func(tx *gorm.DB) error {
				type payment struct {
					GrantApplied bool `gorm:"not null;default:false"`
					GrantedUntil *time.Time
				}
				return addColumns(tx, &payment{}, "GrantApplied", "GrantedUntil")
			},
			Rollback: func(tx *gorm.DB) error {
				type payment struct {
					GrantApplied bool
					GrantedUntil *time.Time
				}
				return dropColumns(tx, &payment{}, "GrantApplied", "GrantedUntil")
			},
		},
		{
			ID: "202402010001_user_expiry_notice",
			Migrate: func(tx *gorm.DB) error {
				type user struct {
					NotifiedExpiring bool `gorm:"not null;default:false"`
				}
				return addColumns(tx, &user{}, "NotifiedExpiring")
			},
			Rollback: func(tx *gorm.DB) error {
				type user struct {
					NotifiedExpiring bool
				}
				return dropColumns(tx, &user{}, "NotifiedExpiring")
			},
		},
	}
}

// addColumns добавляет только отсутствующие колонки, чтобы миграция
// проходила и на схеме, где колонку уже добавили вручную.
func addColumns(tx *gorm.DB, model interface{}, fields ...string) error {
	m := tx.Migrator()
	for _, f := range fields {
		if m.HasColumn(model, f) {
			continue
		}
		if err := m.AddColumn(model, f); err != nil {
			return err
		}
	}
	return nil
}

func dropColumns(tx *gorm.DB, model interface{}, fields ...string) error {
	m := tx.Migrator()
	for _, f := range fields {
		if !m.HasColumn(model, f) {
			continue
		}
		if err := m.DropColumn(model, f); err != nil {
			return err
		}
	}
	return nil
}
