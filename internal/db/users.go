package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// GetUser возвращает пользователя или ErrNotFound.
func (s *Store) GetUser(ctx context.Context, telegramID int64) (*User, error) {
	var u User
	if err := s.conn(ctx).First(&u, "telegram_id = ?", telegramID).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// LockUser читает пользователя с блокировкой строки. Вызывать внутри WithTx.
func (s *Store) LockUser(ctx context.Context, telegramID int64) (*User, error) {
	var u User
	if err := forUpdate(s.conn(ctx)).First(&u, "telegram_id = ?", telegramID).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// UpsertUser создаёт пользователя с настройками по умолчанию или обновляет
// только username. Подписку, ключ и флаг пробного периода не трогает.
func (s *Store) UpsertUser(ctx context.Context, telegramID int64, username string) (*User, error) {
	var out *User
	err := s.WithTx(ctx, func(ctx context.Context) error {
		u := User{TelegramID: telegramID, Username: username}
		err := s.conn(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "telegram_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "updated_at"}),
		}).Create(&u).Error
		if err != nil {
			return translate(err)
		}
		out, err = s.GetUser(ctx, telegramID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveUser перезаписывает изменяемые поля. trial_used нельзя сбросить,
// а выданный vless_uuid нельзя заменить.
func (s *Store) SaveUser(ctx context.Context, u *User) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		cur, err := s.LockUser(ctx, u.TelegramID)
		if err != nil {
			return err
		}
		if cur.TrialUsed && !u.TrialUsed {
			return fmt.Errorf("%w: trial_used cannot be reset for user %d", ErrInvalidTransition, u.TelegramID)
		}
		if cur.VlessUUID != nil && (u.VlessUUID == nil || *u.VlessUUID != *cur.VlessUUID) {
			return fmt.Errorf("%w: vless_uuid is already issued for user %d", ErrInvalidTransition, u.TelegramID)
		}
		u.UpdatedAt = time.Now().UTC()
		return translate(s.conn(ctx).Model(&User{}).Where("telegram_id = ?", u.TelegramID).Updates(map[string]interface{}{
			"username":          u.Username,
			"subscription_end":  utcPtr(u.SubscriptionEnd),
			"vless_uuid":        u.VlessUUID,
			"trial_used":        u.TrialUsed,
			"notified_expiring": u.NotifiedExpiring,
			"updated_at":        u.UpdatedAt,
		}).Error)
	})
}

// SetCredential записывает UUID, только если он ещё не выдан, и возвращает
// сохранённое значение. Если другой запрос успел раньше, вернётся его UUID.
func (s *Store) SetCredential(ctx context.Context, telegramID int64, credential string) (string, error) {
	res := s.conn(ctx).Model(&User{}).
		Where("telegram_id = ? AND vless_uuid IS NULL", telegramID).
		Updates(map[string]interface{}{"vless_uuid": credential, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return "", translate(res.Error)
	}
	u, err := s.GetUser(ctx, telegramID)
	if err != nil {
		return "", err
	}
	if res.RowsAffected == 0 && u.Credential() != credential {
		s.log.Warn("credential already issued, discarding new one",
			zap.Int64("telegram_id", telegramID), zap.String("discarded", credential))
	}
	return u.Credential(), nil
}

// ListExpiringUsers возвращает пользователей, чья подписка заканчивается в (from, to]
// и кому ещё не отправляли напоминание.
func (s *Store) ListExpiringUsers(ctx context.Context, from, to time.Time) ([]User, error) {
	var users []User
	err := s.conn(ctx).
		Where("subscription_end > ? AND subscription_end <= ? AND notified_expiring = ?", from.UTC(), to.UTC(), false).
		Order("subscription_end").
		Find(&users).Error
	return users, translate(err)
}

func (s *Store) MarkExpiryNotified(ctx context.Context, telegramID int64) error {
	return translate(s.conn(ctx).Model(&User{}).Where("telegram_id = ?", telegramID).Update("notified_expiring", true).Error)
}

// --- Статистика для админки ---

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.conn(ctx).Model(&User{}).Count(&count).Error
	return count, translate(err)
}

func (s *Store) CountActiveSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.conn(ctx).Model(&User{}).Where("subscription_end > ?", now.UTC()).Count(&count).Error
	return count, translate(err)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
