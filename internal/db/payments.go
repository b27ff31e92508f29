package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CreatePaymentParams struct {
	OrderID    string
	TelegramID int64
	Provider   string
	AmountRub  decimal.Decimal
	Days       int
	CreatedAt  time.Time
}

// CreatePayment сохраняет платёж в статусе pending. Повтор order_id или
// несуществующий пользователь дают ErrConflict, существующая строка не меняется.
func (s *Store) CreatePayment(ctx context.Context, p CreatePaymentParams) (*Payment, error) {
	pay := Payment{
		OrderID:    p.OrderID,
		TelegramID: p.TelegramID,
		Provider:   p.Provider,
		AmountRub:  p.AmountRub,
		Days:       p.Days,
		Status:     PaymentPending,
		CreatedAt:  p.CreatedAt.UTC(),
	}
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.GetUser(ctx, p.TelegramID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: user %d does not exist", ErrConflict, p.TelegramID)
			}
			return err
		}
		if _, err := s.GetPayment(ctx, p.OrderID); err == nil {
			return fmt.Errorf("%w: order %s already exists", ErrConflict, p.OrderID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return translate(s.conn(ctx).Create(&pay).Error)
	})
	if err != nil {
		return nil, err
	}
	return &pay, nil
}

// GetPayment возвращает платёж или ErrNotFound.
func (s *Store) GetPayment(ctx context.Context, orderID string) (*Payment, error) {
	var p Payment
	if err := s.conn(ctx).First(&p, "order_id = ?", orderID).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// LockPayment читает платёж с блокировкой строки. Вызывать внутри WithTx.
func (s *Store) LockPayment(ctx context.Context, orderID string) (*Payment, error) {
	var p Payment
	if err := forUpdate(s.conn(ctx)).First(&p, "order_id = ?", orderID).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// MarkPaymentPaid переводит pending -> paid. Для уже оплаченного платежа
// возвращает строку без изменений (повторные callback-и провайдера), для
// failed возвращает ErrInvalidTransition.
func (s *Store) MarkPaymentPaid(ctx context.Context, orderID string, paidAt time.Time, rawPayload string) (*Payment, error) {
	p, _, err := s.transition(ctx, orderID, PaymentPaid, map[string]interface{}{
		"status":      PaymentPaid,
		"paid_at":     paidAt.UTC(),
		"raw_payload": rawPayload,
	})
	return p, err
}

// MarkPaymentFailed переводит pending -> failed, зеркально MarkPaymentPaid.
// changed = false, если заказ уже был failed.
func (s *Store) MarkPaymentFailed(ctx context.Context, orderID, reason string) (*Payment, bool, error) {
	return s.transition(ctx, orderID, PaymentFailed, map[string]interface{}{
		"status":         PaymentFailed,
		"failure_reason": reason,
	})
}

func (s *Store) transition(ctx context.Context, orderID string, to PaymentStatus, updates map[string]interface{}) (*Payment, bool, error) {
	var out *Payment
	changed := false
	err := s.WithTx(ctx, func(ctx context.Context) error {
		p, err := s.LockPayment(ctx, orderID)
		if err != nil {
			return err
		}
		switch p.Status {
		case to:
			out = p
			return nil
		case PaymentPending:
		default:
			return fmt.Errorf("%w: order %s is %s, cannot become %s", ErrInvalidTransition, orderID, p.Status, to)
		}
		// без FOR UPDATE (SQLite) переход должен оставаться условным
		res := s.conn(ctx).Model(&Payment{}).
			Where("order_id = ? AND status = ?", orderID, PaymentPending).
			Updates(updates)
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: order %s changed concurrently", ErrInvalidTransition, orderID)
		}
		changed = true
		out, err = s.GetPayment(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	s.log.Debug("payment transition", zap.String("order_id", orderID), zap.String("status", string(out.Status)), zap.Bool("changed", changed))
	return out, changed, nil
}

// MarkGrantApplied отмечает, что продление по оплаченному платежу записано.
func (s *Store) MarkGrantApplied(ctx context.Context, orderID string, grantedUntil time.Time) error {
	res := s.conn(ctx).Model(&Payment{}).
		Where("order_id = ? AND status = ?", orderID, PaymentPaid).
		Updates(map[string]interface{}{"grant_applied": true, "granted_until": grantedUntil.UTC()})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: order %s is not paid", ErrInvalidTransition, orderID)
	}
	return nil
}

// ListUngrantedPayments возвращает оплаченные платежи, по которым продление ещё не записано.
func (s *Store) ListUngrantedPayments(ctx context.Context, limit int) ([]Payment, error) {
	var pays []Payment
	err := s.conn(ctx).
		Where("status = ? AND grant_applied = ?", PaymentPaid, false).
		Order("paid_at").
		Limit(limit).
		Find(&pays).Error
	return pays, translate(err)
}

func (s *Store) ListPayments(ctx context.Context, from, to time.Time) ([]Payment, error) {
	var pays []Payment
	err := s.conn(ctx).
		Where("created_at >= ? AND created_at <= ?", from.UTC(), to.UTC()).
		Order("created_at").
		Find(&pays).Error
	return pays, translate(err)
}

// SumPaidPayments суммирует оплаченные платежи за период в decimal.
func (s *Store) SumPaidPayments(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := s.conn(ctx).Model(&Payment{}).
		Where("status = ? AND paid_at >= ? AND paid_at <= ?", PaymentPaid, from.UTC(), to.UTC()).
		Pluck("amount_rub", &amounts).Error
	if err != nil {
		return decimal.Zero, translate(err)
	}
	sum := decimal.Zero
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	return sum, nil
}
