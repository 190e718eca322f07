// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Payment
// model.
//
// Status transitions are guarded in SQL: only a pending row moves, so two
// concurrent confirmations can never both observe a successful transition.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/go-lottery-backend/internal/domain"
)

// NewPayment describes a pending payment to record.
type NewPayment struct {
	UserID       string
	Amount       decimal.Decimal
	Currency     string
	NativeAmount decimal.Decimal
	NativeSymbol string
	TicketCount  int
}

// CreatePayment inserts a pending payment and returns it.
func CreatePayment(ctx context.Context, db *gorm.DB, in NewPayment) (*domain.Payment, error) {
	p := &domain.Payment{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		Amount:       in.Amount,
		Currency:     in.Currency,
		NativeAmount: in.NativeAmount,
		NativeSymbol: in.NativeSymbol,
		TicketCount:  in.TicketCount,
		Status:       domain.PaymentPending,
	}
	if err := db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

// FindPaymentByTxRef fetches the payment a transaction reference was stored
// on, or returns ErrNotFound.
func FindPaymentByTxRef(ctx context.Context, db *gorm.DB, txRef string) (*domain.Payment, error) {
	var p domain.Payment
	if err := db.WithContext(ctx).First(&p, "tx_ref = ?", txRef).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// FindPayment fetches a payment by ID or returns ErrNotFound.
func FindPayment(ctx context.Context, db *gorm.DB, id string) (*domain.Payment, error) {
	var p domain.Payment
	if err := db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// SetPaymentWallet records the paying wallet on a still-pending payment.
func SetPaymentWallet(ctx context.Context, db *gorm.DB, id, wallet string) error {
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status = ?", id, domain.PaymentPending).
		Update("wallet_address", wallet)
	return res.Error
}

// UpdatePaymentStatus moves a pending payment to a terminal status.
//
// Repeating the transition the row already made returns the stored record
// and a nil error. Asking a terminal row for the other terminal status
// returns ErrPaymentFinal. txRef is stored only on completion; a txRef
// already stored on another payment returns ErrTxRefUsed and leaves the row
// pending.
func UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id string, to domain.PaymentStatus, txRef string, now time.Time) (*domain.Payment, error) {
	if !to.Terminal() {
		return nil, errors.New("repo: payment target status must be terminal")
	}
	updates := map[string]any{
		"status":     to,
		"updated_at": now.UTC(),
	}
	if to == domain.PaymentCompleted {
		updates["completed_at"] = now.UTC()
		if txRef != "" {
			updates["tx_ref"] = txRef
		}
	}

	var out *domain.Payment
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Payment{}).
			Where("id = ? AND status = ?", id, domain.PaymentPending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		var p domain.Payment
		if err := tx.First(&p, "id = ?", id).Error; err != nil {
			return err
		}
		if res.RowsAffected == 0 && p.Status != to {
			return ErrPaymentFinal
		}
		out = &p
		return nil
	})
	if isUniqueViolation(err) {
		return nil, ErrTxRefUsed
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompletePayment is UpdatePaymentStatus(..., PaymentCompleted, ...).
func CompletePayment(ctx context.Context, db *gorm.DB, id, txRef string, now time.Time) (*domain.Payment, error) {
	return UpdatePaymentStatus(ctx, db, id, domain.PaymentCompleted, txRef, now)
}

// ListPayments returns a user's payments newest first.
func ListPayments(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Payment, error) {
	var out []domain.Payment
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
