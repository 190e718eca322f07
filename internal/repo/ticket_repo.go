// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Ticket
// model.
//
// CreateTickets is idempotent per payment: the (payment_id, seq) unique index
// guarantees one row per ticket slot, and a repeated call for a payment that
// already has tickets returns the existing ticket IDs instead of inserting.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-lottery-backend/internal/domain"
)

// maxTicketIDAttempts bounds regeneration when a fresh ticket ID collides.
const maxTicketIDAttempts = 5

// TicketInput is one ticket's numbers as chosen by the buyer.
type TicketInput struct {
	Numbers []int
	Special int
	Mode    domain.SelectionMode
}

// NewTickets is the input to CreateTickets.
type NewTickets struct {
	UserID        string
	WalletAddress string
	PaymentID     string
	DrawDate      time.Time
	Tickets       []TicketInput

	// NewID returns a fresh public ticket identifier.
	NewID func() (string, error)
}

// CreateTickets persists one ticket per input against a completed payment and
// returns the public ticket IDs in input order.
func CreateTickets(ctx context.Context, db *gorm.DB, in NewTickets) ([]string, error) {
	if len(in.Tickets) == 0 {
		return nil, errors.New("repo: no tickets to create")
	}
	if in.NewID == nil {
		return nil, errors.New("repo: ticket id generator is required")
	}

	var ids []string
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p domain.Payment
		if err := tx.First(&p, "id = ?", in.PaymentID).Error; err != nil {
			return err
		}
		if p.Status != domain.PaymentCompleted {
			return ErrPaymentNotCompleted
		}
		if p.TicketCount != len(in.Tickets) {
			return fmt.Errorf("repo: payment covers %d tickets, got %d", p.TicketCount, len(in.Tickets))
		}

		existing, err := ticketIDsForPayment(tx, in.PaymentID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			ids = existing
			return nil
		}

		now := time.Now().UTC()
		out := make([]string, 0, len(in.Tickets))
		for seq, t := range in.Tickets {
			tid, err := freshTicketID(tx, in.NewID)
			if err != nil {
				return err
			}
			row := &domain.Ticket{
				ID:            uuid.NewString(),
				TicketID:      tid,
				UserID:        in.UserID,
				WalletAddress: in.WalletAddress,
				PaymentID:     in.PaymentID,
				Seq:           seq,
				Numbers:       domain.NumberSet(t.Numbers),
				Special:       t.Special,
				Mode:          t.Mode,
				DrawDate:      in.DrawDate.UTC(),
				IsActive:      true,
				CreatedAt:     now,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
			out = append(out, tid)
		}

		if err := tx.Model(&domain.Payment{}).
			Where("id = ?", in.PaymentID).
			Update("tickets_issued", true).Error; err != nil {
			return err
		}
		ids = out
		return nil
	})

	// A concurrent writer for the same payment won the (payment_id, seq) race.
	if isUniqueViolation(err) {
		existing, qerr := ticketIDsForPayment(db.WithContext(ctx), in.PaymentID)
		if qerr == nil && len(existing) == len(in.Tickets) {
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// TicketIDsForPayment returns the ticket IDs issued for a payment in slot order.
func TicketIDsForPayment(ctx context.Context, db *gorm.DB, paymentID string) ([]string, error) {
	return ticketIDsForPayment(db.WithContext(ctx), paymentID)
}

func ticketIDsForPayment(db *gorm.DB, paymentID string) ([]string, error) {
	var ids []string
	err := db.Model(&domain.Ticket{}).
		Where("payment_id = ?", paymentID).
		Order("seq ASC").
		Pluck("ticket_id", &ids).Error
	return ids, err
}

func freshTicketID(tx *gorm.DB, gen func() (string, error)) (string, error) {
	for i := 0; i < maxTicketIDAttempts; i++ {
		id, err := gen()
		if err != nil {
			return "", err
		}
		var n int64
		if err := tx.Model(&domain.Ticket{}).Where("ticket_id = ?", id).Count(&n).Error; err != nil {
			return "", err
		}
		if n == 0 {
			return id, nil
		}
	}
	return "", errors.New("repo: could not allocate a unique ticket id")
}

// TicketFilter scopes ListTickets. At least one field must be set.
type TicketFilter struct {
	UserID        string
	WalletAddress string
}

func (f TicketFilter) apply(q *gorm.DB) *gorm.DB {
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.WalletAddress != "" {
		q = q.Where("wallet_address = ?", f.WalletAddress)
	}
	return q
}

// ListTickets returns a page of active tickets newest first plus the total count.
func ListTickets(ctx context.Context, db *gorm.DB, f TicketFilter, offset, limit int) ([]domain.Ticket, int64, error) {
	if f.UserID == "" && f.WalletAddress == "" {
		return nil, 0, errors.New("repo: ticket filter is empty")
	}
	base := f.apply(db.WithContext(ctx).Model(&domain.Ticket{})).Where("is_active = ?", true)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []domain.Ticket
	err := base.Session(&gorm.Session{}).
		Order("created_at DESC").
		Order("seq ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
