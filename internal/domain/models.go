// Package domain defines the persistence models for users, payments and
// lottery tickets, plus the in-flight ticket draft used while a buyer picks
// numbers. The GORM-mapped types form the durable ticket store.
package domain

import (
	"database/sql/driver"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a PaymentRecord.
// Transitions are pending→completed or pending→failed; terminal states are immutable.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// User is a chat-platform identity and its single active wallet.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: opaque chat-platform identity; unique.
//   - WalletAddress: linked ledger address; unique across users, NULL until linked.
//   - WalletType: client-reported wallet app (phantom, solflare, ...), informational.
//   - LinkedAt: when the current wallet was linked.
type User struct {
	ID            string     `json:"id"             gorm:"type:char(36);primaryKey"`
	UserID        string     `json:"user_id"        gorm:"type:varchar(64);not null;uniqueIndex:ux_users_user_id"`
	Username      string     `json:"username"       gorm:"type:varchar(128)"`
	WalletAddress *string    `json:"wallet_address" gorm:"type:varchar(64);uniqueIndex:ux_users_wallet"`
	WalletType    string     `json:"wallet_type"    gorm:"type:varchar(32)"`
	LinkedAt      *time.Time `json:"linked_at,omitempty"`
	IsActive      bool       `json:"is_active"      gorm:"not null;default:true"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Wallet returns the linked address or "" when none is linked.
func (u User) Wallet() string {
	if u.WalletAddress == nil {
		return ""
	}
	return *u.WalletAddress
}

// Payment tracks one payment attempt for a purchase.
//
// Amount is the fiat-equivalent total; NativeAmount is what the buyer owes in
// the ledger's native unit at the rate captured when the purchase started.
// TxRef is set only on completion and is unique across payments, so one
// ledger transfer can pay for at most one purchase. TicketsIssued flips once the purchase's
// tickets have been persisted against this payment.
type Payment struct {
	ID            string          `json:"payment_id"      gorm:"type:char(36);primaryKey"`
	UserID        string          `json:"user_id"         gorm:"type:varchar(64);not null;index:idx_payments_user"`
	Amount        decimal.Decimal `json:"amount"          gorm:"type:varchar(40);not null"`
	Currency      string          `json:"currency"        gorm:"type:varchar(16);not null"`
	NativeAmount  decimal.Decimal `json:"native_amount"   gorm:"type:varchar(40);not null"`
	NativeSymbol  string          `json:"native_symbol"   gorm:"type:varchar(16);not null"`
	TicketCount   int             `json:"ticket_count"    gorm:"not null"`
	WalletAddress string          `json:"wallet_address"  gorm:"type:varchar(64)"`
	Status        PaymentStatus   `json:"status"          gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','completed','failed')"`
	TxRef         *string         `json:"tx_ref,omitempty" gorm:"type:varchar(128);uniqueIndex:ux_payments_tx_ref"`
	TicketsIssued bool            `json:"tickets_issued"  gorm:"not null;default:false"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// TableName returns the database table name for Payment.
func (Payment) TableName() string { return "payments" }

// Ticket is a persisted lottery ticket.
//
// (PaymentID, Seq) is unique so a purchase can never yield more than one row
// per ticket slot, no matter how often persistence is retried.
type Ticket struct {
	ID            string        `json:"-"              gorm:"type:char(36);primaryKey"`
	TicketID      string        `json:"ticket_id"      gorm:"type:varchar(16);not null;uniqueIndex:ux_tickets_ticket_id"`
	UserID        string        `json:"user_id"        gorm:"type:varchar(64);not null;index:idx_tickets_user"`
	WalletAddress string        `json:"wallet_address" gorm:"type:varchar(64);not null;index:idx_tickets_wallet"`
	PaymentID     string        `json:"payment_id"     gorm:"type:char(36);not null;uniqueIndex:ux_tickets_payment_seq,priority:1"`
	Seq           int           `json:"seq"            gorm:"not null;uniqueIndex:ux_tickets_payment_seq,priority:2"`
	Numbers       NumberSet     `json:"numbers"        gorm:"type:varchar(32);not null"`
	Special       int           `json:"special_number" gorm:"not null"`
	Mode          SelectionMode `json:"selection_mode" gorm:"type:varchar(16);not null"`
	DrawDate      time.Time     `json:"draw_date"      gorm:"not null;index"`
	IsActive      bool          `json:"is_active"      gorm:"not null;default:true"`
	CreatedAt     time.Time     `json:"created_at"`

	// Payment is the purchase this ticket was paid by.
	Payment Payment `json:"-" gorm:"foreignKey:PaymentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for Ticket.
func (Ticket) TableName() string { return "tickets" }

// NumberSet stores ticket main numbers as a compact "n1,n2,..." column.
type NumberSet []int

// Value implements driver.Valuer.
func (n NumberSet) Value() (driver.Value, error) {
	parts := make([]string, len(n))
	for i, v := range n {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ","), nil
}

// Scan implements sql.Scanner.
func (n *NumberSet) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		*n = nil
		return nil
	default:
		return errors.New("numberset: unsupported column type")
	}
	if s == "" {
		*n = NumberSet{}
		return nil
	}
	parts := strings.Split(s, ",")
	out := make(NumberSet, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return err
		}
		out = append(out, v)
	}
	*n = out
	return nil
}
