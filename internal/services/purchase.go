package services

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/go-lottery-backend/internal/domain"
	"github.com/tbourn/go-lottery-backend/internal/ledger"
)

// State is a purchase session's step.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingWallet   State = "awaiting_wallet"
	StateAwaitingPayment  State = "awaiting_payment"
	StatePaymentConfirmed State = "payment_confirmed"
	StateAwaitingNumbers  State = "awaiting_numbers"
	StateCompleted        State = "completed"
	StateExpired          State = "expired"
)

var stateRank = map[State]int{
	StateIdle:             0,
	StateAwaitingWallet:   1,
	StateAwaitingPayment:  2,
	StatePaymentConfirmed: 3,
	StateAwaitingNumbers:  4,
	StateCompleted:        5,
	StateExpired:          6,
}

// Paid reports whether the session's payment has been confirmed.
func (s State) Paid() bool {
	return stateRank[s] >= stateRank[StatePaymentConfirmed] && s != StateExpired
}

// PurchaseSession is the ephemeral record of one in-flight purchase.
// The conversion rate is captured at creation; RequiredNative never changes.
type PurchaseSession struct {
	Token          string               `json:"token"`
	UserID         string               `json:"user_id"`
	Username       string               `json:"username,omitempty"`
	TicketCount    int                  `json:"ticket_count"`
	Amount         decimal.Decimal      `json:"amount"`
	Currency       string               `json:"currency"`
	Rate           decimal.Decimal      `json:"rate"`
	RequiredNative decimal.Decimal      `json:"required_native"`
	NativeSymbol   string               `json:"native_symbol"`
	PaymentID      string               `json:"payment_id"`
	Wallet         string               `json:"wallet_address,omitempty"`
	TxRef          string               `json:"tx_ref,omitempty"`
	Status         State                `json:"status"`
	Tickets        []domain.TicketDraft `json:"tickets"`
	Draft          domain.TicketDraft   `json:"draft"`
	CreatedAt      time.Time            `json:"created_at"`
	ExpiresAt      time.Time            `json:"expires_at"`

	// Confirming counts payment checks running against the ledger. While one
	// holds a live ConfirmLease the session cannot be superseded.
	Confirming   int       `json:"confirming,omitempty"`
	ConfirmLease time.Time `json:"confirm_lease,omitempty"`
}

// confirming reports whether a payment check holds the session at now.
func (s *PurchaseSession) confirming(now time.Time) bool {
	return s.Confirming > 0 && now.Before(s.ConfirmLease)
}

// SessionView is the caller-facing snapshot of a session.
type SessionView struct {
	Token            string             `json:"token"`
	Status           State              `json:"status"`
	TicketCount      int                `json:"ticket_count"`
	Amount           decimal.Decimal    `json:"amount"`
	Currency         string             `json:"currency"`
	RequiredNative   decimal.Decimal    `json:"required_native"`
	NativeSymbol     string             `json:"native_symbol"`
	PaymentID        string             `json:"payment_id"`
	Wallet           string             `json:"wallet_address,omitempty"`
	TicketsCompleted int                `json:"tickets_completed"`
	CurrentTicket    int                `json:"current_ticket,omitempty"`
	Draft            domain.TicketDraft `json:"draft"`
	ExpiresAt        time.Time          `json:"expires_at"`
	SecondsRemaining int64              `json:"seconds_remaining"`
}

func (s *PurchaseSession) view(now time.Time) *SessionView {
	v := &SessionView{
		Token:            s.Token,
		Status:           s.Status,
		TicketCount:      s.TicketCount,
		Amount:           s.Amount,
		Currency:         s.Currency,
		RequiredNative:   s.RequiredNative,
		NativeSymbol:     s.NativeSymbol,
		PaymentID:        s.PaymentID,
		Wallet:           s.Wallet,
		TicketsCompleted: len(s.Tickets),
		Draft:            s.Draft,
		ExpiresAt:        s.ExpiresAt,
	}
	if v.Draft.Main == nil {
		v.Draft.Main = []int{}
	}
	if s.Status == StateAwaitingNumbers && len(s.Tickets) < s.TicketCount {
		v.CurrentTicket = len(s.Tickets) + 1
	}
	if rem := s.ExpiresAt.Sub(now); rem > 0 {
		v.SecondsRemaining = int64(rem / time.Second)
	}
	return v
}

// ActionKind tells the adapter what to do next.
type ActionKind string

const (
	ActionRedirect ActionKind = "redirect"
	ActionSignTx   ActionKind = "sign_transaction"
)

// Action is an optional follow-up for the adapter, e.g. a page to open.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target"`
}

// Outcome is the result of every adapter-facing operation.
type Outcome struct {
	State     State                    `json:"state"`
	Message   string                   `json:"message"`
	Action    *Action                  `json:"action,omitempty"`
	Session   *SessionView             `json:"session,omitempty"`
	TicketIDs []string                 `json:"ticket_ids,omitempty"`
	Transfer  *ledger.UnsignedTransfer `json:"transfer,omitempty"`
	// Changed is false when a selection request left the draft as it was.
	Changed bool `json:"changed"`
}

// TicketDraftInput is an atomic web-form ticket submission.
type TicketDraftInput struct {
	Numbers   []int `json:"numbers"`
	Special   int   `json:"special_number"`
	QuickPick bool  `json:"quick_pick"`
}

// WalletInfo is the result of a wallet lookup.
type WalletInfo struct {
	Address string          `json:"address"`
	Valid   bool            `json:"valid"`
	Balance decimal.Decimal `json:"balance"`
	Symbol  string          `json:"symbol"`
}
