// Package payments decides whether a purchase has been paid for. The
// strategy is chosen once at startup: LedgerConfirmer checks the live chain,
// MockConfirmer accepts every claim for local development.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-lottery-backend/internal/config"
	"github.com/tbourn/go-lottery-backend/internal/ledger"
)

var (
	// ErrLedgerUnavailable is returned when the node could not be reached
	// after all read attempts.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrTransferNotObserved is returned when a claimed transaction signature
	// is unknown to the node, failed, or is not yet confirmed.
	ErrTransferNotObserved = errors.New("transfer not observed on ledger")

	// ErrTransferMismatch is returned when a confirmed transaction does not
	// pay this purchase: wrong sender, wrong recipient, too little, or sent
	// before the purchase existed.
	ErrTransferMismatch = errors.New("transfer does not pay this purchase")
)

// blockTimeSkew tolerates clock drift between this host and the ledger when
// comparing a transfer's block time with the purchase creation time.
const blockTimeSkew = 2 * time.Minute

// InsufficientBalanceError reports the exact shortfall of a payment claim.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Symbol    string
}

func (e *InsufficientBalanceError) Error() string {
	sym := e.Symbol
	if sym == "" {
		sym = "SOL"
	}
	return fmt.Sprintf("Insufficient %s balance. Required: %s %s, Available: %s %s",
		sym, e.Required.StringFixed(6), sym, e.Available.StringFixed(6), sym)
}

// Claim is a buyer's assertion that PaymentID has been paid from Wallet to
// Treasury.
type Claim struct {
	PaymentID string
	Wallet    string
	Treasury  string
	Required  decimal.Decimal
	// Signature of the transfer, when the wallet reported one.
	Signature string
	// NotBefore is when the purchase was created. Older transfers never pay it.
	NotBefore time.Time
}

// Confirmer verifies a Claim and returns a transaction reference to store
// on the payment.
type Confirmer interface {
	Confirm(ctx context.Context, c Claim) (txRef string, err error)
}

// Ledger is the subset of ledger.Client the confirmer reads.
type Ledger interface {
	GetBalance(ctx context.Context, addr string) (decimal.Decimal, error)
	GetTransaction(ctx context.Context, sig string) (*ledger.ObservedTransaction, error)
}

// LedgerConfirmer confirms claims against the chain.
//
// With a signature, the transfer itself is the proof: the transaction must
// be confirmed without error and move at least Required from Wallet to
// Treasury. Without one, the wallet balance must cover Required.
// Reads are retried MaxRetries extra times with linear backoff.
type LedgerConfirmer struct {
	Ledger     Ledger
	MaxRetries int
	Backoff    time.Duration
	Symbol     string
}

// Confirm implements Confirmer.
func (l *LedgerConfirmer) Confirm(ctx context.Context, c Claim) (string, error) {
	if c.Signature != "" {
		return l.confirmTransfer(ctx, c)
	}

	var bal decimal.Decimal
	err := l.retry(ctx, func() error {
		var err error
		bal, err = l.Ledger.GetBalance(ctx, c.Wallet)
		return err
	})
	if errors.Is(err, ledger.ErrInvalidAddress) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if bal.LessThan(c.Required) {
		return "", &InsufficientBalanceError{Required: c.Required, Available: bal, Symbol: l.Symbol}
	}
	return "balance:" + c.PaymentID, nil
}

func (l *LedgerConfirmer) confirmTransfer(ctx context.Context, c Claim) (string, error) {
	if c.Treasury == "" {
		return "", errors.New("payments: treasury address is not configured")
	}
	need, err := ledger.ToLamports(c.Required)
	if err != nil {
		return "", err
	}

	var tx *ledger.ObservedTransaction
	err = l.retry(ctx, func() error {
		var err error
		tx, err = l.Ledger.GetTransaction(ctx, c.Signature)
		return err
	})
	switch {
	case errors.Is(err, ledger.ErrInvalidSignature):
		return "", err
	case errors.Is(err, ledger.ErrTxNotFound):
		return "", ErrTransferNotObserved
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if tx.Failed {
		return "", ErrTransferNotObserved
	}

	logger := log.Ctx(ctx).With().Str("payment_id", c.PaymentID).Str("signature", c.Signature).Logger()
	if !c.NotBefore.IsZero() && tx.BlockTime != nil && tx.BlockTime.Before(c.NotBefore.Add(-blockTimeSkew)) {
		logger.Warn().Time("block_time", *tx.BlockTime).Msg("transfer predates purchase")
		return "", fmt.Errorf("%w: sent before the purchase was created", ErrTransferMismatch)
	}
	paid := tx.TransferredTo(c.Wallet, c.Treasury)
	if paid == 0 {
		logger.Warn().Msg("transfer does not move funds from the wallet to the treasury")
		return "", fmt.Errorf("%w: no transfer from the connected wallet to the treasury", ErrTransferMismatch)
	}
	if paid < need {
		logger.Warn().Uint64("lamports", paid).Uint64("required", need).Msg("transfer short")
		return "", fmt.Errorf("%w: paid %s of %s", ErrTransferMismatch,
			ledger.FromLamports(paid).String(), ledger.FromLamports(need).String())
	}
	return c.Signature, nil
}

// retry runs fn until it succeeds, fails permanently, or attempts run out.
func (l *LedgerConfirmer) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= l.MaxRetries; attempt++ {
		if err = fn(); err == nil || permanent(err) {
			return err
		}
		if attempt == l.MaxRetries {
			break
		}
		log.Ctx(ctx).Warn().Err(err).Int("attempt", attempt+1).Msg("ledger read failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.Backoff * time.Duration(attempt+1)):
		}
	}
	return err
}

func permanent(err error) bool {
	return errors.Is(err, ledger.ErrInvalidAddress) || errors.Is(err, ledger.ErrInvalidSignature)
}

// MockConfirmer accepts every claim.
type MockConfirmer struct{}

// Confirm implements Confirmer.
func (MockConfirmer) Confirm(_ context.Context, c Claim) (string, error) {
	if c.Signature != "" {
		return c.Signature, nil
	}
	return "mock_" + uuid.NewString(), nil
}

// NewConfirmer returns the strategy selected by cfg.Payment.Mode.
func NewConfirmer(cfg config.Config, l Ledger) (Confirmer, error) {
	switch cfg.Payment.Mode {
	case "mock":
		return MockConfirmer{}, nil
	case "ledger":
		if l == nil {
			return nil, errors.New("payments: ledger client is required in ledger mode")
		}
		return &LedgerConfirmer{
			Ledger:     l,
			MaxRetries: cfg.Ledger.MaxRetries,
			Backoff:    cfg.Ledger.RetryBackoff,
			Symbol:     cfg.Ledger.NativeSymbol,
		}, nil
	default:
		return nil, fmt.Errorf("payments: unsupported mode %q", cfg.Payment.Mode)
	}
}
