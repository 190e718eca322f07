// Package services – PurchaseService
//
// This file implements PurchaseService, the state machine that takes a buyer
// from "buy N tickets" through wallet connection, payment confirmation and
// number selection to persisted tickets.
//
// Session state lives in a session.Store. Per-session mutations run inside
// Store.Update, so concurrent requests for one session serialize while other
// sessions proceed. Ledger and ticket-store I/O always happens outside that
// critical section.
//
// Observability: all public methods are OpenTelemetry-instrumented and
// counted in lottery_purchase_events_total.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"

	"github.com/tbourn/go-lottery-backend/internal/config"
	"github.com/tbourn/go-lottery-backend/internal/domain"
	"github.com/tbourn/go-lottery-backend/internal/ledger"
	"github.com/tbourn/go-lottery-backend/internal/numbers"
	"github.com/tbourn/go-lottery-backend/internal/payments"
	"github.com/tbourn/go-lottery-backend/internal/repo"
	"github.com/tbourn/go-lottery-backend/internal/session"
)

// TicketStore is the durable store the purchase flow writes to.
// repo.Store implements it.
type TicketStore interface {
	EnsureUser(ctx context.Context, userID, username string) (*domain.User, error)
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	LinkWallet(ctx context.Context, userID, username, address, walletType string, now time.Time) (*domain.User, error)

	CreatePayment(ctx context.Context, in repo.NewPayment) (*domain.Payment, error)
	FindPayment(ctx context.Context, id string) (*domain.Payment, error)
	FindPaymentByTxRef(ctx context.Context, txRef string) (*domain.Payment, error)
	ListPayments(ctx context.Context, userID string, offset, limit int) ([]domain.Payment, error)
	SetPaymentWallet(ctx context.Context, id, wallet string) error
	UpdatePaymentStatus(ctx context.Context, id string, to domain.PaymentStatus, txRef string, now time.Time) (*domain.Payment, error)

	CreateTickets(ctx context.Context, in repo.NewTickets) ([]string, error)
	ListTickets(ctx context.Context, f repo.TicketFilter, offset, limit int) ([]domain.Ticket, int64, error)
	TicketsStats(ctx context.Context, f repo.TicketFilter) (int64, *time.Time, error)
}

// Ledger is the subset of ledger.Client the purchase flow uses.
type Ledger interface {
	GetBalance(ctx context.Context, addr string) (decimal.Decimal, error)
	BuildTransfer(ctx context.Context, from, to string, amount decimal.Decimal) (ledger.UnsignedTransfer, error)
}

// Pricing holds the economic parameters captured into each session.
type Pricing struct {
	TicketPrice  decimal.Decimal
	Currency     string
	NativeRate   decimal.Decimal // fiat-equivalent units per native unit
	NativeSymbol string
}

// PurchaseService coordinates the purchase state machine.
type PurchaseService struct {
	Tickets   TicketStore
	Sessions  session.Store
	Ledger    Ledger
	Confirmer payments.Confirmer
	Numbers   *numbers.Generator

	Pricing      Pricing
	SessionTTL   time.Duration
	ConnectTTL   time.Duration
	DrawInterval time.Duration
	WebBaseURL   string
	Treasury     string

	Locale language.Tag
	Now    func() time.Time
}

// NewPurchaseService wires a PurchaseService from configuration.
func NewPurchaseService(cfg config.Config, tickets TicketStore, sessions session.Store, l Ledger, c payments.Confirmer) *PurchaseService {
	return &PurchaseService{
		Tickets:   tickets,
		Sessions:  sessions,
		Ledger:    l,
		Confirmer: c,
		Numbers:   numbers.Default,
		Pricing: Pricing{
			TicketPrice:  cfg.Lottery.TicketPrice,
			Currency:     cfg.Lottery.Currency,
			NativeRate:   cfg.Lottery.NativeRate,
			NativeSymbol: cfg.Ledger.NativeSymbol,
		},
		SessionTTL:   cfg.Lottery.PurchaseTTL,
		ConnectTTL:   cfg.Lottery.ConnectTTL,
		DrawInterval: cfg.Lottery.DrawInterval,
		WebBaseURL:   cfg.Lottery.WebBaseURL,
		Treasury:     cfg.Ledger.Treasury,
		Locale:       language.Make(cfg.Lottery.Locale),
		Now:          time.Now,
	}
}

func (s *PurchaseService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *PurchaseService) purchases() session.Typed[PurchaseSession] {
	return session.NewTyped[PurchaseSession](s.Sessions)
}

func (s *PurchaseService) link(path, token string) string {
	return s.WebBaseURL + path + "?token=" + token
}

func tracer() trace.Tracer { return otel.Tracer("services/PurchaseService") }

// Store keys.
func purchaseKey(token string) string { return "purchase:" + token }
func userKey(userID string) string    { return "user:" + userID }
func paymentKey(id string) string     { return "payment:" + id }
func connectKey(token string) string  { return "connect:" + token }

// confirmLease bounds how long one payment check holds its session. It
// outlasts a confirmer's full retry schedule.
const confirmLease = 2 * time.Minute

// NativeAmount converts a fiat-equivalent amount at rate, rounded up to the
// ledger's smallest unit.
func NativeAmount(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.DivRound(rate, 16).RoundUp(9)
}

// ---------------------------------------------------------------------------
// Buy request
// ---------------------------------------------------------------------------

// SubmitBuyRequest starts a purchase of count tickets for userID.
//
// A count outside [1,10] fails with ErrInvalidTicketCount before anything is
// created. An unpaid in-flight session of the same user is replaced and its
// payment marked failed. A paid one, or one whose payment is being checked
// on the ledger, blocks with ErrPurchaseInProgress.
func (s *PurchaseService) SubmitBuyRequest(ctx context.Context, userID, username string, count int) (*Outcome, error) {
	ctx, span := tracer().Start(ctx, "SubmitBuyRequest",
		trace.WithAttributes(
			attribute.String("user.tag", numbers.UserTag(userID)),
			attribute.Int("ticket.count", count),
		),
	)
	defer span.End()

	if count < domain.MinTicketsPerPurchase || count > domain.MaxTicketsPerPurchase {
		return nil, ErrInvalidTicketCount
	}
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}

	prev, err := s.activeSession(ctx, userID)
	if err == nil && prev.Status.Paid() {
		return nil, ErrPurchaseInProgress
	}

	if _, err := s.Tickets.EnsureUser(ctx, userID, username); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	amount := s.Pricing.TicketPrice.Mul(decimal.NewFromInt(int64(count)))
	native := NativeAmount(amount, s.Pricing.NativeRate)

	pay, err := s.Tickets.CreatePayment(ctx, repo.NewPayment{
		UserID:       userID,
		Amount:       amount,
		Currency:     s.Pricing.Currency,
		NativeAmount: native,
		NativeSymbol: s.Pricing.NativeSymbol,
		TicketCount:  count,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	token, err := s.Numbers.SessionToken(userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	ps := PurchaseSession{
		Token:          token,
		UserID:         userID,
		Username:       username,
		TicketCount:    count,
		Amount:         amount,
		Currency:       s.Pricing.Currency,
		Rate:           s.Pricing.NativeRate,
		RequiredNative: native,
		NativeSymbol:   s.Pricing.NativeSymbol,
		PaymentID:      pay.ID,
		Status:         StateAwaitingWallet,
		Tickets:        []domain.TicketDraft{},
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.SessionTTL),
	}

	if prev != nil {
		if err := s.supersede(ctx, prev); err != nil {
			s.abandonPayment(ctx, pay.ID)
			return nil, err
		}
	}
	if err := s.purchases().Put(ctx, purchaseKey(token), ps, s.SessionTTL); err != nil {
		return nil, err
	}
	if err := s.Sessions.Put(ctx, userKey(userID), []byte(token), s.SessionTTL); err != nil {
		return nil, err
	}
	if err := s.Sessions.Put(ctx, paymentKey(pay.ID), []byte(token), s.SessionTTL); err != nil {
		return nil, err
	}

	recordEvent("buy_requested")
	log.Ctx(ctx).Info().
		Str("user_tag", numbers.UserTag(userID)).
		Str("payment_id", pay.ID).
		Int("tickets", count).
		Msg("purchase started")

	p := s.printer(ctx)
	return &Outcome{
		State: StateAwaitingWallet,
		Message: p.Sprintf("Purchase started: %d ticket(s) for %v %s (%v %s). Connect your wallet within %d minutes.",
			count, fmtFiat(amount), ps.Currency, fmtNative(native), ps.NativeSymbol, int(s.SessionTTL/time.Minute)),
		Action:  &Action{Kind: ActionRedirect, Target: s.link("/connect-wallet", token)},
		Session: ps.view(now),
	}, nil
}

// supersede retires prev so a new purchase can take the user's slot. The
// check and the retirement happen under prev's session lock, so a payment
// confirmation either finishes first and blocks the new purchase, or finds
// prev retired and stops.
func (s *PurchaseService) supersede(ctx context.Context, prev *PurchaseSession) error {
	now := s.now()
	_, err := s.purchases().Update(ctx, purchaseKey(prev.Token), func(ps *PurchaseSession) error {
		if ps.Status.Paid() || ps.confirming(now) {
			return ErrPurchaseInProgress
		}
		ps.Status = StateExpired
		return nil
	})
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}

	_, err = s.Tickets.UpdatePaymentStatus(ctx, prev.PaymentID, domain.PaymentFailed, "", now)
	switch {
	case errors.Is(err, repo.ErrPaymentFinal):
		// Completed out of band before the retirement.
		if pay, ferr := s.Tickets.FindPayment(ctx, prev.PaymentID); ferr == nil {
			if _, merr := s.markPaid(ctx, prev.Token, pay, prev.Wallet); merr != nil {
				log.Ctx(ctx).Error().Err(merr).Str("payment_id", prev.PaymentID).Msg("restore paid session")
			}
		}
		return ErrPurchaseInProgress
	case err != nil:
		log.Ctx(ctx).Warn().Err(err).Str("payment_id", prev.PaymentID).Msg("fail superseded payment")
	}

	_ = s.Sessions.Delete(ctx, purchaseKey(prev.Token))
	_ = s.Sessions.Delete(ctx, paymentKey(prev.PaymentID))
	recordEvent("purchase_superseded")
	return nil
}

// abandonPayment fails a payment whose session was never stored.
func (s *PurchaseService) abandonPayment(ctx context.Context, paymentID string) {
	if _, err := s.Tickets.UpdatePaymentStatus(ctx, paymentID, domain.PaymentFailed, "", s.now()); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("payment_id", paymentID).Msg("fail abandoned payment")
	}
}

// ---------------------------------------------------------------------------
// Wallets
// ---------------------------------------------------------------------------

// LinkWallet makes address the user's single active wallet. If the user has
// a session waiting for a wallet, it advances to AwaitingPayment.
func (s *PurchaseService) LinkWallet(ctx context.Context, userID, username, address, walletType string) (*Outcome, error) {
	ctx, span := tracer().Start(ctx, "LinkWallet",
		trace.WithAttributes(attribute.String("user.tag", numbers.UserTag(userID))),
	)
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	if err := s.linkDurable(ctx, userID, username, address, walletType); err != nil {
		return nil, err
	}

	out := &Outcome{
		State:   StateIdle,
		Message: fmt.Sprintf("Wallet linked: %s", ShortAddress(address)),
	}

	token, err := s.userToken(ctx, userID)
	if err != nil {
		return out, nil
	}
	ps, err := s.attachWallet(ctx, token, address, false)
	if err != nil {
		// The durable link succeeded; a session that cannot take the wallet
		// is left as it was.
		return out, nil
	}
	out.State = ps.Status
	out.Session = ps.view(s.now())
	if ps.Status == StateAwaitingPayment {
		out.Action = &Action{Kind: ActionRedirect, Target: s.link("/pay", ps.Token)}
	}
	return out, nil
}

// ConnectWallet links address for the session's user and advances the
// session from AwaitingWallet to AwaitingPayment.
func (s *PurchaseService) ConnectWallet(ctx context.Context, token, address, walletType string) (*Outcome, error) {
	ctx, span := tracer().Start(ctx, "ConnectWallet")
	defer span.End()

	ps, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if ps.Status.Paid() {
		if ps.Wallet == address {
			return s.outcomeFor(ps, "Wallet already connected."), nil
		}
		return nil, ErrInvalidState
	}
	if err := s.linkDurable(ctx, ps.UserID, ps.Username, address, walletType); err != nil {
		return nil, err
	}
	updated, err := s.attachWallet(ctx, token, address, true)
	if err != nil {
		return nil, err
	}
	recordEvent("wallet_connected")

	out := s.outcomeFor(updated, fmt.Sprintf("Wallet %s connected. Send %s %s to complete your purchase.",
		ShortAddress(address), updated.RequiredNative.String(), updated.NativeSymbol))
	out.Action = &Action{Kind: ActionRedirect, Target: s.link("/pay", token)}
	return out, nil
}

func (s *PurchaseService) linkDurable(ctx context.Context, userID, username, address, walletType string) error {
	if !ledger.ValidateAddress(address) {
		return ErrInvalidAddress
	}
	_, err := s.Tickets.LinkWallet(ctx, userID, username, address, walletType, s.now())
	switch {
	case errors.Is(err, repo.ErrWalletTaken):
		recordEvent("wallet_conflict")
		return ErrWalletAlreadyLinked
	case err != nil:
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// attachWallet records address on an unpaid session and moves it to
// AwaitingPayment. strict=false tolerates sessions past that step.
func (s *PurchaseService) attachWallet(ctx context.Context, token, address string, strict bool) (*PurchaseSession, error) {
	now := s.now()
	ps, err := s.purchases().Update(ctx, purchaseKey(token), func(ps *PurchaseSession) error {
		if !now.Before(ps.ExpiresAt) {
			return session.ErrNotFound
		}
		switch ps.Status {
		case StateAwaitingWallet, StateAwaitingPayment:
			ps.Wallet = address
			ps.Status = StateAwaitingPayment
			return nil
		default:
			if strict && ps.Wallet != address {
				return ErrInvalidState
			}
			return errUnchanged
		}
	})
	if errors.Is(err, errUnchanged) {
		return s.loadByToken(ctx, token)
	}
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	if err := s.Tickets.SetPaymentWallet(ctx, ps.PaymentID, address); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("payment_id", ps.PaymentID).Msg("record payment wallet")
	}
	return &ps, nil
}

// errUnchanged aborts a session update that has nothing to write.
var errUnchanged = errors.New("unchanged")

// IssueConnectLink creates a standalone wallet-link token for userID.
func (s *PurchaseService) IssueConnectLink(ctx context.Context, userID string) (*Outcome, error) {
	ctx, span := tracer().Start(ctx, "IssueConnectLink")
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	token, err := s.Numbers.ConnectToken(userID)
	if err != nil {
		return nil, err
	}
	if err := s.Sessions.Put(ctx, connectKey(token), []byte(userID), s.ConnectTTL); err != nil {
		return nil, err
	}
	return &Outcome{
		State:   StateIdle,
		Message: fmt.Sprintf("Open the link within %d minutes to connect your wallet.", int(s.ConnectTTL/time.Minute)),
		Action:  &Action{Kind: ActionRedirect, Target: s.link("/link-wallet", token)},
	}, nil
}

// RedeemConnectToken links address to the user a connect token was issued
// for. Tokens are single-use.
func (s *PurchaseService) RedeemConnectToken(ctx context.Context, token, address, walletType string) (*Outcome, error) {
	ctx, span := tracer().Start(ctx, "RedeemConnectToken")
	defer span.End()

	raw, err := s.Sessions.Get(ctx, connectKey(token))
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	out, err := s.LinkWallet(ctx, string(raw), "", address, walletType)
	if err != nil {
		return nil, err
	}
	_ = s.Sessions.Delete(ctx, connectKey(token))
	return out, nil
}

// WalletFor returns the user's linked wallet or ErrNoWalletLinked.
func (s *PurchaseService) WalletFor(ctx context.Context, userID string) (*domain.User, error) {
	u, err := s.Tickets.GetUser(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && u.Wallet() == "") {
		return nil, ErrNoWalletLinked
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ValidateWallet checks address format and reads its balance.
func (s *PurchaseService) ValidateWallet(ctx context.Context, address string) (*WalletInfo, error) {
	ctx, span := tracer().Start(ctx, "ValidateWallet")
	defer span.End()

	if !ledger.ValidateAddress(address) {
		return nil, ErrInvalidAddress
	}
	bal, err := s.Ledger.GetBalance(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return &WalletInfo{Address: address, Valid: true, Balance: bal, Symbol: s.Pricing.NativeSymbol}, nil
}

// ---------------------------------------------------------------------------
// Session lookups
// ---------------------------------------------------------------------------

// ValidateSession returns the session view for token.
func (s *PurchaseService) ValidateSession(ctx context.Context, token string) (*Outcome, error) {
	ps, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.outcomeFor(ps, s.stepMessage(ps)), nil
}

// loadByToken returns the live session for token or ErrSessionExpired.
func (s *PurchaseService) loadByToken(ctx context.Context, token string) (*PurchaseSession, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrSessionExpired
	}
	ps, err := s.purchases().Get(ctx, purchaseKey(token))
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	if !s.now().Before(ps.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return &ps, nil
}

func (s *PurchaseService) userToken(ctx context.Context, userID string) (string, error) {
	raw, err := s.Sessions.Get(ctx, userKey(userID))
	if errors.Is(err, session.ErrNotFound) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// activeSession returns the user's live session or ErrSessionNotFound.
func (s *PurchaseService) activeSession(ctx context.Context, userID string) (*PurchaseSession, error) {
	token, err := s.userToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	ps, err := s.loadByToken(ctx, token)
	if errors.Is(err, ErrSessionExpired) {
		return nil, ErrSessionNotFound
	}
	return ps, err
}

// ActiveSession returns the view of the user's in-flight purchase.
func (s *PurchaseService) ActiveSession(ctx context.Context, userID string) (*Outcome, error) {
	ps, err := s.activeSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.outcomeFor(ps, s.stepMessage(ps)), nil
}

// resolve maps ref, a session token or a user id, to a session token. gone
// is the error to report when that session no longer exists.
func (s *PurchaseService) resolve(ctx context.Context, ref string) (token string, gone, err error) {
	if strings.HasPrefix(ref, numbers.SessionPrefix+"_") {
		return ref, ErrSessionExpired, nil
	}
	token, err = s.userToken(ctx, ref)
	return token, ErrSessionNotFound, err
}

func (s *PurchaseService) outcomeFor(ps *PurchaseSession, msg string) *Outcome {
	return &Outcome{State: ps.Status, Message: msg, Session: ps.view(s.now())}
}

func (s *PurchaseService) stepMessage(ps *PurchaseSession) string {
	switch ps.Status {
	case StateAwaitingWallet:
		return "Connect your wallet to continue."
	case StateAwaitingPayment:
		return fmt.Sprintf("Send %s %s from %s to complete your purchase.", ps.RequiredNative.String(), ps.NativeSymbol, ShortAddress(ps.Wallet))
	case StatePaymentConfirmed:
		return "Payment confirmed. Choose your numbers."
	case StateAwaitingNumbers:
		return s.draftMessage(ps)
	default:
		return string(ps.Status)
	}
}

// ---------------------------------------------------------------------------
// Payment
// ---------------------------------------------------------------------------

// PrepareTransfer builds the unsigned transfer of RequiredNative from the
// session's wallet to the treasury. The balance is checked first and a
// shortfall is reported as InsufficientBalanceError.
func (s *PurchaseService) PrepareTransfer(ctx context.Context, token, from string) (*Outcome, error) {
	ctx, span := tracer().Start(ctx, "PrepareTransfer")
	defer span.End()

	ps, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if ps.Status.Paid() {
		return nil, ErrInvalidState
	}
	if ps.Wallet == "" {
		return nil, ErrNoWalletLinked
	}
	if from != "" && from != ps.Wallet {
		return nil, ErrWalletMismatch
	}
	if s.Treasury == "" || s.Ledger == nil {
		return nil, fmt.Errorf("%w: on-chain transfers are not configured", ErrInvalidState)
	}

	bal, err := s.Ledger.GetBalance(ctx, ps.Wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if bal.LessThan(ps.RequiredNative) {
		return nil, &InsufficientBalanceError{Required: ps.RequiredNative, Available: bal, Symbol: ps.NativeSymbol}
	}

	tx, err := s.Ledger.BuildTransfer(ctx, ps.Wallet, s.Treasury, ps.RequiredNative)
	if errors.Is(err, ledger.ErrInvalidAddress) {
		return nil, ErrInvalidAddress
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	out := s.outcomeFor(ps, fmt.Sprintf("Approve the transfer of %s %s in your wallet.", ps.RequiredNative.String(), ps.NativeSymbol))
	out.Transfer = &tx
	out.Action = &Action{Kind: ActionSignTx, Target: tx.Transaction}
	return out, nil
}

// ConfirmPayment verifies payment for the session and marks it completed
// exactly once. Confirming an already-confirmed session returns the same
// success outcome without touching the ledger.
func (s *PurchaseService) ConfirmPayment(ctx context.Context, token, wallet, signature string) (*Outcome, error) {
	ctx, span := tracer().Start(ctx, "ConfirmPayment")
	defer span.End()

	ps, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if ps.Status.Paid() {
		return s.paidOutcome(ps), nil
	}

	if ps.Wallet == "" {
		u, err := s.Tickets.GetUser(ctx, ps.UserID)
		if err != nil || u.Wallet() == "" {
			return nil, ErrNoWalletLinked
		}
		ps.Wallet = u.Wallet()
	}
	if wallet != "" && wallet != ps.Wallet {
		return nil, ErrWalletMismatch
	}

	pay, err := s.Tickets.FindPayment(ctx, ps.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	switch pay.Status {
	case domain.PaymentFailed:
		return nil, ErrPaymentFailed
	case domain.PaymentCompleted:
		// Completed out of band (provider webhook).
		return s.markPaid(ctx, token, pay, ps.Wallet)
	}

	if signature != "" {
		used, err := s.Tickets.FindPaymentByTxRef(ctx, signature)
		switch {
		case err == nil && used.ID != ps.PaymentID:
			recordEvent("signature_reused")
			return nil, ErrSignatureReused
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	release, err := s.claimConfirm(ctx, token)
	if errors.Is(err, errUnchanged) {
		cur, lerr := s.loadByToken(ctx, token)
		if lerr != nil {
			return nil, lerr
		}
		return s.paidOutcome(cur), nil
	}
	if err != nil {
		return nil, err
	}
	defer release()

	txRef, err := s.Confirmer.Confirm(ctx, payments.Claim{
		PaymentID: ps.PaymentID,
		Wallet:    ps.Wallet,
		Treasury:  s.Treasury,
		Required:  ps.RequiredNative,
		Signature: signature,
		NotBefore: ps.CreatedAt,
	})
	if err != nil {
		var ib *InsufficientBalanceError
		switch {
		case errors.As(err, &ib):
			recordEvent("insufficient_balance")
			if ib.Symbol == "" {
				ib.Symbol = ps.NativeSymbol
			}
			return nil, ib
		case errors.Is(err, ledger.ErrInvalidAddress):
			return nil, ErrInvalidAddress
		case errors.Is(err, ledger.ErrInvalidSignature):
			return nil, ErrInvalidSignature
		case errors.Is(err, ErrTransferMismatch):
			recordEvent("transfer_mismatch")
			return nil, err
		default:
			return nil, err
		}
	}

	if err := s.Tickets.SetPaymentWallet(ctx, ps.PaymentID, ps.Wallet); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("payment_id", ps.PaymentID).Msg("record payment wallet")
	}
	done, err := s.Tickets.UpdatePaymentStatus(ctx, ps.PaymentID, domain.PaymentCompleted, txRef, s.now())
	switch {
	case errors.Is(err, repo.ErrTxRefUsed):
		recordEvent("signature_reused")
		return nil, ErrSignatureReused
	case errors.Is(err, repo.ErrPaymentFinal):
		return nil, ErrPaymentFailed
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return s.markPaid(ctx, token, done, ps.Wallet)
}

// claimConfirm marks a payment check as running on an unpaid session so it
// cannot be superseded meanwhile. A session that is already paid yields
// errUnchanged. The returned func releases the claim.
func (s *PurchaseService) claimConfirm(ctx context.Context, token string) (func(), error) {
	now := s.now()
	_, err := s.purchases().Update(ctx, purchaseKey(token), func(ps *PurchaseSession) error {
		if !now.Before(ps.ExpiresAt) {
			return session.ErrNotFound
		}
		switch {
		case ps.Status.Paid():
			return errUnchanged
		case ps.Status != StateAwaitingWallet && ps.Status != StateAwaitingPayment:
			return session.ErrNotFound
		}
		if !ps.confirming(now) {
			ps.Confirming = 0
		}
		ps.Confirming++
		ps.ConfirmLease = now.Add(confirmLease)
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	return func() {
		_, err := s.purchases().Update(context.WithoutCancel(ctx), purchaseKey(token), func(ps *PurchaseSession) error {
			if ps.Confirming == 0 {
				return errUnchanged
			}
			ps.Confirming--
			return nil
		})
		if err != nil && !errors.Is(err, errUnchanged) && !errors.Is(err, session.ErrNotFound) {
			log.Ctx(ctx).Warn().Err(err).Msg("release payment check")
		}
	}, nil
}

// markPaid moves the session of a completed payment to PaymentConfirmed.
// A session that is gone, expired or was retired meanwhile is rebuilt from
// the payment, so a paid purchase is never lost.
func (s *PurchaseService) markPaid(ctx context.Context, token string, pay *domain.Payment, wallet string) (*Outcome, error) {
	if wallet == "" {
		wallet = pay.WalletAddress
	}
	txRef := deref(pay.TxRef)
	now := s.now()
	ps, err := s.purchases().Update(ctx, purchaseKey(token), func(ps *PurchaseSession) error {
		if ps.Status.Paid() {
			return errUnchanged
		}
		if !now.Before(ps.ExpiresAt) {
			return session.ErrNotFound
		}
		ps.Status = StatePaymentConfirmed
		ps.Wallet = wallet
		ps.TxRef = txRef
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged):
		cur, lerr := s.loadByToken(ctx, token)
		if lerr != nil {
			return nil, lerr
		}
		return s.paidOutcome(cur), nil
	case errors.Is(err, session.ErrNotFound):
		restored, rerr := s.restorePaid(ctx, token, pay, wallet)
		if rerr != nil {
			return nil, rerr
		}
		ps = *restored
	case err != nil:
		return nil, err
	}

	recordEvent("payment_confirmed")
	log.Ctx(ctx).Info().Str("payment_id", ps.PaymentID).Str("tx_ref", txRef).Msg("payment confirmed")
	return s.paidOutcome(&ps), nil
}

// restorePaid rebuilds a PaymentConfirmed session from a completed payment
// and points the payment index, and the user index unless another paid
// session holds it, at the rebuilt session.
func (s *PurchaseService) restorePaid(ctx context.Context, token string, pay *domain.Payment, wallet string) (*PurchaseSession, error) {
	now := s.now()
	ps := PurchaseSession{
		Token:          token,
		UserID:         pay.UserID,
		TicketCount:    pay.TicketCount,
		Amount:         pay.Amount,
		Currency:       pay.Currency,
		Rate:           s.Pricing.NativeRate,
		RequiredNative: pay.NativeAmount,
		NativeSymbol:   pay.NativeSymbol,
		PaymentID:      pay.ID,
		Wallet:         wallet,
		TxRef:          deref(pay.TxRef),
		Status:         StatePaymentConfirmed,
		Tickets:        []domain.TicketDraft{},
		CreatedAt:      pay.CreatedAt.UTC(),
		ExpiresAt:      now.Add(s.SessionTTL),
	}
	if err := s.purchases().Put(ctx, purchaseKey(token), ps, s.SessionTTL); err != nil {
		return nil, err
	}
	if err := s.Sessions.Put(ctx, paymentKey(pay.ID), []byte(token), s.SessionTTL); err != nil {
		return nil, err
	}
	if cur, err := s.activeSession(ctx, pay.UserID); err != nil || (cur.Token != token && !cur.Status.Paid()) {
		if err := s.Sessions.Put(ctx, userKey(pay.UserID), []byte(token), s.SessionTTL); err != nil {
			return nil, err
		}
	}
	recordEvent("session_restored")
	log.Ctx(ctx).Warn().Str("payment_id", pay.ID).Msg("paid session restored from payment record")
	return &ps, nil
}

func (s *PurchaseService) paidOutcome(ps *PurchaseSession) *Outcome {
	msg := fmt.Sprintf("Payment confirmed! Choose numbers for ticket 1 of %d.", ps.TicketCount)
	if ps.Status == StateAwaitingNumbers {
		msg = s.draftMessage(ps)
	}
	out := s.outcomeFor(ps, msg)
	out.Action = &Action{Kind: ActionRedirect, Target: s.link("/select-numbers", ps.Token)}
	return out
}

// ApplyPaymentUpdate applies a provider status callback. Completion also
// advances the live session of that payment, if any.
func (s *PurchaseService) ApplyPaymentUpdate(ctx context.Context, ev payments.WebhookEvent) (*domain.Payment, error) {
	ctx, span := tracer().Start(ctx, "ApplyPaymentUpdate",
		trace.WithAttributes(attribute.String("payment.id", ev.PaymentID), attribute.String("payment.status", ev.Status)),
	)
	defer span.End()

	var to domain.PaymentStatus
	switch strings.ToLower(ev.Status) {
	case "completed", "paid", "success":
		to = domain.PaymentCompleted
	case "failed", "cancelled", "canceled":
		to = domain.PaymentFailed
	default:
		return nil, fmt.Errorf("%w: unknown payment status %q", ErrInvalidState, ev.Status)
	}

	pay, err := s.Tickets.UpdatePaymentStatus(ctx, ev.PaymentID, to, ev.TransactionID, s.now())
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrPaymentNotFound
	case errors.Is(err, repo.ErrPaymentFinal):
		return nil, ErrInvalidState
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	raw, err := s.Sessions.Get(ctx, paymentKey(ev.PaymentID))
	if err != nil {
		return pay, nil
	}
	token := string(raw)
	if to == domain.PaymentCompleted {
		wallet := pay.WalletAddress
		if ps, err := s.loadByToken(ctx, token); err == nil && ps.Wallet != "" {
			wallet = ps.Wallet
		}
		if _, err := s.markPaid(ctx, token, pay, wallet); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("payment_id", pay.ID).Msg("advance session after webhook")
		}
		recordEvent("webhook_completed")
		return pay, nil
	}

	if ps, err := s.loadByToken(ctx, token); err == nil {
		s.clearSession(ctx, ps)
	}
	recordEvent("webhook_failed")
	return pay, nil
}

// ---------------------------------------------------------------------------
// Number selection
// ---------------------------------------------------------------------------

// EnterNumberSelection moves a paid session to AwaitingNumbers.
func (s *PurchaseService) EnterNumberSelection(ctx context.Context, ref string) (*Outcome, error) {
	ctx, span := tracer().Start(ctx, "EnterNumberSelection")
	defer span.End()

	ps, err := s.mutateDraft(ctx, ref, func(*PurchaseSession) error { return nil })
	if err != nil {
		return nil, err
	}
	out := s.outcomeFor(ps, s.draftMessage(ps))
	out.Changed = true
	return out, nil
}

// SelectNumber toggles main number n on the current draft. A sixth number
// leaves the draft unchanged and is reported with Changed=false.
func (s *PurchaseService) SelectNumber(ctx context.Context, ref string, n int) (*Outcome, error) {
	ctx, span := tracer().Start(ctx, "SelectNumber", trace.WithAttributes(attribute.Int("number", n)))
	defer span.End()

	changed := false
	ps, err := s.mutateDraft(ctx, ref, func(ps *PurchaseSession) error {
		c, err := ps.Draft.Toggle(n)
		changed = c
		return err
	})
	if err != nil {
		return nil, err
	}
	msg := s.draftMessage(ps)
	if !changed {
		msg = fmt.Sprintf("You already picked %d numbers. Tap one to remove it first.", domain.MainCount)
	}
	out := s.outcomeFor(ps, msg)
	out.Changed = changed
	return out, nil
}

// SetSpecialNumber sets the current draft's special number.
func (s *PurchaseService) SetSpecialNumber(ctx context.Context, ref string, n int) (*Outcome, error) {
	ctx, span := tracer().Start(ctx, "SetSpecialNumber", trace.WithAttributes(attribute.Int("number", n)))
	defer span.End()

	ps, err := s.mutateDraft(ctx, ref, func(ps *PurchaseSession) error {
		return ps.Draft.SetSpecial(n)
	})
	if err != nil {
		return nil, err
	}
	out := s.outcomeFor(ps, s.draftMessage(ps))
	out.Changed = true
	return out, nil
}

// QuickPick replaces the current draft with random numbers.
func (s *PurchaseService) QuickPick(ctx context.Context, ref string) (*Outcome, error) {
	ctx, span := tracer().Start(ctx, "QuickPick")
	defer span.End()

	draft, err := s.Numbers.QuickPickDraft()
	if err != nil {
		return nil, err
	}
	ps, err := s.mutateDraft(ctx, ref, func(ps *PurchaseSession) error {
		ps.Draft = draft
		return nil
	})
	if err != nil {
		return nil, err
	}
	recordEvent("quick_pick")
	out := s.outcomeFor(ps, s.draftMessage(ps))
	out.Changed = true
	return out, nil
}

// mutateDraft runs fn on a session that is selecting numbers. A session
// that has just been paid is moved into selection first.
func (s *PurchaseService) mutateDraft(ctx context.Context, ref string, fn func(*PurchaseSession) error) (*PurchaseSession, error) {
	token, gone, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	now := s.now()
	ps, err := s.purchases().Update(ctx, purchaseKey(token), func(ps *PurchaseSession) error {
		if !now.Before(ps.ExpiresAt) {
			return session.ErrNotFound
		}
		if ps.Status == StatePaymentConfirmed {
			ps.Status = StateAwaitingNumbers
		}
		if ps.Status != StateAwaitingNumbers {
			return ErrInvalidState
		}
		if len(ps.Tickets) >= ps.TicketCount {
			return ErrInvalidState
		}
		return fn(ps)
	})
	if errors.Is(err, session.ErrNotFound) {
		return nil, gone
	}
	if err != nil {
		return nil, err
	}
	return &ps, nil
}

func (s *PurchaseService) draftMessage(ps *PurchaseSession) string {
	if len(ps.Tickets) >= ps.TicketCount {
		return "All tickets chosen. Submit to save them."
	}
	d := ps.Draft
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket %d of %d: ", len(ps.Tickets)+1, ps.TicketCount)
	if len(d.Main) == 0 {
		b.WriteString("no numbers yet")
	} else {
		b.WriteString(formatNumbers(d.Main))
	}
	if d.Special != 0 {
		fmt.Fprintf(&b, " + %d", d.Special)
	}
	switch {
	case d.IsComplete():
		b.WriteString(". Ready to submit.")
	case d.Remaining() > 0:
		fmt.Fprintf(&b, ". Pick %d more.", d.Remaining())
	default:
		b.WriteString(". Pick a special number.")
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Ticket submission
// ---------------------------------------------------------------------------

// SubmitTicketDraft commits one ticket. With input == nil the current draft
// is committed; otherwise input is validated as a whole and committed.
//
// Committing the last ticket persists all of them in one transaction and
// clears the session. A persistence failure returns ErrPersistence and keeps
// every committed draft, so calling SubmitTicketDraft again resumes at the
// persistence step.
func (s *PurchaseService) SubmitTicketDraft(ctx context.Context, ref string, input *TicketDraftInput) (*Outcome, error) {
	ctx, span := tracer().Start(ctx, "SubmitTicketDraft")
	defer span.End()

	var submitted *domain.TicketDraft
	if input != nil {
		var (
			d   domain.TicketDraft
			err error
		)
		if input.QuickPick && len(input.Numbers) == 0 {
			d, err = s.Numbers.QuickPickDraft()
		} else {
			mode := domain.SelectionManual
			if input.QuickPick {
				mode = domain.SelectionQuickPick
			}
			d, err = domain.NewDraft(input.Numbers, input.Special, mode)
		}
		if err != nil {
			return nil, err
		}
		submitted = &d
	}

	token, gone, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	now := s.now()
	ps, err := s.purchases().Update(ctx, purchaseKey(token), func(ps *PurchaseSession) error {
		if !now.Before(ps.ExpiresAt) {
			return session.ErrNotFound
		}
		if ps.Status == StatePaymentConfirmed {
			ps.Status = StateAwaitingNumbers
		}
		if ps.Status != StateAwaitingNumbers {
			return ErrInvalidState
		}
		if len(ps.Tickets) >= ps.TicketCount {
			// Everything is committed; only persistence is left.
			return nil
		}
		d := ps.Draft
		if submitted != nil {
			d = *submitted
		}
		if !d.IsComplete() {
			return ErrIncompleteSelection
		}
		ps.Tickets = append(ps.Tickets, d)
		ps.Draft = domain.TicketDraft{}
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		return nil, gone
	}
	if err != nil {
		return nil, err
	}

	if len(ps.Tickets) < ps.TicketCount {
		recordEvent("ticket_committed")
		out := s.outcomeFor(&ps, fmt.Sprintf("Ticket %d of %d saved. %s", len(ps.Tickets), ps.TicketCount, s.draftMessage(&ps)))
		out.Changed = true
		return out, nil
	}
	return s.persist(ctx, &ps)
}

func (s *PurchaseService) persist(ctx context.Context, ps *PurchaseSession) (*Outcome, error) {
	inputs := make([]repo.TicketInput, len(ps.Tickets))
	for i, d := range ps.Tickets {
		inputs[i] = repo.TicketInput{Numbers: d.Main, Special: d.Special, Mode: d.Mode}
	}
	drawDate := ps.CreatedAt.Add(s.DrawInterval)

	ids, err := s.Tickets.CreateTickets(ctx, repo.NewTickets{
		UserID:        ps.UserID,
		WalletAddress: ps.Wallet,
		PaymentID:     ps.PaymentID,
		DrawDate:      drawDate,
		Tickets:       inputs,
		NewID:         s.Numbers.TicketID,
	})
	if err != nil {
		recordEvent("persistence_failed")
		log.Ctx(ctx).Error().Err(err).Str("payment_id", ps.PaymentID).Msg("persist tickets")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.clearSession(ctx, ps)
	recordEvent("tickets_issued")
	log.Ctx(ctx).Info().Str("payment_id", ps.PaymentID).Strs("ticket_ids", ids).Msg("tickets issued")

	p := s.printer(ctx)
	return &Outcome{
		State: StateCompleted,
		Message: p.Sprintf("Your %d ticket(s) are confirmed: %s. Draw date: %s.",
			len(ids), strings.Join(ids, ", "), drawDate.Format("Jan 2, 2006")),
		TicketIDs: ids,
		Changed:   true,
	}, nil
}

// clearSession removes a finished session and the indexes pointing at it.
func (s *PurchaseService) clearSession(ctx context.Context, ps *PurchaseSession) {
	_ = s.Sessions.Delete(ctx, purchaseKey(ps.Token))
	_ = s.Sessions.Delete(ctx, paymentKey(ps.PaymentID))
	if raw, err := s.Sessions.Get(ctx, userKey(ps.UserID)); err == nil && string(raw) == ps.Token {
		_ = s.Sessions.Delete(ctx, userKey(ps.UserID))
	}
}

// ---------------------------------------------------------------------------
// Tickets
// ---------------------------------------------------------------------------

// MyTickets lists a user's tickets newest first.
func (s *PurchaseService) MyTickets(ctx context.Context, userID string, page, pageSize int) ([]domain.Ticket, int64, error) {
	return s.ListTickets(ctx, repo.TicketFilter{UserID: userID}, page, pageSize)
}

// MyPayments lists a user's payment records newest first.
func (s *PurchaseService) MyPayments(ctx context.Context, userID string, page, pageSize int) ([]domain.Payment, error) {
	ctx, span := tracer().Start(ctx, "MyPayments",
		trace.WithAttributes(attribute.Int("page", page), attribute.Int("page_size", pageSize)),
	)
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return s.Tickets.ListPayments(ctx, userID, (page-1)*pageSize, pageSize)
}

// ListTickets lists tickets by user or wallet.
func (s *PurchaseService) ListTickets(ctx context.Context, f repo.TicketFilter, page, pageSize int) ([]domain.Ticket, int64, error) {
	ctx, span := tracer().Start(ctx, "ListTickets",
		trace.WithAttributes(attribute.Int("page", page), attribute.Int("page_size", pageSize)),
	)
	defer span.End()

	if f.UserID == "" && f.WalletAddress == "" {
		return nil, 0, ErrMissingUser
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return s.Tickets.ListTickets(ctx, f, (page-1)*pageSize, pageSize)
}

// TicketsStats returns the count and newest creation time of matching tickets.
func (s *PurchaseService) TicketsStats(ctx context.Context, f repo.TicketFilter) (int64, *time.Time, error) {
	return s.Tickets.TicketsStats(ctx, f)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// ShortAddress abbreviates a wallet address for messages.
func ShortAddress(a string) string {
	if len(a) <= 10 {
		return a
	}
	return a[:4] + "…" + a[len(a)-4:]
}

func formatNumbers(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = fmt.Sprintf("%02d", n)
	}
	return strings.Join(parts, " ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
