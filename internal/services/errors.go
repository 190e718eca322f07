// Package services defines the business logic of the ticket purchase flow.
// This file centralizes service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler and bot layers.
package services

import (
	"errors"

	"github.com/tbourn/go-lottery-backend/internal/domain"
	"github.com/tbourn/go-lottery-backend/internal/payments"
)

// Validation errors. Nothing is mutated when these are returned.
var (
	// ErrInvalidTicketCount is returned for a buy request outside 1..10 tickets.
	ErrInvalidTicketCount = errors.New("ticket count must be between 1 and 10")

	// ErrInvalidAddress is returned for a malformed wallet address.
	ErrInvalidAddress = errors.New("invalid wallet address")

	// ErrMissingUser is returned when a request carries no user identity.
	ErrMissingUser = errors.New("user id is required")

	ErrNumberOutOfRange    = domain.ErrNumberOutOfRange
	ErrDuplicateNumber     = domain.ErrDuplicateNumber
	ErrIncompleteSelection = domain.ErrIncompleteSelection
)

// State errors. The user recovers by restarting the relevant step.
var (
	// ErrSessionExpired is returned when a session token is unknown or past
	// its expiry. The two cases are deliberately indistinguishable.
	ErrSessionExpired = errors.New("purchase session expired")

	// ErrSessionNotFound is returned when a user has no in-flight purchase.
	ErrSessionNotFound = errors.New("no active purchase session")

	// ErrNoWalletLinked is returned when payment is attempted without a wallet.
	ErrNoWalletLinked = errors.New("no wallet linked")

	// ErrWalletAlreadyLinked is returned when the address belongs to another user.
	ErrWalletAlreadyLinked = errors.New("wallet already linked to another account")

	// ErrWalletMismatch is returned when a payment names a wallet other than
	// the one connected to the session.
	ErrWalletMismatch = errors.New("wallet does not match the connected wallet")

	// ErrInvalidState is returned when an operation does not apply to the
	// session's current step.
	ErrInvalidState = errors.New("operation not allowed in the current purchase step")

	// ErrPurchaseInProgress is returned when a new buy request would discard
	// a session that has already been paid for.
	ErrPurchaseInProgress = errors.New("finish choosing numbers for your paid tickets first")

	// ErrPaymentFailed is returned when the payment was marked failed.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrSignatureReused is returned when a transaction signature already
	// paid for another purchase.
	ErrSignatureReused = errors.New("transaction already used for another purchase")

	// ErrInvalidSignature is returned for a malformed transaction signature.
	ErrInvalidSignature = errors.New("invalid transaction signature")

	// ErrPaymentNotFound is returned for an unknown payment id.
	ErrPaymentNotFound = errors.New("payment not found")
)

// Infrastructure errors.
var (
	// ErrPersistence is returned when the ticket store rejected a write.
	// It is retryable: the session is preserved so a retry resumes at the
	// failed step.
	ErrPersistence = errors.New("could not save to the ticket store")

	// ErrLedgerUnavailable is returned when the ledger node could not be reached.
	ErrLedgerUnavailable = payments.ErrLedgerUnavailable

	// ErrTransferNotObserved is returned when a reported transfer is not
	// confirmed on the ledger yet.
	ErrTransferNotObserved = payments.ErrTransferNotObserved

	// ErrTransferMismatch is returned when a confirmed transfer does not pay
	// the purchase it was reported for.
	ErrTransferMismatch = payments.ErrTransferMismatch
)

// InsufficientBalanceError carries the required and available amounts of a
// rejected payment.
type InsufficientBalanceError = payments.InsufficientBalanceError
