// Package handlers defines the HTTP error codes of the purchase API and the
// mapping from service errors to them.
//
// Codes are lowercase snake_case and stable; clients branch on them. Every
// error response carries an HTTP status, one of these codes and a message
// that is safe to show to the buyer:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "insufficient_balance",
//	  "message": "Insufficient SOL balance. Required: 0.050000 SOL, Available: 0.010000 SOL"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-lottery-backend/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Purchase flow:
	ErrCodeInvalidTicketCount  = "invalid_ticket_count"
	ErrCodeInvalidAddress      = "invalid_address"
	ErrCodeInvalidNumber       = "invalid_number"
	ErrCodeIncompleteSelection = "incomplete_selection"
	ErrCodeSessionExpired      = "session_expired"
	ErrCodeSessionNotFound     = "session_not_found"
	ErrCodeNoWalletLinked      = "no_wallet_linked"
	ErrCodeWalletAlreadyLinked = "wallet_already_linked"
	ErrCodeWalletMismatch      = "wallet_mismatch"
	ErrCodeInvalidState        = "invalid_state"
	ErrCodePurchaseInProgress  = "purchase_in_progress"
	ErrCodeInsufficientBalance = "insufficient_balance"
	ErrCodePaymentFailed       = "payment_failed"
	ErrCodePaymentNotFound     = "payment_not_found"
	ErrCodeTransferNotObserved = "transfer_not_observed"
	ErrCodeTransferMismatch    = "transfer_mismatch"
	ErrCodeSignatureReused     = "signature_reused"
	ErrCodeInvalidSignature    = "invalid_signature"
	ErrCodeLedgerUnavailable   = "ledger_unavailable"
	ErrCodePersistenceFailed   = "persistence_failed"
	ErrCodeBadWebhookSignature = "bad_signature"
)

// serviceErrors maps service sentinels to responses. Order matters only
// where one sentinel wraps another.
var serviceErrors = []struct {
	err    error
	status int
	code   string
}{
	{services.ErrInvalidTicketCount, http.StatusBadRequest, ErrCodeInvalidTicketCount},
	{services.ErrInvalidAddress, http.StatusBadRequest, ErrCodeInvalidAddress},
	{services.ErrMissingUser, http.StatusBadRequest, ErrCodeBadRequest},
	{services.ErrNumberOutOfRange, http.StatusBadRequest, ErrCodeInvalidNumber},
	{services.ErrDuplicateNumber, http.StatusBadRequest, ErrCodeInvalidNumber},
	{services.ErrIncompleteSelection, http.StatusBadRequest, ErrCodeIncompleteSelection},
	{services.ErrInvalidSignature, http.StatusBadRequest, ErrCodeInvalidSignature},

	{services.ErrSessionExpired, http.StatusGone, ErrCodeSessionExpired},
	{services.ErrSessionNotFound, http.StatusNotFound, ErrCodeSessionNotFound},
	{services.ErrPaymentNotFound, http.StatusNotFound, ErrCodePaymentNotFound},
	{services.ErrNoWalletLinked, http.StatusConflict, ErrCodeNoWalletLinked},
	{services.ErrWalletAlreadyLinked, http.StatusConflict, ErrCodeWalletAlreadyLinked},
	{services.ErrWalletMismatch, http.StatusConflict, ErrCodeWalletMismatch},
	{services.ErrPurchaseInProgress, http.StatusConflict, ErrCodePurchaseInProgress},
	{services.ErrInvalidState, http.StatusConflict, ErrCodeInvalidState},
	{services.ErrPaymentFailed, http.StatusConflict, ErrCodePaymentFailed},
	{services.ErrTransferNotObserved, http.StatusConflict, ErrCodeTransferNotObserved},
	{services.ErrTransferMismatch, http.StatusConflict, ErrCodeTransferMismatch},
	{services.ErrSignatureReused, http.StatusConflict, ErrCodeSignatureReused},

	{services.ErrLedgerUnavailable, http.StatusServiceUnavailable, ErrCodeLedgerUnavailable},
	{services.ErrPersistence, http.StatusInternalServerError, ErrCodePersistenceFailed},
}

// writeServiceError translates err into the error envelope. The sentinel's
// own message is sent, never the wrapped detail; the full error goes to the
// request log through c.Error.
func writeServiceError(c *gin.Context, err error) {
	_ = c.Error(err)

	var ib *services.InsufficientBalanceError
	if errors.As(err, &ib) {
		fail(c, http.StatusPaymentRequired, ErrCodeInsufficientBalance, ib.Error())
		return
	}
	for _, m := range serviceErrors {
		if errors.Is(err, m.err) {
			fail(c, m.status, m.code, m.err.Error())
			return
		}
	}
	fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
}
