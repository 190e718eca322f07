package repo

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

var (
	// ErrDuplicate indicates that an idempotency record already exists for the
	// given (user_id, scope, key) tuple.
	ErrDuplicate = errors.New("duplicate")

	// ErrWalletTaken is returned when a wallet address is already linked to a
	// different user.
	ErrWalletTaken = errors.New("wallet linked to another user")

	// ErrPaymentFinal is returned when a terminal payment is asked to move to a
	// different terminal status.
	ErrPaymentFinal = errors.New("payment already finalized")

	// ErrTxRefUsed is returned when a transaction reference is already stored
	// on another payment.
	ErrTxRefUsed = errors.New("transaction reference already used")

	// ErrPaymentNotCompleted is returned when tickets are requested against a
	// payment that has not completed.
	ErrPaymentNotCompleted = errors.New("payment not completed")
)

// isUniqueViolation matches driver-specific unique-constraint errors.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key") ||
		strings.Contains(low, "duplicate entry")
}
