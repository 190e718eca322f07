// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model
// and its single linked wallet.
//
// Error semantics:
//   - Missing users return ErrNotFound.
//   - Linking a wallet owned by someone else returns ErrWalletTaken, whether
//     the conflict is observed by the pre-check or by the unique index.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-lottery-backend/internal/domain"
)

// GetUser fetches a user by chat-platform identity.
func GetUser(ctx context.Context, db *gorm.DB, userID string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("user_id = ?", userID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// FindUserByWallet fetches the user currently holding address.
func FindUserByWallet(ctx context.Context, db *gorm.DB, address string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("wallet_address = ?", address).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// EnsureUser returns the user for userID, creating it on first sight.
// A non-empty username refreshes the stored one.
func EnsureUser(ctx context.Context, db *gorm.DB, userID, username string) (*domain.User, error) {
	var out *domain.User
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := ensureUser(tx, userID, username)
		out = u
		return err
	})
	return out, err
}

func ensureUser(tx *gorm.DB, userID, username string) (*domain.User, error) {
	var u domain.User
	err := tx.Where("user_id = ?", userID).First(&u).Error
	switch {
	case err == nil:
		if username = strings.TrimSpace(username); username != "" && username != u.Username {
			if err := tx.Model(&u).Update("username", username).Error; err != nil {
				return nil, err
			}
		}
		return &u, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		u = domain.User{
			ID:       uuid.NewString(),
			UserID:   userID,
			Username: strings.TrimSpace(username),
			IsActive: true,
		}
		if err := tx.Create(&u).Error; err != nil {
			return nil, err
		}
		return &u, nil
	default:
		return nil, err
	}
}

// LinkWallet makes address the user's single active wallet.
//
// Re-linking the same address is a no-op apart from refreshing walletType.
// Linking a new address replaces the previous one. An address held by any
// other user yields ErrWalletTaken and leaves both users untouched.
func LinkWallet(ctx context.Context, db *gorm.DB, userID, username, address, walletType string, now time.Time) (*domain.User, error) {
	var out *domain.User
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owner, err := FindUserByWallet(ctx, tx, address)
		if err == nil && owner.UserID != userID {
			return ErrWalletTaken
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		u, err := ensureUser(tx, userID, username)
		if err != nil {
			return err
		}
		if u.Wallet() == address {
			if walletType != "" && walletType != u.WalletType {
				if err := tx.Model(u).Update("wallet_type", walletType).Error; err != nil {
					return err
				}
			}
			out = u
			return nil
		}

		linked := now.UTC()
		addr := address
		res := tx.Model(&domain.User{}).
			Where("id = ?", u.ID).
			Updates(map[string]any{
				"wallet_address": addr,
				"wallet_type":    walletType,
				"linked_at":      linked,
				"is_active":      true,
			})
		if res.Error != nil {
			return res.Error
		}
		u.WalletAddress = &addr
		u.WalletType = walletType
		u.LinkedAt = &linked
		out = u
		return nil
	})
	if isUniqueViolation(err) {
		return nil, ErrWalletTaken
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
