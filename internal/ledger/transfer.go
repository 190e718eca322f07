package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"
)

// LamportsPerNative is the number of base units in one native coin.
const LamportsPerNative = 1_000_000_000

// ValidateAddress reports whether addr is a base58-encoded 32-byte key.
func ValidateAddress(addr string) bool {
	_, err := parseKey(addr)
	return err == nil
}

func parseKey(s string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, ErrInvalidAddress
	}
	return pk, nil
}

// FromLamports converts base units to native units.
func FromLamports(l uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(l), -9)
}

// ToLamports converts a native amount to base units, rounding up so a
// transfer never falls short of the amount owed.
func ToLamports(amount decimal.Decimal) (uint64, error) {
	if !amount.IsPositive() {
		return 0, errors.New("ledger: amount must be positive")
	}
	l := amount.Shift(9).Ceil()
	if l.BigInt().BitLen() > 63 {
		return 0, errors.New("ledger: amount out of range")
	}
	return uint64(l.IntPart()), nil
}

// UnsignedTransfer is a serialized, unsigned transfer ready for a wallet to
// sign. Transaction is the base64 wire form with an empty signature slot.
type UnsignedTransfer struct {
	From         string          `json:"from"`
	To           string          `json:"to"`
	Amount       decimal.Decimal `json:"amount"`
	Lamports     uint64          `json:"lamports"`
	RecentAnchor string          `json:"recent_blockhash"`
	Transaction  string          `json:"transaction"`
}

// BuildTransfer fetches a recent blockhash and serializes a legacy
// transaction with one System Program transfer from → to. The fee payer is
// from.
func (c *Client) BuildTransfer(ctx context.Context, from, to string, amount decimal.Decimal) (UnsignedTransfer, error) {
	fromKey, err := parseKey(from)
	if err != nil {
		return UnsignedTransfer{}, err
	}
	toKey, err := parseKey(to)
	if err != nil {
		return UnsignedTransfer{}, err
	}
	if fromKey.Equals(toKey) {
		return UnsignedTransfer{}, fmt.Errorf("%w: sender and recipient are the same", ErrInvalidAddress)
	}
	lamports, err := ToLamports(amount)
	if err != nil {
		return UnsignedTransfer{}, err
	}

	anchor, err := c.recentBlockhash(ctx)
	if err != nil {
		return UnsignedTransfer{}, err
	}

	raw, err := encodeTransfer(fromKey, toKey, anchor, lamports)
	if err != nil {
		return UnsignedTransfer{}, err
	}
	return UnsignedTransfer{
		From:         from,
		To:           to,
		Amount:       amount,
		Lamports:     lamports,
		RecentAnchor: anchor.String(),
		Transaction:  raw,
	}, nil
}

// encodeTransfer builds the transaction and leaves one zeroed signature slot
// per required signer for the wallet to fill in.
func encodeTransfer(from, to solana.PublicKey, anchor solana.Hash, lamports uint64) (string, error) {
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(lamports, from, to).Build()},
		anchor,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return "", fmt.Errorf("ledger: build transfer: %w", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	return tx.ToBase64()
}
