// Package numbers generates lottery numbers, public ticket identifiers and
// unguessable purchase tokens. All randomness comes from crypto/rand unless a
// Generator is built with a different source.
package numbers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"sort"

	"github.com/mr-tron/base58"

	"github.com/tbourn/go-lottery-backend/internal/domain"
)

// Token prefixes.
const (
	SessionPrefix = "pt"
	ConnectPrefix = "ct"
)

const (
	ticketAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	ticketIDLen    = 8
	tokenBytes     = 32
)

// Generator draws numbers and identifiers from Rand.
type Generator struct {
	Rand io.Reader
}

// Default uses crypto/rand.
var Default = &Generator{Rand: rand.Reader}

func (g *Generator) source() io.Reader {
	if g == nil || g.Rand == nil {
		return rand.Reader
	}
	return g.Rand
}

// intn returns a uniform int in [0,n).
func (g *Generator) intn(n int) (int, error) {
	v, err := rand.Int(g.source(), big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// between returns a uniform int in [lo,hi].
func (g *Generator) between(lo, hi int) (int, error) {
	v, err := g.intn(hi - lo + 1)
	if err != nil {
		return 0, err
	}
	return lo + v, nil
}

// QuickPick draws 5 distinct main numbers in ascending order and one special
// number. Duplicates are redrawn.
func (g *Generator) QuickPick() ([]int, int, error) {
	seen := make(map[int]struct{}, domain.MainCount)
	main := make([]int, 0, domain.MainCount)
	for len(main) < domain.MainCount {
		n, err := g.between(domain.MainMin, domain.MainMax)
		if err != nil {
			return nil, 0, err
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		main = append(main, n)
	}
	sort.Ints(main)

	special, err := g.between(domain.SpecialMin, domain.SpecialMax)
	if err != nil {
		return nil, 0, err
	}
	return main, special, nil
}

// QuickPickDraft is QuickPick shaped as a complete draft.
func (g *Generator) QuickPickDraft() (domain.TicketDraft, error) {
	main, special, err := g.QuickPick()
	if err != nil {
		return domain.TicketDraft{}, err
	}
	return domain.TicketDraft{Main: main, Special: special, Mode: domain.SelectionQuickPick}, nil
}

// TicketID returns an 8-character identifier over [A-Z0-9]. Uniqueness is
// enforced by the ticket store.
func (g *Generator) TicketID() (string, error) {
	b := make([]byte, ticketIDLen)
	for i := range b {
		k, err := g.intn(len(ticketAlphabet))
		if err != nil {
			return "", err
		}
		b[i] = ticketAlphabet[k]
	}
	return string(b), nil
}

// SessionToken returns a single-use purchase session token bound to userID.
func (g *Generator) SessionToken(userID string) (string, error) {
	return g.token(SessionPrefix, userID)
}

// ConnectToken returns a standalone wallet-link token bound to userID.
func (g *Generator) ConnectToken(userID string) (string, error) {
	return g.token(ConnectPrefix, userID)
}

// token is <prefix>_<tag>_<base58(32 random bytes)>.
func (g *Generator) token(prefix, userID string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(g.source(), buf); err != nil {
		return "", fmt.Errorf("numbers: read random: %w", err)
	}
	return prefix + "_" + UserTag(userID) + "_" + base58.Encode(buf), nil
}

// UserTag is the first 8 hex chars of SHA-256(userID). It ties a token to a
// user in logs without revealing the id.
func UserTag(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:4])
}
