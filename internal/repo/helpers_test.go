package repo

import (
	"context"
	"fmt"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-lottery-backend/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8])
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

// newStoreDB returns a fully migrated ticket store.
func newStoreDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := newTestDB(t)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func seedPayment(t *testing.T, db *gorm.DB, userID string, count int) *domain.Payment {
	t.Helper()
	p, err := CreatePayment(context.Background(), db, NewPayment{
		UserID:       userID,
		Amount:       decimal.NewFromInt(int64(5 * count)),
		Currency:     "USDC",
		NativeAmount: decimal.NewFromInt(int64(5 * count)).Div(decimal.NewFromInt(100)),
		NativeSymbol: "SOL",
		TicketCount:  count,
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	return p
}

// seqIDs yields AAAA0000, AAAA0001, ... for deterministic ticket IDs.
func seqIDs() func() (string, error) {
	n := 0
	return func() (string, error) {
		id := fmt.Sprintf("AAAA%04d", n)
		n++
		return id, nil
	}
}
