package domain

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:domain_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Enforce FKs so RESTRICT actually executes.
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := db.AutoMigrate(&User{}, &Payment{}, &Ticket{}, &Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	if (User{}).TableName() != "users" {
		t.Fatalf("User.TableName() = %q", (User{}).TableName())
	}
	if (Payment{}).TableName() != "payments" {
		t.Fatalf("Payment.TableName() = %q", (Payment{}).TableName())
	}
	if (Ticket{}).TableName() != "tickets" {
		t.Fatalf("Ticket.TableName() = %q", (Ticket{}).TableName())
	}
	if (Idempotency{}).TableName() != "idempotency" {
		t.Fatalf("Idempotency.TableName() = %q", (Idempotency{}).TableName())
	}
}

func TestMigrations_Indexes(t *testing.T) {
	db := newDomainDB(t)
	m := db.Migrator()

	for _, idx := range []struct {
		model any
		name  string
	}{
		{&User{}, "ux_users_user_id"},
		{&User{}, "ux_users_wallet"},
		{&Payment{}, "idx_payments_user"},
		{&Ticket{}, "ux_tickets_ticket_id"},
		{&Ticket{}, "ux_tickets_payment_seq"},
		{&Ticket{}, "idx_tickets_wallet"},
		{&Idempotency{}, "ux_user_scope_key"},
	} {
		if !m.HasIndex(idx.model, idx.name) {
			t.Fatalf("expected index %s on %T", idx.name, idx.model)
		}
	}
}

func TestUser_WalletUniqueButNullable(t *testing.T) {
	db := newDomainDB(t)

	// Two users without wallets: NULLs never collide.
	for _, uid := range []string{"u1", "u2"} {
		if err := db.Create(&User{ID: uuid.NewString(), UserID: uid, IsActive: true}).Error; err != nil {
			t.Fatalf("create %s: %v", uid, err)
		}
	}

	addr := "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	if err := db.Model(&User{}).Where("user_id = ?", "u1").Update("wallet_address", addr).Error; err != nil {
		t.Fatalf("link u1: %v", err)
	}
	if err := db.Model(&User{}).Where("user_id = ?", "u2").Update("wallet_address", addr).Error; err == nil {
		t.Fatalf("expected unique violation linking the same wallet to u2")
	}

	var u User
	if err := db.Where("user_id = ?", "u1").First(&u).Error; err != nil {
		t.Fatalf("load u1: %v", err)
	}
	if u.Wallet() != addr {
		t.Fatalf("Wallet() = %q", u.Wallet())
	}
	if (User{}).Wallet() != "" {
		t.Fatalf("Wallet() on unlinked user should be empty")
	}
}

func TestTicket_NumbersRoundTrip_AndPaymentRestrict(t *testing.T) {
	db := newDomainDB(t)
	now := time.Now().UTC()

	p := &Payment{
		ID:           uuid.NewString(),
		UserID:       "u1",
		Amount:       decimal.NewFromInt(5),
		Currency:     "USDC",
		NativeAmount: decimal.RequireFromString("0.05"),
		NativeSymbol: "SOL",
		TicketCount:  1,
		Status:       PaymentCompleted,
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("create payment: %v", err)
	}

	tk := &Ticket{
		ID:            uuid.NewString(),
		TicketID:      "AB12CD34",
		UserID:        "u1",
		WalletAddress: "w",
		PaymentID:     p.ID,
		Seq:           0,
		Numbers:       NumberSet{3, 14, 15, 22, 61},
		Special:       9,
		Mode:          SelectionQuickPick,
		DrawDate:      now.Add(7 * 24 * time.Hour),
		IsActive:      true,
	}
	if err := db.Create(tk).Error; err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	var got Ticket
	if err := db.Where("ticket_id = ?", "AB12CD34").First(&got).Error; err != nil {
		t.Fatalf("load ticket: %v", err)
	}
	if !reflect.DeepEqual(got.Numbers, NumberSet{3, 14, 15, 22, 61}) {
		t.Fatalf("numbers = %v", got.Numbers)
	}

	var gotPay Payment
	if err := db.First(&gotPay, "id = ?", p.ID).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if !gotPay.NativeAmount.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("native amount = %s", gotPay.NativeAmount)
	}

	// Same (payment_id, seq) twice is rejected.
	dup := *tk
	dup.ID = uuid.NewString()
	dup.TicketID = "ZZ99ZZ99"
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected unique violation on (payment_id, seq)")
	}

	// Payments referenced by tickets cannot be deleted.
	if err := db.Delete(&Payment{}, "id = ?", p.ID).Error; err == nil {
		t.Fatalf("expected FK restrict when deleting a paid-for payment")
	}
}

func TestPayment_StatusCheckConstraint(t *testing.T) {
	db := newDomainDB(t)
	p := &Payment{
		ID:           uuid.NewString(),
		UserID:       "u1",
		Amount:       decimal.NewFromInt(5),
		Currency:     "USDC",
		NativeAmount: decimal.NewFromInt(1),
		NativeSymbol: "SOL",
		TicketCount:  1,
		Status:       PaymentStatus("refunded"),
	}
	if err := db.Create(p).Error; err == nil {
		t.Fatalf("expected CHECK constraint to reject unknown status")
	}
}

func TestPaymentStatus_Terminal(t *testing.T) {
	if PaymentPending.Terminal() {
		t.Fatalf("pending must not be terminal")
	}
	if !PaymentCompleted.Terminal() || !PaymentFailed.Terminal() {
		t.Fatalf("completed/failed must be terminal")
	}
}

func TestNumberSet_ScanVariants(t *testing.T) {
	var n NumberSet
	if err := n.Scan([]byte("1,2, 3")); err != nil || !reflect.DeepEqual(n, NumberSet{1, 2, 3}) {
		t.Fatalf("scan bytes: %v %v", n, err)
	}
	if err := n.Scan(""); err != nil || len(n) != 0 {
		t.Fatalf("scan empty: %v %v", n, err)
	}
	if err := n.Scan(nil); err != nil || n != nil {
		t.Fatalf("scan nil: %v %v", n, err)
	}
	if err := n.Scan(42); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
	if err := n.Scan("1,x"); err == nil {
		t.Fatalf("expected parse error")
	}
	v, err := NumberSet{7, 8}.Value()
	if err != nil || v != "7,8" {
		t.Fatalf("Value() = %v, %v", v, err)
	}
}
