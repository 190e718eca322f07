package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-lottery-backend/internal/domain"
)

// Store binds the repository functions to one database handle so callers can
// depend on an interface instead of *gorm.DB.
type Store struct {
	DB *gorm.DB
}

// NewStore returns a Store over db.
func NewStore(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) EnsureUser(ctx context.Context, userID, username string) (*domain.User, error) {
	return EnsureUser(ctx, s.DB, userID, username)
}

func (s *Store) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return GetUser(ctx, s.DB, userID)
}

func (s *Store) LinkWallet(ctx context.Context, userID, username, address, walletType string, now time.Time) (*domain.User, error) {
	return LinkWallet(ctx, s.DB, userID, username, address, walletType, now)
}

func (s *Store) CreatePayment(ctx context.Context, in NewPayment) (*domain.Payment, error) {
	return CreatePayment(ctx, s.DB, in)
}

func (s *Store) FindPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return FindPayment(ctx, s.DB, id)
}

func (s *Store) FindPaymentByTxRef(ctx context.Context, txRef string) (*domain.Payment, error) {
	return FindPaymentByTxRef(ctx, s.DB, txRef)
}

func (s *Store) ListPayments(ctx context.Context, userID string, offset, limit int) ([]domain.Payment, error) {
	return ListPayments(ctx, s.DB, userID, offset, limit)
}

func (s *Store) SetPaymentWallet(ctx context.Context, id, wallet string) error {
	return SetPaymentWallet(ctx, s.DB, id, wallet)
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, id string, to domain.PaymentStatus, txRef string, now time.Time) (*domain.Payment, error) {
	return UpdatePaymentStatus(ctx, s.DB, id, to, txRef, now)
}

func (s *Store) CreateTickets(ctx context.Context, in NewTickets) ([]string, error) {
	return CreateTickets(ctx, s.DB, in)
}

func (s *Store) TicketIDsForPayment(ctx context.Context, paymentID string) ([]string, error) {
	return TicketIDsForPayment(ctx, s.DB, paymentID)
}

func (s *Store) ListTickets(ctx context.Context, f TicketFilter, offset, limit int) ([]domain.Ticket, int64, error) {
	return ListTickets(ctx, s.DB, f, offset, limit)
}

func (s *Store) TicketsStats(ctx context.Context, f TicketFilter) (int64, *time.Time, error) {
	return TicketsStats(ctx, s.DB, f)
}
