// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-lottery-backend/internal/domain"
)

// TicketsStats returns the number of active tickets matching f and the
// newest CreatedAt among them. When nothing matches, count is 0 and
// latest is nil.
func TicketsStats(ctx context.Context, db *gorm.DB, f TicketFilter) (count int64, latest *time.Time, err error) {
	q := f.apply(db.WithContext(ctx).Model(&domain.Ticket{})).Where("is_active = ?", true)

	if err = q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Session(&gorm.Session{}).Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}
