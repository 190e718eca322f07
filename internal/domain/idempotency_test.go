package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIdempotency_UniquePerUserScopeKey(t *testing.T) {
	db := newDomainDB(t)
	now := time.Now().UTC()

	rec := func(user, scope, key string) *Idempotency {
		return &Idempotency{
			ID:        uuid.NewString(),
			UserID:    user,
			Scope:     scope,
			Key:       key,
			Status:    201,
			Body:      `{"ticket_ids":["AAAA1111"]}`,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Hour),
		}
	}

	if err := db.Create(rec("u1", "pt_a", "k1")).Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := db.Create(rec("u1", "pt_a", "k1")).Error; err == nil {
		t.Fatalf("expected unique violation on (user_id, scope, key)")
	}
	// Any component differing is a distinct record.
	for _, r := range []*Idempotency{rec("u2", "pt_a", "k1"), rec("u1", "pt_b", "k1"), rec("u1", "pt_a", "k2")} {
		if err := db.Create(r).Error; err != nil {
			t.Fatalf("insert %+v: %v", r, err)
		}
	}

	var n int64
	db.Model(&Idempotency{}).Count(&n)
	if n != 4 {
		t.Fatalf("rows = %d; want 4", n)
	}
}
