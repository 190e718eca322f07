// Package session holds short-lived purchase state: in-flight purchase
// sessions, the per-user index pointing at them, and standalone wallet-link
// tokens. Every entry carries an absolute expiry; an expired entry is
// indistinguishable from one that never existed.
//
// Two backends implement Store: Memory (single process) and Redis (shared
// across replicas). Typed wraps either with a JSON codec.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tbourn/go-lottery-backend/internal/config"
)

var (
	// ErrNotFound is returned for missing or expired keys.
	ErrNotFound = errors.New("session: not found")

	// ErrConflict is returned when an optimistic update kept losing races.
	ErrConflict = errors.New("session: concurrent update conflict")
)

// UpdateFunc receives the current value and returns its replacement.
// Returning an error aborts the update and leaves the value untouched.
// Backends may call it more than once, so it must not have side effects.
type UpdateFunc func(cur []byte) ([]byte, error)

// Store is a TTL'd key/value store with atomic single-key updates.
type Store interface {
	Put(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Update atomically rewrites key and keeps its existing expiry.
	Update(ctx context.Context, key string, fn UpdateFunc) ([]byte, error)
}

// New builds the backend selected by cfg. The returned close func releases
// backend resources.
func New(ctx context.Context, cfg config.SessionConfig) (Store, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		m := NewMemory()
		return m, func() error { return nil }, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return NewRedis(client, DefaultPrefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("session: unsupported backend %q", cfg.Backend)
	}
}
