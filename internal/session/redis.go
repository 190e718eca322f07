package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key this package writes.
const DefaultPrefix = "lottery:"

// maxUpdateAttempts bounds optimistic retries in Redis.Update.
const maxUpdateAttempts = 8

// Redis is a Store backed by Redis string keys with native TTLs.
type Redis struct {
	client *goredis.Client
	prefix string
}

// NewRedis wraps client; prefix is prepended to every key.
func NewRedis(client *goredis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string { return r.prefix + k }

// Put stores val under key for ttl.
func (r *Redis) Put(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if ttl <= 0 {
		return errors.New("session: ttl must be positive")
	}
	if err := r.client.Set(ctx, r.key(key), val, ttl).Err(); err != nil {
		return fmt.Errorf("set session key: %w", err)
	}
	return nil
}

// Get returns the value stored under key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session key: %w", err)
	}
	return b, nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("delete session key: %w", err)
	}
	return nil
}

// Update runs fn inside a WATCH/MULTI transaction and retries when another
// client modified the key in between.
func (r *Redis) Update(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	k := r.key(key)

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var out []byte
		err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
			cur, err := tx.Get(ctx, k).Bytes()
			if errors.Is(err, goredis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("get session key: %w", err)
			}
			next, err := fn(cur)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, k, next, goredis.KeepTTL)
				return nil
			})
			if err != nil {
				return err
			}
			out = next
			return nil
		}, k)

		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}
