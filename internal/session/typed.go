package session

import (
	"context"
	"encoding/json"
	"time"
)

// Typed stores values of T as JSON in an underlying Store.
type Typed[T any] struct {
	Store Store
}

// NewTyped wraps s.
func NewTyped[T any](s Store) Typed[T] { return Typed[T]{Store: s} }

func (t Typed[T]) Put(ctx context.Context, key string, v T, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.Store.Put(ctx, key, b, ttl)
}

func (t Typed[T]) Get(ctx context.Context, key string) (T, error) {
	var v T
	b, err := t.Store.Get(ctx, key)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(b, &v)
	return v, err
}

func (t Typed[T]) Delete(ctx context.Context, key string) error {
	return t.Store.Delete(ctx, key)
}

// Update decodes the current value, lets fn mutate it and writes it back.
// fn may run more than once on optimistic backends.
func (t Typed[T]) Update(ctx context.Context, key string, fn func(*T) error) (T, error) {
	var out T
	_, err := t.Store.Update(ctx, key, func(cur []byte) ([]byte, error) {
		var v T
		if err := json.Unmarshal(cur, &v); err != nil {
			return nil, err
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		out = v
		return json.Marshal(v)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
