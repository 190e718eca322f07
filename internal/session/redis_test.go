package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tbourn/go-lottery-backend/internal/config"
)

func newRedisStore(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedis(client, "test:")
}

func TestRedis_PutGetDelete(t *testing.T) {
	mr, s := newRedisStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !mr.Exists("test:k") {
		t.Fatalf("expected prefixed key in redis")
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedis_ExpiryAndKeepTTL(t *testing.T) {
	mr, s := newRedisStore(t)
	ctx := context.Background()

	_ = s.Put(ctx, "k", []byte("1"), time.Minute)
	mr.FastForward(30 * time.Second)

	if _, err := s.Update(ctx, "k", func(b []byte) ([]byte, error) { return append(b, '2'), nil }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ttl := mr.TTL("test:k"); ttl <= 0 || ttl > 30*time.Second {
		t.Fatalf("update should keep the remaining ttl, got %v", ttl)
	}
	got, _ := s.Get(ctx, "k")
	if string(got) != "12" {
		t.Fatalf("value = %q", got)
	}

	mr.FastForward(31 * time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if _, err := s.Update(ctx, "k", func(b []byte) ([]byte, error) { return b, nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update on expired = %v", err)
	}
}

func TestRedis_UpdateAbortAndConcurrency(t *testing.T) {
	_, s := newRedisStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, "ctr", []byte("0"), time.Minute)

	boom := errors.New("boom")
	if _, err := s.Update(ctx, "ctr", func([]byte) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "ctr", func(b []byte) ([]byte, error) {
				v, _ := strconv.Atoi(string(b))
				return []byte(strconv.Itoa(v + 1)), nil
			})
			if err != nil && !errors.Is(err, ErrConflict) {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, "ctr")
	v, _ := strconv.Atoi(string(got))
	if v < 1 || v > n {
		t.Fatalf("counter = %d", v)
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := New(ctx, config.SessionConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("New memory: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", s)
	}
	_ = closeFn()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	s, closeFn, err = New(ctx, config.SessionConfig{Backend: "redis", RedisAddr: mr.Addr()})
	if err != nil {
		t.Fatalf("New redis: %v", err)
	}
	if _, ok := s.(*Redis); !ok {
		t.Fatalf("expected *Redis, got %T", s)
	}
	_ = closeFn()

	if _, _, err := New(ctx, config.SessionConfig{Backend: "etcd"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
