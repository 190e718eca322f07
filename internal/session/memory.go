package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type entry struct {
	val []byte
	exp time.Time
}

// Memory is an in-process Store. Reads expire entries lazily; Run sweeps
// them periodically so abandoned sessions do not accumulate.
//
// Operations on the same key are serialized by a per-key lock, so an
// Update's read-modify-write never interleaves with another write to that
// key while different keys proceed independently.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	locks   keyLocks

	// Now is the clock used for expiry; defaults to time.Now.
	Now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		locks:   keyLocks{m: make(map[string]*keyLock)},
		Now:     time.Now,
	}
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// Put stores val under key for ttl.
func (m *Memory) Put(_ context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("session: ttl must be positive")
	}
	unlock := m.locks.lock(key)
	defer unlock()

	m.mu.Lock()
	m.entries[key] = entry{val: clone(val), exp: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the value stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !m.now().Before(e.exp) {
		m.evict(key, e.exp)
		return nil, ErrNotFound
	}
	return clone(e.val), nil
}

// Delete removes key. Missing keys are not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	unlock := m.locks.lock(key)
	defer unlock()

	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Update applies fn to the live value of key under the key's lock.
func (m *Memory) Update(_ context.Context, key string, fn UpdateFunc) ([]byte, error) {
	unlock := m.locks.lock(key)
	defer unlock()

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !m.now().Before(e.exp) {
		m.evict(key, e.exp)
		return nil, ErrNotFound
	}

	next, err := fn(clone(e.val))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.entries[key] = entry{val: clone(next), exp: e.exp}
	m.mu.Unlock()
	return clone(next), nil
}

// evict removes key only if it still holds the expired entry we observed.
func (m *Memory) evict(key string, exp time.Time) {
	m.mu.Lock()
	if cur, ok := m.entries[key]; ok && cur.exp.Equal(exp) {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

// Sweep drops every expired entry and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.exp) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Run sweeps every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("session sweep")
			}
		}
	}
}

// keyLocks is a refcounted keyed mutex. Entries are dropped once no
// goroutine holds or waits on them.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu  sync.Mutex
	ref int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{}
		k.m[key] = l
	}
	l.ref++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.ref--
		if l.ref == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
