package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// memIdem is an in-memory idempotency store keyed by user|scope|key.
type memIdem struct {
	mu   sync.Mutex
	recs map[string]Replay
}

func newMemIdem() *memIdem { return &memIdem{recs: map[string]Replay{}} }

func (m *memIdem) lookup(_ context.Context, uid, scope, key string, _ time.Time) (*Replay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.recs[uid+"|"+scope+"|"+key]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *memIdem) save(_ context.Context, uid, scope, key string, status int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[uid+"|"+scope+"|"+key] = Replay{Status: status, Body: append([]byte(nil), body...)}
	return nil
}

func (m *memIdem) scopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.recs {
		out = append(out, k)
	}
	return out
}

func newIdemRouter(store *memIdem, calls *int, status int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Idempotency(IdempotencyOptions{}, store.lookup, store.save))
	handler := func(c *gin.Context) {
		*calls++
		c.JSON(status, gin.H{"call": *calls})
	}
	r.POST("/purchases/:token/confirm", handler)
	r.GET("/purchases/:token", handler)
	return r
}

func post(r http.Handler, path, key, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	store := newMemIdem()
	calls := 0
	r := newIdemRouter(store, &calls, http.StatusOK)

	first := post(r, "/purchases/pt_a/confirm", "k-1", "u1")
	second := post(r, "/purchases/pt_a/confirm", "k-1", "u1")

	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
	if second.Code != first.Code || second.Body.String() != first.Body.String() {
		t.Fatalf("replay differs: %d %q vs %d %q", second.Code, second.Body, first.Code, first.Body)
	}
	if second.Header().Get(HeaderIdempotentReplay) != "true" || first.Header().Get(HeaderIdempotentReplay) != "" {
		t.Fatalf("replay header misplaced")
	}
}

func TestIdempotency_ScopedByUserAndToken(t *testing.T) {
	store := newMemIdem()
	calls := 0
	r := newIdemRouter(store, &calls, http.StatusOK)

	post(r, "/purchases/pt_a/confirm", "k-1", "u1")
	post(r, "/purchases/pt_b/confirm", "k-1", "u1")
	post(r, "/purchases/pt_a/confirm", "k-1", "u2")
	if calls != 3 {
		t.Fatalf("want 3 distinct executions, got %d", calls)
	}
	for _, s := range store.scopes() {
		if !strings.Contains(s, "/purchases/:token/confirm#pt_") {
			t.Fatalf("scope %q", s)
		}
	}
}

func TestIdempotency_ServerErrorsNotStored(t *testing.T) {
	store := newMemIdem()
	calls := 0
	r := newIdemRouter(store, &calls, http.StatusServiceUnavailable)

	post(r, "/purchases/pt_a/confirm", "k-1", "u1")
	post(r, "/purchases/pt_a/confirm", "k-1", "u1")
	if calls != 2 {
		t.Fatalf("5xx must not be replayed; calls=%d", calls)
	}
}

func TestIdempotency_NoKeyOrSafeMethodPassesThrough(t *testing.T) {
	store := newMemIdem()
	calls := 0
	r := newIdemRouter(store, &calls, http.StatusOK)

	post(r, "/purchases/pt_a/confirm", "", "u1")
	post(r, "/purchases/pt_a/confirm", "", "u1")

	req := httptest.NewRequest(http.MethodGet, "/purchases/pt_a", nil)
	req.Header.Set(HeaderIdempotencyKey, "k-1")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), req)

	if calls != 4 || len(store.scopes()) != 0 {
		t.Fatalf("calls=%d stored=%v", calls, store.scopes())
	}
}

func TestIdempotency_InvalidKey(t *testing.T) {
	store := newMemIdem()
	calls := 0
	r := newIdemRouter(store, &calls, http.StatusOK)

	for _, key := range []string{"has space", strings.Repeat("a", 201)} {
		w := post(r, "/purchases/pt_a/confirm", key, "u1")
		if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "bad_idempotency_key") {
			t.Fatalf("key %q: got %d %s", key, w.Code, w.Body)
		}
	}
	if calls != 0 {
		t.Fatalf("handler ran for invalid key")
	}
}

func TestHelpers_GetIdempotencyKey_IsReplay_UserIDFromCtx(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if _, ok := GetIdempotencyKey(c); ok || IsReplay(c) {
		t.Fatalf("expected empty state")
	}
	c.Set(ctxKeyIdemKey, 123)
	if _, ok := GetIdempotencyKey(c); ok {
		t.Fatalf("non-string key must be absent")
	}
	c.Set(ctxKeyIdemReplay, "yes")
	if IsReplay(c) {
		t.Fatalf("non-bool replay flag must be false")
	}

	if got := userIDFromCtx(c); got != "demo-user" {
		t.Fatalf("fallback=%q", got)
	}
	c.Request.Header.Set("X-User-ID", "hdr")
	if got := userIDFromCtx(c); got != "hdr" {
		t.Fatalf("header=%q", got)
	}
	c.Set("userID", "ctx")
	if got := userIDFromCtx(c); got != "ctx" {
		t.Fatalf("ctx=%q", got)
	}
}
