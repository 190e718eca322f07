package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-lottery-backend/internal/config"
	"github.com/tbourn/go-lottery-backend/internal/http/middleware"
	"github.com/tbourn/go-lottery-backend/internal/ledger"
	"github.com/tbourn/go-lottery-backend/internal/numbers"
	"github.com/tbourn/go-lottery-backend/internal/payments"
	"github.com/tbourn/go-lottery-backend/internal/repo"
	"github.com/tbourn/go-lottery-backend/internal/services"
	"github.com/tbourn/go-lottery-backend/internal/session"
)

// fakeLedger reports a fixed balance for valid addresses.
type fakeLedger struct{}

func (fakeLedger) GetBalance(_ context.Context, addr string) (decimal.Decimal, error) {
	if !ledger.ValidateAddress(addr) {
		return decimal.Zero, ledger.ErrInvalidAddress
	}
	return decimal.NewFromInt(3), nil
}

func (fakeLedger) BuildTransfer(_ context.Context, from, to string, amount decimal.Decimal) (ledger.UnsignedTransfer, error) {
	lamports, err := ledger.ToLamports(amount)
	if err != nil {
		return ledger.UnsignedTransfer{}, err
	}
	return ledger.UnsignedTransfer{From: from, To: to, Amount: amount, Lamports: lamports}, nil
}

func addr(b byte) string { return base58.Encode(bytes.Repeat([]byte{b}, 32)) }

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		RateRPS:        100,
		RateBurst:      50,
		IdempotencyTTL: time.Hour,
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
		Payment:        config.PaymentConfig{Mode: "mock", WebhookSecret: "whsec"},
	}
}

func newTestServer(t *testing.T, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	svc := &services.PurchaseService{
		Tickets:   repo.NewStore(db),
		Sessions:  session.NewMemory(),
		Ledger:    fakeLedger{},
		Confirmer: payments.MockConfirmer{},
		Numbers:   numbers.Default,
		Pricing: services.Pricing{
			TicketPrice:  decimal.NewFromInt(5),
			Currency:     "USDC",
			NativeRate:   decimal.NewFromInt(100),
			NativeSymbol: "SOL",
		},
		SessionTTL:   15 * time.Minute,
		ConnectTTL:   10 * time.Minute,
		DrawInterval: 7 * 24 * time.Hour,
		WebBaseURL:   "https://lotto.test",
		Treasury:     addr(9),
		Locale:       language.English,
		Now:          time.Now,
	}
	r := gin.New()
	RegisterRoutes(r, db, svc, cfg)
	return r
}

func call(r http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeOutcome(t *testing.T, w *httptest.ResponseRecorder) services.Outcome {
	t.Helper()
	var out services.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("json: %v (%s)", err, w.Body)
	}
	return out
}

func TestRegisterRoutes_HealthMetricsCORSAndFallbacks(t *testing.T) {
	r := newTestServer(t, testConfig())

	w := call(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("request id / security headers missing: %v", w.Header())
	}

	w = call(r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Fatalf("GET /metrics bad: code=%d", w.Code)
	}

	w = call(r, http.MethodGet, "/nope", "", nil)
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), `"code":"not_found"`) {
		t.Fatalf("NoRoute: %d %s", w.Code, w.Body)
	}
	w = call(r, http.MethodDelete, "/api/v1/tickets", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("NoMethod: %d", w.Code)
	}
	if w := call(r, http.MethodGet, "/swagger/index.html", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("swagger must be off by default: %d", w.Code)
	}
}

func TestRegisterRoutes_CORSAllowlist(t *testing.T) {
	cfg := testConfig()
	cfg.CORS.AllowedOrigins = []string{"https://lotto.test"}
	r := newTestServer(t, cfg)

	w := call(r, http.MethodGet, "/health", "", map[string]string{"Origin": "https://lotto.test"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://lotto.test" {
		t.Fatalf("allowed origin not echoed: %q", got)
	}
	w = call(r, http.MethodGet, "/health", "", map[string]string{"Origin": "https://evil.test"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
}

func TestPurchaseFlow_EndToEnd(t *testing.T) {
	r := newTestServer(t, testConfig())
	user := map[string]string{"X-User-ID": "tg-100"}
	wallet := addr(1)

	w := call(r, http.MethodPost, "/api/v1/purchases", `{"tickets":1}`, user)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("purchase responses must not be cached")
	}
	out := decodeOutcome(t, w)
	if out.State != services.StateAwaitingWallet || out.Session == nil {
		t.Fatalf("create outcome: %+v", out)
	}
	token := out.Session.Token
	base := "/api/v1/purchases/" + token

	w = call(r, http.MethodPost, base+"/wallet", fmt.Sprintf(`{"wallet_address":%q}`, wallet), user)
	if w.Code != http.StatusOK || decodeOutcome(t, w).State != services.StateAwaitingPayment {
		t.Fatalf("wallet: %d %s", w.Code, w.Body)
	}

	w = call(r, http.MethodPost, base+"/transfer", "", user)
	if w.Code != http.StatusOK || decodeOutcome(t, w).Transfer == nil {
		t.Fatalf("transfer: %d %s", w.Code, w.Body)
	}

	w = call(r, http.MethodPost, base+"/payment", "", user)
	if w.Code != http.StatusOK || decodeOutcome(t, w).State != services.StatePaymentConfirmed {
		t.Fatalf("payment: %d %s", w.Code, w.Body)
	}

	submit := map[string]string{"X-User-ID": "tg-100", middleware.HeaderIdempotencyKey: "submit-1"}
	form := `{"numbers":[5,4,3,2,1],"special_number":9}`
	first := call(r, http.MethodPost, base+"/tickets", form, submit)
	if first.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", first.Code, first.Body)
	}
	done := decodeOutcome(t, first)
	if done.State != services.StateCompleted || len(done.TicketIDs) != 1 {
		t.Fatalf("submit outcome: %+v", done)
	}

	// The session is gone, but the keyed retry replays the original result.
	replay := call(r, http.MethodPost, base+"/tickets", form, submit)
	if replay.Code != http.StatusOK || replay.Body.String() != first.Body.String() {
		t.Fatalf("replay: %d %s", replay.Code, replay.Body)
	}
	if replay.Header().Get(middleware.HeaderIdempotentReplay) != "true" {
		t.Fatalf("replay header missing")
	}
	w = call(r, http.MethodPost, base+"/tickets", form, user)
	if w.Code != http.StatusGone || !strings.Contains(w.Body.String(), "session_expired") {
		t.Fatalf("unkeyed retry: %d %s", w.Code, w.Body)
	}

	w = call(r, http.MethodGet, "/api/v1/tickets", "", user)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), done.TicketIDs[0]) {
		t.Fatalf("list: %d %s", w.Code, w.Body)
	}
	etag := w.Header().Get("ETag")
	w = call(r, http.MethodGet, "/api/v1/tickets", "", map[string]string{"X-User-ID": "tg-100", "If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional list: %d", w.Code)
	}

	w = call(r, http.MethodGet, "/api/v1/wallets/tg-100", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), wallet) {
		t.Fatalf("wallet lookup: %d %s", w.Code, w.Body)
	}
}

func TestPurchase_InvalidCountAndExpiredToken(t *testing.T) {
	r := newTestServer(t, testConfig())

	w := call(r, http.MethodPost, "/api/v1/purchases", `{"tickets":11}`, nil)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "invalid_ticket_count") {
		t.Fatalf("count: %d %s", w.Code, w.Body)
	}
	w = call(r, http.MethodGet, "/api/v1/purchases/pt_deadbeef_nope", "", nil)
	if w.Code != http.StatusGone {
		t.Fatalf("unknown token: %d", w.Code)
	}
}

func TestPurchase_AcceptLanguageFormatsAmounts(t *testing.T) {
	r := newTestServer(t, testConfig())

	w := call(r, http.MethodPost, "/api/v1/purchases", `{"tickets":2}`,
		map[string]string{"X-User-ID": "tg-de", "Accept-Language": "de-DE,de;q=0.9,en;q=0.5"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	if out := decodeOutcome(t, w); !strings.Contains(out.Message, "10,00 USDC (0,1 SOL)") {
		t.Fatalf("message=%q", out.Message)
	}

	w = call(r, http.MethodPost, "/api/v1/purchases", `{"tickets":2}`, map[string]string{"X-User-ID": "tg-en"})
	if out := decodeOutcome(t, w); !strings.Contains(out.Message, "10.00 USDC (0.1 SOL)") {
		t.Fatalf("default message=%q", out.Message)
	}

	w = call(r, http.MethodGet, "/api/v1/payments", "", map[string]string{"X-User-ID": "tg-de"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ticket_count":2`) {
		t.Fatalf("payments: %d %s", w.Code, w.Body)
	}
}

func TestTelegramAuthRequired_WebhookStillReachable(t *testing.T) {
	cfg := testConfig()
	cfg.Telegram = config.TelegramConfig{Token: "1:abc", InitDataMaxAge: time.Hour, RequireAuth: true}
	r := newTestServer(t, cfg)

	w := call(r, http.MethodPost, "/api/v1/purchases", `{"tickets":1}`, map[string]string{"X-User-ID": "spoofed"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated purchase: %d", w.Code)
	}

	body := `{"payment_id":"missing","status":"completed"}`
	w = call(r, http.MethodPost, "/api/v1/webhooks/payment", body,
		map[string]string{payments.SignatureHeader: payments.Sign("whsec", []byte(body))})
	if w.Code != http.StatusNotFound {
		t.Fatalf("webhook must bypass initData auth: %d %s", w.Code, w.Body)
	}
	w = call(r, http.MethodPost, "/api/v1/webhooks/payment", body, map[string]string{payments.SignatureHeader: "00"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: %d", w.Code)
	}
}
