package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const botToken = "123456:TEST-TOKEN"

// signInitData builds initData the way Telegram clients receive it.
func signInitData(t *testing.T, token string, authDate time.Time, userJSON string) string {
	t.Helper()
	vals := url.Values{}
	vals.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))
	vals.Set("query_id", "AAH")
	vals.Set("user", userJSON)

	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + vals.Get(k)
	}
	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(token))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	vals.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return vals.Encode()
}

func TestValidateInitData(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	good := signInitData(t, botToken, now.Add(-time.Minute), `{"id":4242,"username":"alice"}`)

	u, err := ValidateInitData(good, botToken, time.Hour, now)
	if err != nil || u.ID != 4242 || u.Username != "alice" {
		t.Fatalf("valid: %v %+v", err, u)
	}

	if _, err := ValidateInitData(good, "other:token", time.Hour, now); err != errInitDataInvalid {
		t.Fatalf("wrong token: %v", err)
	}
	tampered := strings.Replace(good, "4242", "4243", 1)
	if _, err := ValidateInitData(tampered, botToken, time.Hour, now); err != errInitDataInvalid {
		t.Fatalf("tampered: %v", err)
	}
	if _, err := ValidateInitData(good, botToken, 30*time.Second, now); err != errInitDataExpired {
		t.Fatalf("stale: %v", err)
	}
	if _, err := ValidateInitData(good, botToken, 0, now.Add(48*time.Hour)); err != nil {
		t.Fatalf("maxAge=0 must skip freshness: %v", err)
	}
	if _, err := ValidateInitData("", botToken, 0, now); err != errInitDataMissing {
		t.Fatalf("empty: %v", err)
	}
}

func TestTelegramAuth_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_ = captureLogger(t)

	newRouter := func(required bool) *gin.Engine {
		r := gin.New()
		r.Use(TelegramAuth(botToken, time.Hour, required))
		r.GET("/me", func(c *gin.Context) {
			c.String(http.StatusOK, c.GetString("userID")+"|"+c.GetString("username"))
		})
		return r
	}
	get := func(r *gin.Engine, initData string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if initData != "" {
			req.Header.Set(HeaderTelegramInitData, initData)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	good := signInitData(t, botToken, time.Now(), `{"id":77,"username":"bob"}`)
	if w := get(newRouter(false), good); w.Code != http.StatusOK || w.Body.String() != "77|bob" {
		t.Fatalf("valid: %d %q", w.Code, w.Body)
	}
	if w := get(newRouter(false), ""); w.Code != http.StatusOK || w.Body.String() != "|" {
		t.Fatalf("optional passthrough: %d %q", w.Code, w.Body)
	}
	if w := get(newRouter(true), ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("required without initData: %d", w.Code)
	}
	if w := get(newRouter(false), good+"x"); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad initData: %d", w.Code)
	}
}
