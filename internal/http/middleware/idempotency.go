// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements Idempotency-Key support for unsafe methods. A request
// carrying a key that already completed for the same user and scope gets the
// stored response back verbatim (with Idempotent-Replay: true) and never
// reaches the handler. Otherwise the handler runs and its response is saved
// for later replays. 5xx and 429 responses are not saved so the client can
// retry.
//
// The scope is the matched route plus its :token parameter, so one key can be
// reused safely across different purchases. Persistence is injected through
// IdempotencyLookup and IdempotencySave.
package middleware

import (
	"bytes"
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header carrying the client's key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotentReplay marks a response served from the idempotency store.
const HeaderIdempotentReplay = "Idempotent-Replay"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: response was replayed
	ctxKeyRateBypass = "rate.bypass" // bool: skip rate limiting
)

// GetIdempotencyKey returns the validated key stashed by Idempotency.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether this request was answered from the store.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures header validation.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. Defaults to ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
}

// Replay is a stored response.
type Replay struct {
	Status int
	Body   []byte
}

// IdempotencyLookup returns the stored response for (userID, scope, key)
// that is still valid at now, or nil. TTL is the implementation's concern.
type IdempotencyLookup func(ctx context.Context, userID, scope, key string, now time.Time) (*Replay, error)

// IdempotencySave records a completed response.
type IdempotencySave func(ctx context.Context, userID, scope, key string, status int, body []byte) error

// Idempotency validates the Idempotency-Key header and replays or records
// responses for unsafe methods. Lookup and save failures are logged and
// otherwise ignored.
func Idempotency(opts IdempotencyOptions, lookup IdempotencyLookup, save IdempotencySave) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || !unsafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		ctx := c.Request.Context()
		uid := userIDFromCtx(c)
		scope := idempotencyScope(c)

		if lookup != nil {
			rep, err := lookup(ctx, uid, scope, key, time.Now().UTC())
			if err != nil {
				LoggerFrom(c).Warn().Err(err).Msg("idempotency lookup failed")
			}
			if rep != nil {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
				c.Header(HeaderIdempotentReplay, "true")
				c.Data(rep.Status, "application/json; charset=utf-8", rep.Body)
				c.Abort()
				return
			}
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if save == nil || status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return
		}
		if err := save(ctx, uid, scope, key, status, rec.buf.Bytes()); err != nil {
			LoggerFrom(c).Warn().Err(err).Msg("idempotency save failed")
		}
	}
}

// bodyRecorder tees the response body into buf.
type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func unsafeMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func idempotencyScope(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	if tok := c.Param("token"); tok != "" {
		return route + "#" + tok
	}
	return route
}

// userIDFromCtx mirrors the handlers' identity resolution: context value
// set by auth middleware, then the X-User-ID header, then "demo-user".
func userIDFromCtx(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}
