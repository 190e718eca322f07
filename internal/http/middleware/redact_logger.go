// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger. It scrubs request
// metadata before emitting it and never logs bodies:
//
//   - purchase and wallet-link tokens keep their prefix only (pt_[REDACTED])
//   - wallet addresses, UUIDs, emails and phone numbers are replaced
//   - Authorization, Cookie, Set-Cookie, X-Telegram-Init-Data and
//     X-Signature are masked, plus any header in RedactOptions.MaskHeaders
//
// It also attaches a request-scoped logger (request_id, method, route) to
// both the Gin context and the request context.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-lottery-backend/internal/numbers"
)

// RedactOptions configures additional scrub behavior for RedactingLogger.
type RedactOptions struct {
	// MaskHeaders lists extra header names (case-insensitive) whose values
	// are replaced with "[REDACTED]".
	MaskHeaders []string
}

var (
	tokenRE  = regexp.MustCompile(`\b(pt|ct)_[0-9a-f]{8}_[1-9A-HJ-NP-Za-km-z]+`)
	walletRE = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{32,44}\b`)
	uuidRE   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE  = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE  = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// Redact scrubs tokens, wallet addresses and common PII from s.
// Tokens and addresses go first: they contain digit runs the phone
// pattern would otherwise eat.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = tokenRE.ReplaceAllString(s, "${1}_[REDACTED]")
	s = walletRE.ReplaceAllString(s, "[REDACTED:wallet]")
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	s = phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
	return s
}

// RedactingLogger returns the scrubbing access logger. Level is INFO, WARN
// for 4xx and ERROR for 5xx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := map[string]struct{}{
		"authorization":        {},
		"cookie":               {},
		"set-cookie":           {},
		"x-telegram-init-data": {},
		"x-signature":          {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			maskHeaders[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = Redact(c.Request.URL.Path)
		}
		safeQuery := Redact(truncate(c.Request.URL.RawQuery, maxQueryLogLength))

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = Redact(strings.Join(vv, ", "))
		}

		reqID := c.Writer.Header().Get(requestIDHeader)
		if reqID == "" {
			reqID = c.GetHeader(requestIDHeader)
		}
		attachLogger(c, log.With().
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger())

		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= 500 || len(c.Errors) > 0:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		if v, ok := c.Get("userID"); ok {
			if uid := asString(v); uid != "" {
				ev = ev.Str("user_tag", numbers.UserTag(uid))
			}
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", Redact(c.Errors.String()))
		}

		ev.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
