package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderTelegramInitData carries the Mini App initData string.
const HeaderTelegramInitData = "X-Telegram-Init-Data"

var (
	errInitDataMissing = errors.New("init data missing")
	errInitDataInvalid = errors.New("init data signature mismatch")
	errInitDataExpired = errors.New("init data expired")
)

// TelegramUser is the user object embedded in initData.
type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// ValidateInitData verifies a Telegram Mini App initData string signed with
// botToken and returns its user. maxAge <= 0 disables the auth_date check.
//
// secret = HMAC-SHA256(key "WebAppData", botToken)
// hash   = hex(HMAC-SHA256(secret, sorted "k=v" lines without hash))
func ValidateInitData(initData, botToken string, maxAge time.Duration, now time.Time) (*TelegramUser, error) {
	if initData == "" || botToken == "" {
		return nil, errInitDataMissing
	}
	params, err := url.ParseQuery(initData)
	if err != nil {
		return nil, errInitDataInvalid
	}
	hash := params.Get("hash")
	if hash == "" {
		return nil, errInitDataInvalid
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + params.Get(k)
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	want := mac.Sum(nil)

	got, err := hex.DecodeString(hash)
	if err != nil || !hmac.Equal(got, want) {
		return nil, errInitDataInvalid
	}

	if maxAge > 0 {
		ts, err := strconv.ParseInt(params.Get("auth_date"), 10, 64)
		if err != nil || now.Sub(time.Unix(ts, 0)) > maxAge {
			return nil, errInitDataExpired
		}
	}

	var u TelegramUser
	if err := json.Unmarshal([]byte(params.Get("user")), &u); err != nil || u.ID == 0 {
		return nil, errInitDataInvalid
	}
	return &u, nil
}

// TelegramAuth authenticates Mini App requests from initData (header, or
// tg_init_data query parameter) and sets "userID" and "username" on the
// context. Requests without initData pass through unless required is set;
// requests with bad initData always get 401.
func TelegramAuth(botToken string, maxAge time.Duration, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderTelegramInitData)
		if raw == "" {
			raw = c.Query("tg_init_data")
		}
		if raw == "" && !required {
			c.Next()
			return
		}

		u, err := ValidateInitData(raw, botToken, maxAge, time.Now())
		if err != nil {
			LoggerFrom(c).Warn().Err(err).Msg("telegram auth rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "unauthorized",
				"message":    "invalid Telegram init data",
			})
			return
		}
		c.Set("userID", strconv.FormatInt(u.ID, 10))
		c.Set("username", u.Username)
		c.Next()
	}
}
