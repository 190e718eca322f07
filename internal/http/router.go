// Package httpapi wires the HTTP transport (Gin) to the purchase service,
// middleware and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, Telegram auth, idempotency and rate limiting.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-lottery-backend/internal/config"
	"github.com/tbourn/go-lottery-backend/internal/http/handlers"
	"github.com/tbourn/go-lottery-backend/internal/http/middleware"
	"github.com/tbourn/go-lottery-backend/internal/payments"
	"github.com/tbourn/go-lottery-backend/internal/repo"
	"github.com/tbourn/go-lottery-backend/internal/services"
)

// RegisterRoutes attaches all middleware and HTTP endpoints to r and mounts
// the public API under cfg.APIBasePath.
//
// Global middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. RedactingLogger
//  4. Recovery
//  5. Body size limiter
//  6. Metrics
//  7. CORS and security headers
//
// The API group then adds, in order, Telegram initData auth (when a bot
// token is configured), Idempotency and the per-user rate limiter. Auth runs
// first so idempotency records and rate buckets are keyed by the verified
// user. The payment webhook sits in its own group: it authenticates with
// its HMAC signature and is limited per IP.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, svc handlers.PurchaseAPI, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(svc, cfg.Payment.WebhookSecret)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())

	// Provider callbacks
	hooks := groupWithPrefix(r, cfg.APIBasePath)
	hooks.POST("/webhooks/payment", rl.Handler(), h.PaymentWebhook)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	if cfg.Telegram.Token != "" {
		api.Use(middleware.TelegramAuth(cfg.Telegram.Token, cfg.Telegram.InitDataMaxAge, cfg.Telegram.RequireAuth))
	}
	api.Use(middleware.Idempotency(middleware.IdempotencyOptions{MaxLen: 200},
		idempotencyLookup(db), idempotencySave(db, cfg.IdempotencyTTL)))
	api.Use(rl.Handler())
	api.Use(acceptLanguage())
	{
		// Purchase responses carry tokens and unsigned transactions.
		p := api.Group("/purchases", middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true}))
		p.POST("", h.CreatePurchase)
		p.GET("/:token", h.GetPurchase)
		p.POST("/:token/wallet", h.ConnectWallet)
		p.POST("/:token/transfer", h.PrepareTransfer)
		p.POST("/:token/payment", h.ConfirmPayment)
		p.POST("/:token/selection", h.EnterSelection)
		p.POST("/:token/numbers", h.SelectNumber)
		p.POST("/:token/special", h.SetSpecial)
		p.POST("/:token/quickpick", h.QuickPick)
		p.POST("/:token/tickets", h.SubmitTicket)

		// Wallets
		api.POST("/wallets/link", h.LinkWallet)
		api.POST("/wallets/connect-link", h.CreateConnectLink)
		api.POST("/wallets/validate", h.ValidateWallet)
		api.GET("/wallets/:user", h.GetWallet)

		api.GET("/payments", h.ListPayments)

		// Tickets
		api.GET("/tickets", gzip.Gzip(gzip.DefaultCompression), h.ListTickets)
	}
}

// idempotencyLookup adapts the repository to middleware.IdempotencyLookup.
func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	return func(ctx context.Context, userID, scope, key string, now time.Time) (*middleware.Replay, error) {
		rec, err := repo.GetIdempotency(ctx, db, userID, scope, key, now)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &middleware.Replay{Status: rec.Status, Body: []byte(rec.Body)}, nil
	}
}

// idempotencySave adapts the repository to middleware.IdempotencySave. A
// concurrent duplicate already holds an equivalent response.
func idempotencySave(db *gorm.DB, ttl time.Duration) middleware.IdempotencySave {
	return func(ctx context.Context, userID, scope, key string, status int, body []byte) error {
		_, err := repo.CreateIdempotency(ctx, db, userID, scope, key, status, string(body), ttl)
		if errors.Is(err, repo.ErrDuplicate) {
			return nil
		}
		return err
	}
}

// corsMiddleware allows every origin when none are configured, otherwise
// only the allowlist.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Accept-Language", "Authorization", "X-User-ID",
		middleware.HeaderIdempotencyKey, middleware.HeaderTelegramInitData, payments.SignatureHeader,
	}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", middleware.HeaderIdempotentReplay}

	if len(origins) == 0 {
		return []gin.HandlerFunc{
			// ACAO: * even without an Origin header (simple health checks).
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins:  true,
				AllowMethods:     []string{"GET", "POST", "OPTIONS"},
				AllowHeaders:     allowHeaders,
				ExposeHeaders:    exposeHeaders,
				AllowCredentials: false,
				MaxAge:           12 * time.Hour,
			}),
		}
	}
	return []gin.HandlerFunc{cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     allowHeaders,
		ExposeHeaders:    exposeHeaders,
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})}
}

// acceptLanguage formats buyer messages in the request's preferred language.
func acceptLanguage() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h := c.GetHeader("Accept-Language"); h != "" {
			c.Request = c.Request.WithContext(services.WithLocale(c.Request.Context(), services.ParseLocale(h)))
		}
		c.Next()
	}
}

// limitBody caps the request body at maxBytes; larger bodies fail to read.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
