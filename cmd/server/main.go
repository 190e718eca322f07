// Command server runs the lottery purchase API and, when a bot token is
// configured, the Telegram bot in the same process.
//
// @title                      Crypto Lottery API
// @version                    1.0
// @description                Purchase flow for crypto lottery tickets: buy request, wallet connection, payment confirmation and number selection.
// @BasePath                   /api/v1
// @securityDefinitions.apikey TelegramInitData
// @in                         header
// @name                       X-Telegram-Init-Data
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-lottery-backend/docs"
	"github.com/tbourn/go-lottery-backend/internal/bot"
	"github.com/tbourn/go-lottery-backend/internal/config"
	httpapi "github.com/tbourn/go-lottery-backend/internal/http"
	"github.com/tbourn/go-lottery-backend/internal/http/middleware"
	"github.com/tbourn/go-lottery-backend/internal/ledger"
	"github.com/tbourn/go-lottery-backend/internal/observability"
	"github.com/tbourn/go-lottery-backend/internal/payments"
	"github.com/tbourn/go-lottery-backend/internal/repo"
	"github.com/tbourn/go-lottery-backend/internal/services"
	"github.com/tbourn/go-lottery-backend/internal/session"
	"github.com/tbourn/go-lottery-backend/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const idempotencyPurgeInterval = 10 * time.Minute

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		sysutil.ConfigureLogger("info", true, os.Stderr)
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	sysutil.ConfigureLogger(cfg.LogLevel, cfg.LogPretty, os.Stderr)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	// Ticket store
	db, err := repo.Open(cfg.DB)
	if err != nil {
		return err
	}
	if err := repo.Instrument(db); err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	go purgeIdempotency(ctx, db)

	// Session store
	sessions, closeSessions, err := session.New(ctx, cfg.Session)
	if err != nil {
		return err
	}
	defer func() { _ = closeSessions() }()
	if mem, ok := sessions.(*session.Memory); ok {
		go mem.Run(ctx, cfg.Session.SweepInterval)
	}

	// Purchase flow
	chain := ledger.New(cfg.Ledger)
	confirmer, err := payments.NewConfirmer(cfg, chain)
	if err != nil {
		return err
	}
	svc := services.NewPurchaseService(cfg, repo.NewStore(db), sessions, chain, confirmer)

	docs.SwaggerInfo.Version = version
	docs.SwaggerInfo.BasePath = cfg.APIBasePath

	r := gin.New()
	httpapi.RegisterRoutes(r, db, svc, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.Telegram.Token != "" {
		limiter := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, nil)
		b, err := bot.New(cfg.Telegram.Token, cfg.Telegram.Debug, svc, limiter)
		if err != nil {
			return err
		}
		go func() {
			if err := b.Listen(ctx); err != nil {
				errCh <- err
			}
		}()
	} else {
		log.Warn().Msg("TELEGRAM_TOKEN is empty, bot disabled")
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// purgeIdempotency deletes expired Idempotency-Key records until ctx is done.
func purgeIdempotency(ctx context.Context, db *gorm.DB) {
	t := time.NewTicker(idempotencyPurgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeIdempotency(ctx, db, now)
			if err != nil {
				log.Warn().Err(err).Msg("purge idempotency keys")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("purged idempotency keys")
			}
		}
	}
}
