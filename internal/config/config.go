// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, the ticket database, the purchase session store, the ledger RPC
// node, lottery pricing, payment confirmation and the chat bot.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-lottery-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the ticket store backend.
type DBConfig struct {
	Driver string // sqlite|postgres|mysql
	Path   string // SQLite file (sqlite driver)
	DSN    string // DATABASE_URL (postgres/mysql drivers)
}

// SessionConfig selects where in-flight purchase sessions live.
type SessionConfig struct {
	Backend       string        // memory|redis
	RedisAddr     string        // host:port
	RedisPassword string        //
	RedisDB       int           //
	SweepInterval time.Duration // memory backend janitor period
}

// LedgerConfig points at the blockchain JSON-RPC node.
type LedgerConfig struct {
	RPCURL       string        // LEDGER_RPC_URL
	Timeout      time.Duration // per call
	MaxRetries   int           // extra attempts for balance reads only
	RetryBackoff time.Duration // base delay between balance read attempts
	Treasury     string        // address receiving ticket payments
	NativeSymbol string        // e.g. "SOL"
}

// LotteryConfig holds the economic and timing parameters of a purchase.
type LotteryConfig struct {
	TicketPrice  decimal.Decimal // fiat-equivalent price per ticket
	Currency     string          // fiat-equivalent currency label
	NativeRate   decimal.Decimal // fiat-equivalent units per one native unit
	PurchaseTTL  time.Duration   // purchase session lifetime
	ConnectTTL   time.Duration   // standalone wallet-link token lifetime
	DrawInterval time.Duration   // draw date offset from purchase time
	WebBaseURL   string          // origin of the web picker / pay page
	Locale       string          // default BCP 47 tag for buyer messages
}

// PaymentConfig selects the payment confirmation strategy.
type PaymentConfig struct {
	Mode          string // ledger|mock; defaults to ledger when a treasury is set
	WebhookSecret string // HMAC secret for provider callbacks
}

// TelegramConfig configures the chat adapter. An empty token disables it.
type TelegramConfig struct {
	Token          string
	Debug          bool
	InitDataMaxAge time.Duration // Mini App initData freshness window
	RequireAuth    bool          // reject API calls without initData
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DB      DBConfig
	Session SessionConfig

	// Domain
	Ledger   LedgerConfig
	Lottery  LotteryConfig
	Payment  PaymentConfig
	Telegram TelegramConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "lottery.db"),
			DSN:    getenv("DATABASE_URL", ""),
		},
		Session: SessionConfig{
			Backend:       strings.ToLower(getenv("SESSION_BACKEND", "memory")),
			RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getint("REDIS_DB", 0),
			SweepInterval: getdur("SWEEP_INTERVAL", time.Minute),
		},

		// Domain
		Ledger: LedgerConfig{
			RPCURL:       getenv("LEDGER_RPC_URL", "https://api.devnet.solana.com"),
			Timeout:      getdur("LEDGER_TIMEOUT", 8*time.Second),
			MaxRetries:   getint("LEDGER_MAX_RETRIES", 2),
			RetryBackoff: getdur("LEDGER_RETRY_BACKOFF", 250*time.Millisecond),
			Treasury:     getenv("TREASURY_ADDRESS", ""),
			NativeSymbol: getenv("NATIVE_SYMBOL", "SOL"),
		},
		Lottery: LotteryConfig{
			TicketPrice:  getdecimal("TICKET_PRICE", decimal.NewFromInt(5)),
			Currency:     strings.ToUpper(getenv("PRICE_CURRENCY", "USDC")),
			NativeRate:   getdecimal("NATIVE_RATE", decimal.NewFromInt(100)),
			PurchaseTTL:  getdur("PURCHASE_TTL", 15*time.Minute),
			ConnectTTL:   getdur("CONNECT_TTL", 10*time.Minute),
			DrawInterval: getdur("DRAW_INTERVAL", 7*24*time.Hour),
			WebBaseURL:   strings.TrimRight(getenv("WEB_BASE_URL", "http://localhost:3000"), "/"),
			Locale:       strings.TrimSpace(getenv("LOCALE", "en")),
		},
		Payment: PaymentConfig{
			Mode:          strings.ToLower(getenv("PAYMENT_MODE", "")),
			WebhookSecret: getenv("PAYMENT_WEBHOOK_SECRET", ""),
		},
		Telegram: TelegramConfig{
			Token:          getenv("TELEGRAM_TOKEN", ""),
			Debug:          getbool("TELEGRAM_DEBUG", false),
			InitDataMaxAge: getdur("TELEGRAM_INITDATA_MAX_AGE", 24*time.Hour),
			RequireAuth:    getbool("TELEGRAM_REQUIRE_AUTH", false),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-lottery-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = "postgres"
	}
	// Without a treasury there is nothing to pay into; fall back to simulated payments.
	if cfg.Payment.Mode == "" {
		cfg.Payment.Mode = "mock"
		if strings.TrimSpace(cfg.Ledger.Treasury) != "" {
			cfg.Payment.Mode = "ledger"
		}
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}

	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return cfg, errors.New("DATABASE_URL is required for DB_DRIVER=" + cfg.DB.Driver)
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres, mysql")
	}

	switch cfg.Session.Backend {
	case "memory":
		if cfg.Session.SweepInterval <= 0 {
			return cfg, errors.New("SWEEP_INTERVAL must be > 0")
		}
	case "redis":
		if strings.TrimSpace(cfg.Session.RedisAddr) == "" {
			return cfg, errors.New("REDIS_ADDR must not be empty")
		}
	default:
		return cfg, errors.New("SESSION_BACKEND must be one of: memory, redis")
	}

	if strings.TrimSpace(cfg.Ledger.RPCURL) == "" {
		return cfg, errors.New("LEDGER_RPC_URL must not be empty")
	}
	if cfg.Ledger.Timeout <= 0 {
		return cfg, errors.New("LEDGER_TIMEOUT must be > 0")
	}
	if cfg.Ledger.MaxRetries < 0 || cfg.Ledger.MaxRetries > 5 {
		return cfg, errors.New("LEDGER_MAX_RETRIES must be between 0 and 5")
	}

	if !cfg.Lottery.TicketPrice.IsPositive() {
		return cfg, errors.New("TICKET_PRICE must be > 0")
	}
	if !cfg.Lottery.NativeRate.IsPositive() {
		return cfg, errors.New("NATIVE_RATE must be > 0")
	}
	if cfg.Lottery.PurchaseTTL < 10*time.Minute || cfg.Lottery.PurchaseTTL > 15*time.Minute {
		return cfg, errors.New("PURCHASE_TTL must be between 10m and 15m")
	}
	if cfg.Lottery.ConnectTTL <= 0 {
		return cfg, errors.New("CONNECT_TTL must be > 0")
	}
	if cfg.Lottery.DrawInterval <= 0 {
		return cfg, errors.New("DRAW_INTERVAL must be > 0")
	}
	if _, err := language.Parse(cfg.Lottery.Locale); err != nil {
		return cfg, errors.New("LOCALE must be a BCP 47 language tag")
	}

	switch cfg.Payment.Mode {
	case "mock":
	case "ledger":
		if strings.TrimSpace(cfg.Ledger.Treasury) == "" {
			return cfg, errors.New("TREASURY_ADDRESS is required when PAYMENT_MODE=ledger")
		}
	default:
		return cfg, errors.New("PAYMENT_MODE must be one of: ledger, mock")
	}

	if cfg.Telegram.RequireAuth && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return cfg, errors.New("TELEGRAM_TOKEN is required when TELEGRAM_REQUIRE_AUTH is set")
	}

	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getdecimal parses money-like values without float rounding.
func getdecimal(k string, def decimal.Decimal) decimal.Decimal {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
