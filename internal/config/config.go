package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string

	DatabaseURL string
	// LedgerDSN is memory://, sqlite://<path> or postgres (uses DatabaseURL).
	// It defaults to postgres whenever DatabaseURL is set.
	LedgerDSN string

	BusURL      string
	BusExchange string
	BusQueue    string
	BusWorkers  int
	RedisURL    string

	WhatsAppVerifyToken   string
	WhatsAppAppSecret     string
	WhatsAppAccessToken   string
	WhatsAppPhoneNumberID string
	WhatsAppAPIBase       string

	OpenAIAPIKey   string
	OpenAIBaseURL  string
	EmbeddingModel string

	ClerkWebhookSecret string
	JWTSecret          string

	TelegramBotToken    string
	TelegramAlertChatID int64

	// BucketRoot holds directory buckets when no S3 endpoint is configured.
	BucketRoot  string
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool

	CRMBaseURL string
	CRMAPIKey  string

	StepMaxAttempts  int
	StepTimeout      time.Duration
	TenantRatePerSec float64
	TenantRateBurst  int

	LogLevel  string
	LogFormat string
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	databaseURL := strings.TrimSpace(getenv("DATABASE_URL"))
	defaultLedger := "memory://"
	if databaseURL != "" {
		defaultLedger = "postgres"
	}
	cfg := Config{
		HTTPAddr:              p.envOr("HTTP_ADDR", ":8080"),
		DatabaseURL:           databaseURL,
		LedgerDSN:             p.envOr("LEDGER_DSN", defaultLedger),
		BusURL:                p.envOr("BUS_URL", "memory://"),
		BusExchange:           p.envOr("BUS_EXCHANGE", "zapia.events"),
		BusQueue:              p.envOr("BUS_QUEUE", "zapia.workflows"),
		BusWorkers:            p.intEnv("BUS_WORKERS", 4),
		RedisURL:              getenv("REDIS_URL"),
		WhatsAppVerifyToken:   getenv("WHATSAPP_VERIFY_TOKEN"),
		WhatsAppAppSecret:     getenv("WHATSAPP_APP_SECRET"),
		WhatsAppAccessToken:   getenv("WHATSAPP_ACCESS_TOKEN"),
		WhatsAppPhoneNumberID: getenv("WHATSAPP_PHONE_NUMBER_ID"),
		WhatsAppAPIBase:       p.envOr("WHATSAPP_API_BASE", "https://graph.facebook.com/v21.0"),
		OpenAIAPIKey:          getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:         getenv("OPENAI_BASE_URL"),
		EmbeddingModel:        p.envOr("EMBEDDING_MODEL", "text-embedding-3-small"),
		ClerkWebhookSecret:    getenv("CLERK_WEBHOOK_SECRET"),
		JWTSecret:             getenv("JWT_SECRET"),
		TelegramBotToken:      getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAlertChatID:   p.int64Env("TELEGRAM_ALERT_CHAT_ID", 0),
		BucketRoot:            p.envOr("BUCKET_ROOT", "./data/buckets"),
		S3Endpoint:            getenv("S3_ENDPOINT"),
		S3Region:              p.envOr("S3_REGION", "us-east-1"),
		S3AccessKey:           getenv("S3_ACCESS_KEY_ID"),
		S3SecretKey:           getenv("S3_SECRET_ACCESS_KEY"),
		S3UseSSL:              p.boolEnv("S3_USE_SSL", true),
		CRMBaseURL:            getenv("CRM_BASE_URL"),
		CRMAPIKey:             getenv("CRM_API_KEY"),
		StepMaxAttempts:       p.intEnv("STEP_MAX_ATTEMPTS", 4),
		StepTimeout:           p.durationEnv("STEP_TIMEOUT", 30*time.Second),
		TenantRatePerSec:      p.floatEnv("TENANT_RATE_PER_SEC", 5),
		TenantRateBurst:       p.intEnv("TENANT_RATE_BURST", 10),
		LogLevel:              strings.ToLower(p.envOr("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(p.envOr("LOG_FORMAT", "text")),
	}
	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.BusWorkers < 1 {
		errs = append(errs, errors.New("BUS_WORKERS must be at least 1"))
	}
	if c.StepMaxAttempts < 1 {
		errs = append(errs, errors.New("STEP_MAX_ATTEMPTS must be at least 1"))
	}
	if c.LedgerDSN == "postgres" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("LEDGER_DSN=postgres requires DATABASE_URL"))
	}
	if c.S3Endpoint != "" && (c.S3AccessKey == "" || c.S3SecretKey == "") {
		errs = append(errs, errors.New("S3_ENDPOINT requires S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY"))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) envOr(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) intEnv(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) int64Env(key string, def int64) int64 {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) floatEnv(key string, def float64) float64 {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) boolEnv(key string, def bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) durationEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
