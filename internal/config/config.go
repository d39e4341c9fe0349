package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultAppName        = "TransferD"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultTransferLimit  = "1000000.00"

	defaultRabbitExchange   = "transfers.scheduled"
	defaultRabbitQueue      = "transfers.scheduled.execute"
	defaultRabbitRoutingKey = "transfers.scheduled.hint"
	defaultNotifyExchange   = "transfers.notifications"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName     string
	Env         string
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	// CardSealSecret keys card encryption in pending withdrawals. Empty
	// falls back to JWTSecret.
	CardSealSecret string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	AccessTokenTTL time.Duration
	// ConfirmRateLimit caps OTP confirm and resend calls per requester per minute.
	ConfirmRateLimit int
	TransferLimit    decimal.Decimal

	RabbitMQ RabbitMQConfig
	OTP      OTPConfig
	Schedule ScheduleConfig
	Ledger   LedgerConfig
}

// RabbitMQConfig holds broker settings. An empty URL selects the in-process queue.
type RabbitMQConfig struct {
	URL            string
	Exchange       string
	Queue          string
	RoutingKey     string
	NotifyExchange string
}

// OTPConfig governs one-time codes and the pending operations they confirm.
type OTPConfig struct {
	TTL               time.Duration
	ResendCooldown    time.Duration
	Retention         time.Duration
	SweepInterval     time.Duration
	HashCost          int
	PendingTTL        time.Duration
	MaxVerifyAttempts int
}

// ScheduleConfig governs the scheduled-transfer publisher and executor.
type ScheduleConfig struct {
	DueInterval   time.Duration
	DueLookahead  time.Duration
	RetryInterval time.Duration
	RetryBackoff  time.Duration
	MaxRetry      int
	RecoveryBatch int
	Workers       int
	CacheTTL      time.Duration
}

// LedgerConfig bounds the caller-side retry of optimistic-lock conflicts.
type LedgerConfig struct {
	ConflictRetries uint64
	ConflictBackoff time.Duration
}

// Load reads configuration values from the environment and populates a Config instance.
// A .env file in the working directory is honoured when present.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		Env:            getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		CardSealSecret: os.Getenv("CARD_SEAL_SECRET"),
		RabbitMQ: RabbitMQConfig{
			URL:            os.Getenv("RABBITMQ_URL"),
			Exchange:       getEnv("RABBITMQ_EXCHANGE", defaultRabbitExchange),
			Queue:          getEnv("RABBITMQ_QUEUE", defaultRabbitQueue),
			RoutingKey:     getEnv("RABBITMQ_ROUTING_KEY", defaultRabbitRoutingKey),
			NotifyExchange: getEnv("NOTIFY_EXCHANGE", defaultNotifyExchange),
		},
	}

	var err error
	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", defaultShutdownDelay, &cfg.ShutdownPeriod},
		{"IDEMPOTENCY_TTL", defaultIdempotencyTTL, &cfg.IdempotencyTTL},
		{"ACCESS_TOKEN_TTL", time.Hour, &cfg.AccessTokenTTL},
		{"OTP_TTL", 5 * time.Minute, &cfg.OTP.TTL},
		{"OTP_RESEND_COOLDOWN", 60 * time.Second, &cfg.OTP.ResendCooldown},
		{"OTP_RETENTION", time.Minute, &cfg.OTP.Retention},
		{"OTP_SWEEP_INTERVAL", time.Minute, &cfg.OTP.SweepInterval},
		{"PENDING_OP_TTL", 5 * time.Minute, &cfg.OTP.PendingTTL},
		{"DUE_SCAN_INTERVAL", 60 * time.Second, &cfg.Schedule.DueInterval},
		{"DUE_LOOKAHEAD", 2 * time.Minute, &cfg.Schedule.DueLookahead},
		{"RETRY_SCAN_INTERVAL", 15 * time.Minute, &cfg.Schedule.RetryInterval},
		{"RETRY_BACKOFF", 15 * time.Minute, &cfg.Schedule.RetryBackoff},
		{"SCHEDULE_CACHE_TTL", 5 * time.Minute, &cfg.Schedule.CacheTTL},
		{"CONFLICT_BACKOFF", 50 * time.Millisecond, &cfg.Ledger.ConflictBackoff},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.fallback); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"OTP_HASH_COST", 10, &cfg.OTP.HashCost},
		{"MAX_VERIFY_ATTEMPTS", 3, &cfg.OTP.MaxVerifyAttempts},
		{"MAX_RETRY", 3, &cfg.Schedule.MaxRetry},
		{"RECOVERY_BATCH_SIZE", 100, &cfg.Schedule.RecoveryBatch},
		{"EXECUTOR_WORKERS", 4, &cfg.Schedule.Workers},
		{"CONFIRM_RATE_LIMIT", 10, &cfg.ConfirmRateLimit},
	}
	for _, i := range ints {
		if *i.dst, err = getInt(i.key, i.fallback); err != nil {
			return Config{}, err
		}
	}

	retries, err := getInt("CONFLICT_RETRIES", 3)
	if err != nil {
		return Config{}, err
	}
	cfg.Ledger.ConflictRetries = uint64(retries)

	cfg.TransferLimit, err = decimal.NewFromString(getEnv("TRANSFER_LIMIT", defaultTransferLimit))
	if err != nil {
		return Config{}, fmt.Errorf("invalid TRANSFER_LIMIT: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.OTP.PendingTTL < c.OTP.TTL {
		return fmt.Errorf("PENDING_OP_TTL (%s) must not be shorter than OTP_TTL (%s)", c.OTP.PendingTTL, c.OTP.TTL)
	}
	if c.OTP.MaxVerifyAttempts <= 0 {
		return fmt.Errorf("MAX_VERIFY_ATTEMPTS must be positive")
	}
	if c.Schedule.RecoveryBatch <= 0 {
		return fmt.Errorf("RECOVERY_BATCH_SIZE must be positive")
	}
	if c.Schedule.Workers <= 0 {
		return fmt.Errorf("EXECUTOR_WORKERS must be positive")
	}
	if !c.TransferLimit.IsPositive() {
		return fmt.Errorf("TRANSFER_LIMIT must be positive")
	}
	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", c.Env)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", c.Env)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set when APP_ENV=%s", c.Env)
	}
	return nil
}

// IsDev reports whether the service runs in a local development mode, where
// missing backends fall back to in-memory implementations.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.Env) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration accepts either KEY_SECONDS as an integer or KEY as a Go duration.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", key, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
