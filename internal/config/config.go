package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	// Database
	StoreBackend string `validate:"oneof=postgres memory"`
	DBHost       string
	DBPort       string
	DBUser       string
	DBPassword   string
	DBName       string
	DBSSLMode    string

	// MemoryMeetings seeds the memory backend: "name=meet-link,..."
	MemoryMeetings string

	// Redis (optional: distributed locks + rate limiter storage)
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration `validate:"gt=0"`

	// JWT for the operator RPC surface
	JWTSecret string `validate:"required"`

	// Provider (push-notification channel API)
	ProviderBaseURL     string        `validate:"required,url"`
	ProviderAccessToken string        `validate:"required"`
	ProviderTimeout     time.Duration `validate:"gt=0"`
	ProviderMaxRetries  int           `validate:"gte=0,lte=10"`
	ProviderBaseDelay   time.Duration `validate:"gt=0"`
	ProviderMaxDelay    time.Duration `validate:"gt=0"`
	OperationTimeout    time.Duration `validate:"gt=0"`

	// Meet events settings
	EnableMeetEvents      bool
	WebhookCallbackURL    string        `validate:"required,url"`
	CalendarID            string        `validate:"required"`
	ChannelTTL            time.Duration `validate:"gt=0"`
	RotateSecretOnRenewal bool
	LateDeliveryGrace     time.Duration `validate:"gte=0"`
	WebhookMaxPayload     int           `validate:"gt=0"`

	// Renewal sweeper (0 disables the in-process ticker)
	RenewInterval  time.Duration `validate:"gte=0"`
	RenewThreshold time.Duration `validate:"gt=0"`

	// Server
	Port        string
	CORSOrigins string
	SentryDSN   string
	Environment string
	LogLevel    string

	SystemLogRetention time.Duration `validate:"gt=0"`
}

func Load() *Config {
	loadDotEnv()

	return &Config{
		StoreBackend: getEnv("STORE_BACKEND", "postgres"),
		DBHost:       getEnv("DB_HOST", "localhost"),
		DBPort:       getEnv("DB_PORT", "5432"),
		DBUser:       getEnv("DB_USER", "postgres"),
		DBPassword:   getEnv("DB_PASSWORD", ""),
		DBName:       getEnv("DB_NAME", "meetsub_db"),
		DBSSLMode:    getEnv("DB_SSLMODE", "disable"),

		MemoryMeetings: getEnv("MEMORY_MEETINGS", ""),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       parseInt(getEnv("REDIS_DB", "0"), 0),
		LockTTL:       parseDuration(getEnv("LOCK_TTL", "90s"), 90*time.Second),

		JWTSecret: getEnv("JWT_SECRET", ""),

		ProviderBaseURL:     getEnv("PROVIDER_BASE_URL", "https://www.googleapis.com/calendar/v3"),
		ProviderAccessToken: getEnv("PROVIDER_ACCESS_TOKEN", ""),
		ProviderTimeout:     parseDuration(getEnv("PROVIDER_TIMEOUT", "10s"), 10*time.Second),
		ProviderMaxRetries:  parseInt(getEnv("PROVIDER_MAX_RETRIES", "2"), 2),
		ProviderBaseDelay:   parseDuration(getEnv("PROVIDER_BASE_DELAY", "200ms"), 200*time.Millisecond),
		ProviderMaxDelay:    parseDuration(getEnv("PROVIDER_MAX_DELAY", "2s"), 2*time.Second),
		OperationTimeout:    parseDuration(getEnv("OPERATION_TIMEOUT", "45s"), 45*time.Second),

		EnableMeetEvents:      parseBool(getEnv("ENABLE_MEET_EVENTS", "true")),
		WebhookCallbackURL:    getEnv("WEBHOOK_CALLBACK_URL", ""),
		CalendarID:            getEnv("CALENDAR_ID", "primary"),
		ChannelTTL:            parseDuration(getEnv("CHANNEL_TTL", "168h"), 168*time.Hour),
		RotateSecretOnRenewal: parseBool(getEnv("ROTATE_SECRET_ON_RENEWAL", "false")),
		LateDeliveryGrace:     parseDuration(getEnv("LATE_DELIVERY_GRACE", "15m"), 15*time.Minute),
		WebhookMaxPayload:     parseInt(getEnv("WEBHOOK_MAX_PAYLOAD_BYTES", "16384"), 16384),

		RenewInterval:  parseDuration(getEnv("RENEW_INTERVAL", "15m"), 15*time.Minute),
		RenewThreshold: parseDuration(getEnv("RENEW_THRESHOLD", "24h"), 24*time.Hour),

		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnv("CORS_ORIGINS", "*"),
		SentryDSN:   getEnv("SENTRY_DSN", ""),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		SystemLogRetention: parseDuration(getEnv("SYSTEM_LOG_RETENTION", "720h"), 720*time.Hour),
	}
}

var validate = validator.New()

// Validate checks struct tags and the cross-field timeout rule: a provider
// call must always finish before the manager operation that issued it.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.ProviderTimeout >= c.OperationTimeout {
		return errors.New("invalid config: PROVIDER_TIMEOUT must be shorter than OPERATION_TIMEOUT")
	}
	if c.LockTTL <= c.OperationTimeout {
		return errors.New("invalid config: LOCK_TTL must be longer than OPERATION_TIMEOUT")
	}
	if c.StoreBackend == "postgres" && c.DBPassword == "" {
		return errors.New("invalid config: DB_PASSWORD is required for the postgres backend")
	}
	return nil
}

func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" port=" + c.DBPort +
		" sslmode=" + c.DBSSLMode +
		" TimeZone=UTC"
}

func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// loadDotEnv merges a local .env file into the process environment without
// overriding variables that are already set.
func loadDotEnv() {
	for _, path := range []string{".env", "../../.env"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			slog.Warn("failed to load env file", "path", path, "error", err)
		}
		return
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
