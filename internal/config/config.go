package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the application
type Config struct {
	// Database
	DatabaseURL string

	// Auth0
	Auth0Domain   string
	Auth0Audience string

	// Server
	Port               string
	CORSOrigins        []string
	Env                string
	RateLimitPerMinute int

	// Partner callbacks are signed with this shared secret
	CallbackSigningSecret string

	// Settlement rules
	HolidayCalendarFile string
	AdvanceCeiling      decimal.Decimal
	HoldReleaseInterval time.Duration

	// External collaborators
	DecoderTimeout time.Duration
	Gateway        GatewayConfig

	// Messaging and locking
	Kafka    KafkaConfig
	RedisURL string // Empty = in-process locks

	// S3 Storage
	S3 S3Config
}

// GatewayConfig holds the banking partner endpoint. An empty URL selects
// the in-memory sandbox.
type GatewayConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// KafkaConfig holds the brokers and topics intents and audit records go to
type KafkaConfig struct {
	Brokers     []string
	IntentTopic string
	AuditTopic  string
}

// Enabled reports whether any broker is configured
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// S3Config holds AWS S3 configuration
type S3Config struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // Optional: for MinIO/LocalStack local dev
}

// Enabled reports whether check image storage is configured
func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() (*Config, error) {
	var errs []string
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}
	durationVar := func(key string, def time.Duration) time.Duration {
		v, err := getEnvDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}

	ceiling, err := decimal.NewFromString(getEnv("ADVANCE_CEILING", "3500"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("ADVANCE_CEILING: %v", err))
	}

	cfg := &Config{
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		Auth0Domain:           getEnv("AUTH0_DOMAIN", ""),
		Auth0Audience:         getEnv("AUTH0_AUDIENCE", ""),
		Port:                  getEnv("PORT", "8080"),
		CORSOrigins:           splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		Env:                   getEnv("ENV", "development"),
		RateLimitPerMinute:    intVar("RATE_LIMIT_PER_MINUTE", 30),
		CallbackSigningSecret: getEnv("CALLBACK_SIGNING_SECRET", ""),
		HolidayCalendarFile:   getEnv("HOLIDAY_CALENDAR_FILE", "config/holidays.yaml"),
		AdvanceCeiling:        ceiling,
		HoldReleaseInterval:   durationVar("HOLD_RELEASE_INTERVAL", 15*time.Minute),
		DecoderTimeout:        durationVar("DECODER_TIMEOUT", 3*time.Second),
		Gateway: GatewayConfig{
			URL:     getEnv("GATEWAY_URL", ""),
			APIKey:  getEnv("GATEWAY_API_KEY", ""),
			Timeout: durationVar("GATEWAY_TIMEOUT", 10*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:     splitList(getEnv("KAFKA_BROKERS", "")),
			IntentTopic: getEnv("KAFKA_INTENT_TOPIC", "settlement.intents"),
			AuditTopic:  getEnv("KAFKA_AUDIT_TOPIC", "settlement.audit"),
		},
		RedisURL: getEnv("REDIS_URL", ""),
		S3: S3Config{
			Region:          getEnv("S3_REGION", "us-east-1"),
			Bucket:          getEnv("S3_BUCKET", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:        getEnv("S3_ENDPOINT", ""), // Empty = use AWS, set for MinIO/LocalStack
		},
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Auth0Domain == "" {
		return fmt.Errorf("AUTH0_DOMAIN is required")
	}
	if c.Auth0Audience == "" {
		return fmt.Errorf("AUTH0_AUDIENCE is required")
	}
	if c.CallbackSigningSecret == "" {
		return fmt.Errorf("CALLBACK_SIGNING_SECRET is required")
	}
	if !c.AdvanceCeiling.IsPositive() {
		return fmt.Errorf("ADVANCE_CEILING must be positive")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.Gateway.URL != "" && c.Gateway.APIKey == "" {
		return fmt.Errorf("GATEWAY_API_KEY is required when GATEWAY_URL is set")
	}
	if c.IsProduction() && c.Gateway.URL == "" {
		return fmt.Errorf("GATEWAY_URL is required in production")
	}
	return nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not an integer", key, value)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not a duration", key, value)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
