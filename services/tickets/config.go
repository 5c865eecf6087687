package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the tickets service.
type Config struct {
	Port        string `mapstructure:"PORT"`
	ServiceName string `mapstructure:"SERVICE_NAME"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`

	DatabaseHost     string `mapstructure:"DATABASE_HOST"`
	DatabasePort     string `mapstructure:"DATABASE_PORT"`
	DatabaseUser     string `mapstructure:"DATABASE_USER"`
	DatabasePassword string `mapstructure:"DATABASE_PASSWORD"`
	DatabaseName     string `mapstructure:"DATABASE_NAME"`

	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DB"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	RabbitMQURL     string        `mapstructure:"RABBITMQ_URL"`
	RoomsServiceURL string        `mapstructure:"ROOMS_SERVICE_URL"`
	RoomsTimeout    time.Duration `mapstructure:"ROOMS_TIMEOUT"`

	DTMServer        string `mapstructure:"DTM_SERVER"`
	PaymentRefundURL string `mapstructure:"PAYMENT_REFUND_URL"`

	WebhookSecret    string        `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `mapstructure:"WEBHOOK_TOLERANCE"`

	TicketSigningKey string `mapstructure:"TICKET_SIGNING_KEY"`
	TicketIssuerName string `mapstructure:"TICKET_ISSUER"`

	SideEffectSchedule    string        `mapstructure:"SIDE_EFFECT_SCHEDULE"`
	SideEffectBatchSize   int           `mapstructure:"SIDE_EFFECT_BATCH_SIZE"`
	SideEffectMaxAttempts int           `mapstructure:"SIDE_EFFECT_MAX_ATTEMPTS"`
	SideEffectBaseBackoff time.Duration `mapstructure:"SIDE_EFFECT_BASE_BACKOFF"`
	SideEffectMaxBackoff  time.Duration `mapstructure:"SIDE_EFFECT_MAX_BACKOFF"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var configDefaults = map[string]interface{}{
	"PORT":                        "8080",
	"SERVICE_NAME":                "tickets-service",
	"STORE_DRIVER":                "postgres",
	"DATABASE_HOST":               "localhost",
	"DATABASE_PORT":               "5432",
	"DATABASE_USER":               "root",
	"DATABASE_PASSWORD":           "tickets_pass",
	"DATABASE_NAME":               "tickets_db",
	"MONGO_URI":                   "mongodb://localhost:27017/?replicaSet=rs0",
	"MONGO_DB":                    "tickets",
	"REDIS_ADDR":                  "",
	"REDIS_PASSWORD":              "",
	"REDIS_DB":                    0,
	"RABBITMQ_URL":                "",
	"ROOMS_SERVICE_URL":           "",
	"ROOMS_TIMEOUT":               "5s",
	"DTM_SERVER":                  "",
	"PAYMENT_REFUND_URL":          "",
	"PAYMENT_WEBHOOK_SECRET":      "",
	"WEBHOOK_TOLERANCE":           "5m",
	"TICKET_SIGNING_KEY":          "",
	"TICKET_ISSUER":               "paid-rooms",
	"SIDE_EFFECT_SCHEDULE":        "*/15 * * * * *",
	"SIDE_EFFECT_BATCH_SIZE":      50,
	"SIDE_EFFECT_MAX_ATTEMPTS":    10,
	"SIDE_EFFECT_BASE_BACKOFF":    "5s",
	"SIDE_EFFECT_MAX_BACKOFF":     "10m",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "localhost:4318",
}

// LoadConfig reads configuration from an optional .env file in path and from
// environment variables, which take precedence.
func LoadConfig(path string) (Config, error) {
	for key, value := range configDefaults {
		viper.SetDefault(key, value)
	}

	if path != "" {
		viper.AddConfigPath(path)
		viper.SetConfigName(".env")
		viper.SetConfigType("env")
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	viper.AutomaticEnv()
	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for key := range configDefaults {
		_ = viper.BindEnv(key)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate fails fast on configuration the service cannot run without.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.WebhookSecret) == "" {
		problems = append(problems, "PAYMENT_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(c.TicketSigningKey) == "" {
		problems = append(problems, "TICKET_SIGNING_KEY is required")
	}
	switch c.StoreDriver {
	case "postgres", "mongo", "memory":
	default:
		problems = append(problems, fmt.Sprintf("STORE_DRIVER must be postgres, mongo or memory (got %q)", c.StoreDriver))
	}
	if c.DTMServer != "" && c.PaymentRefundURL == "" {
		problems = append(problems, "PAYMENT_REFUND_URL is required when DTM_SERVER is set")
	}
	if c.SideEffectMaxAttempts < 1 {
		problems = append(problems, "SIDE_EFFECT_MAX_ATTEMPTS must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DatabaseDSN builds the pgx connection string.
func (c Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&pool_max_conns=25&pool_min_conns=5",
		c.DatabaseUser,
		c.DatabasePassword,
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseName,
	)
}

// SideEffectPolicy maps the worker settings.
func (c Config) SideEffectPolicy() SideEffectPolicy {
	return SideEffectPolicy{
		BatchSize:   c.SideEffectBatchSize,
		MaxAttempts: c.SideEffectMaxAttempts,
		BaseBackoff: c.SideEffectBaseBackoff,
		MaxBackoff:  c.SideEffectMaxBackoff,
	}
}
