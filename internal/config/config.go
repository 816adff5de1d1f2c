/**
 * @description
 * This package handles the configuration management for the enrollment
 * service. It uses Viper to read settings from environment variables and an
 * optional .env file. Out-of-range values are coerced to their defaults with
 * a warning so a typo never stops the service from booting.
 *
 * @dependencies
 * - github.com/spf13/viper: application configuration.
 * - github.com/sirupsen/logrus: warnings about coerced values.
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the enrollment service.
type Config struct {
	ServerPort                    string `mapstructure:"SERVER_PORT"`
	DatabaseURL                   string `mapstructure:"DATABASE_URL"`
	StoreDriver                   string `mapstructure:"STORE_DRIVER"`
	RunMigrations                 bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                      string `mapstructure:"REDIS_URL"`
	LockBackend                   string `mapstructure:"LOCK_BACKEND"`
	LockPrefix                    string `mapstructure:"LOCK_PREFIX"`
	LockTTLSeconds                int    `mapstructure:"LOCK_TTL_SECONDS"`
	RabbitMQURL                   string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange          string `mapstructure:"NOTIFICATION_EXCHANGE"`
	SignatureAPIBaseURL           string `mapstructure:"SIGNATURE_API_BASE_URL"`
	SignatureAPIKey               string `mapstructure:"SIGNATURE_API_KEY"`
	SignatureWebhookSecret        string `mapstructure:"SIGNATURE_WEBHOOK_SECRET"`
	BillingAPIBaseURL             string `mapstructure:"BILLING_API_BASE_URL"`
	BillingAPIKey                 string `mapstructure:"BILLING_API_KEY"`
	BillingWebhookSecret          string `mapstructure:"BILLING_WEBHOOK_SECRET"`
	GatewayTimeoutSeconds         int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	GatewayMaxAttempts            int    `mapstructure:"GATEWAY_MAX_ATTEMPTS"`
	ReconcileSchedule             string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileBudgetSeconds        int    `mapstructure:"RECONCILE_BUDGET_SECONDS"`
	ReconcileChargeTimeoutSeconds int    `mapstructure:"RECONCILE_CHARGE_TIMEOUT_SECONDS"`
	ReconcileConcurrency          int    `mapstructure:"RECONCILE_CONCURRENCY"`
	ReconcileBatchLimit           int    `mapstructure:"RECONCILE_BATCH_LIMIT"`
	PixRetryAttempts              int    `mapstructure:"PIX_RETRY_ATTEMPTS"`
	PixRetryBaseDelayMS           int    `mapstructure:"PIX_RETRY_BASE_DELAY_MS"`
	DefaultPaymentMethod          string `mapstructure:"DEFAULT_PAYMENT_METHOD"`
	OperatorJWTSecret             string `mapstructure:"OPERATOR_JWT_SECRET"`
	CORSAllowedOrigins            string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	MetricsEnabled                bool   `mapstructure:"METRICS_ENABLED"`
	LogLevel                      string `mapstructure:"LOG_LEVEL"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                      "8080",
	"STORE_DRIVER":                     "postgres",
	"RUN_MIGRATIONS":                   true,
	"LOCK_BACKEND":                     "memory",
	"LOCK_PREFIX":                      "enrollment:lock",
	"LOCK_TTL_SECONDS":                 180,
	"NOTIFICATION_EXCHANGE":            "enrollment_events",
	"GATEWAY_TIMEOUT_SECONDS":          12,
	"GATEWAY_MAX_ATTEMPTS":             3,
	"RECONCILE_SCHEDULE":               "@every 5m",
	"RECONCILE_BUDGET_SECONDS":         120,
	"RECONCILE_CHARGE_TIMEOUT_SECONDS": 15,
	"RECONCILE_CONCURRENCY":            4,
	"RECONCILE_BATCH_LIMIT":            200,
	"PIX_RETRY_ATTEMPTS":               3,
	"PIX_RETRY_BASE_DELAY_MS":          3000,
	"DEFAULT_PAYMENT_METHOD":           "pix",
	"METRICS_ENABLED":                  true,
	"LOG_LEVEL":                        "info",
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	logger := logrus.WithField("component", "config")

	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "DATABASE_URL", "STORE_DRIVER", "RUN_MIGRATIONS",
		"REDIS_URL", "LOCK_BACKEND", "LOCK_PREFIX", "LOCK_TTL_SECONDS",
		"RABBITMQ_URL", "NOTIFICATION_EXCHANGE",
		"SIGNATURE_API_BASE_URL", "SIGNATURE_API_KEY", "SIGNATURE_WEBHOOK_SECRET",
		"BILLING_API_BASE_URL", "BILLING_API_KEY", "BILLING_WEBHOOK_SECRET",
		"GATEWAY_TIMEOUT_SECONDS", "GATEWAY_MAX_ATTEMPTS",
		"RECONCILE_SCHEDULE", "RECONCILE_BUDGET_SECONDS", "RECONCILE_CHARGE_TIMEOUT_SECONDS",
		"RECONCILE_CONCURRENCY", "RECONCILE_BATCH_LIMIT",
		"PIX_RETRY_ATTEMPTS", "PIX_RETRY_BASE_DELAY_MS", "DEFAULT_PAYMENT_METHOD",
		"OPERATOR_JWT_SECRET", "CORS_ALLOWED_ORIGINS", "METRICS_ENABLED", "LOG_LEVEL",
	} {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logger.WithError(err).Warn("failed to read config file; using environment values")
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize(logger)

	if config.StoreDriver == "postgres" && strings.TrimSpace(config.DatabaseURL) == "" {
		return config, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
	}
	if config.LockBackend == "redis" && strings.TrimSpace(config.RedisURL) == "" {
		return config, fmt.Errorf("REDIS_URL is required when LOCK_BACKEND=redis")
	}
	return config, nil
}

func (c *Config) normalize(logger logrus.FieldLogger) {
	c.StoreDriver = oneOf(logger, "STORE_DRIVER", strings.ToLower(strings.TrimSpace(c.StoreDriver)), "postgres", "postgres", "memory")
	c.LockBackend = oneOf(logger, "LOCK_BACKEND", strings.ToLower(strings.TrimSpace(c.LockBackend)), "memory", "memory", "redis")
	c.DefaultPaymentMethod = oneOf(logger, "DEFAULT_PAYMENT_METHOD", strings.ToLower(strings.TrimSpace(c.DefaultPaymentMethod)), "pix", "pix", "boleto", "credit_card")

	c.LockTTLSeconds = positive(logger, "LOCK_TTL_SECONDS", c.LockTTLSeconds, 180)
	c.GatewayTimeoutSeconds = positive(logger, "GATEWAY_TIMEOUT_SECONDS", c.GatewayTimeoutSeconds, 12)
	c.GatewayMaxAttempts = positive(logger, "GATEWAY_MAX_ATTEMPTS", c.GatewayMaxAttempts, 3)
	c.ReconcileBudgetSeconds = positive(logger, "RECONCILE_BUDGET_SECONDS", c.ReconcileBudgetSeconds, 120)
	c.ReconcileChargeTimeoutSeconds = positive(logger, "RECONCILE_CHARGE_TIMEOUT_SECONDS", c.ReconcileChargeTimeoutSeconds, 15)
	c.ReconcileConcurrency = positive(logger, "RECONCILE_CONCURRENCY", c.ReconcileConcurrency, 4)
	c.ReconcileBatchLimit = positive(logger, "RECONCILE_BATCH_LIMIT", c.ReconcileBatchLimit, 200)
	c.PixRetryAttempts = positive(logger, "PIX_RETRY_ATTEMPTS", c.PixRetryAttempts, 3)
	c.PixRetryBaseDelayMS = positive(logger, "PIX_RETRY_BASE_DELAY_MS", c.PixRetryBaseDelayMS, 3000)

	if strings.TrimSpace(c.ReconcileSchedule) == "" {
		c.ReconcileSchedule = "@every 5m"
	}
	if strings.TrimSpace(c.NotificationExchange) == "" {
		c.NotificationExchange = "enrollment_events"
	}
	if strings.TrimSpace(c.LockPrefix) == "" {
		c.LockPrefix = "enrollment:lock"
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		logger.WithField("value", c.LogLevel).Warn("invalid LOG_LEVEL; using info")
		c.LogLevel = "info"
	}
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func (c Config) GatewayTimeout() time.Duration { return time.Duration(c.GatewayTimeoutSeconds) * time.Second }
func (c Config) LockTTL() time.Duration        { return time.Duration(c.LockTTLSeconds) * time.Second }
func (c Config) ReconcileBudget() time.Duration {
	return time.Duration(c.ReconcileBudgetSeconds) * time.Second
}
func (c Config) ReconcileChargeTimeout() time.Duration {
	return time.Duration(c.ReconcileChargeTimeoutSeconds) * time.Second
}
func (c Config) PixRetryBaseDelay() time.Duration {
	return time.Duration(c.PixRetryBaseDelayMS) * time.Millisecond
}

func positive(logger logrus.FieldLogger, key string, value, fallback int) int {
	if value > 0 {
		return value
	}
	logger.WithFields(logrus.Fields{"key": key, "value": value, "default": fallback}).Warn("non-positive value configured; using default")
	return fallback
}

func oneOf(logger logrus.FieldLogger, key, value, fallback string, allowed ...string) string {
	for _, a := range allowed {
		if value == a {
			return value
		}
	}
	logger.WithFields(logrus.Fields{"key": key, "value": value, "default": fallback}).Warn("unsupported value configured; using default")
	return fallback
}
