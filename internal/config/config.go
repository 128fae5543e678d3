// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"TEST"`
	PodName     string `env:"POD_NAME" envDefault:"calibration-service-0"`

	RabbitMQHost     string `env:"RABBITMQ_HOST" envDefault:"rabbitmq"`
	RabbitMQPort     int    `env:"RABBITMQ_PORT" envDefault:"5672"`
	RabbitMQUser     string `env:"RABBITMQ_USER" envDefault:"guest"`
	RabbitMQPassword string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`

	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"postgres"`
	PostgresPort     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"postgres"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"postgres"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"calibration"`

	ConnectionsServiceURL string `env:"CONNECTIONS_SERVICE_URL" envDefault:"http://connections-service:8000"`

	EmailSender   string `env:"EMAIL_SENDER"`
	EmailPassword string `env:"EMAIL_PASSWORD"`
	SMTPAddr      string `env:"SMTP_ADDR" envDefault:"smtp.gmail.com:465"`
	ArtifactsPath string `env:"ARTIFACTS_PATH" envDefault:"artifacts"`

	UpperBoundClients    int `env:"UPPER_BOUND_CLIENTS" envDefault:"100"`
	ClientTimeoutSeconds int `env:"CLIENT_TIMEOUT_SECONDS" envDefault:"60"`
	MaxRetries           int `env:"MAX_RETRIES" envDefault:"3"`
	CalibrationLimit     int `env:"CALIBRATION_LIMIT" envDefault:"10"`
	UncertaintyLimit     int `env:"UNCERTAINTY_LIMIT" envDefault:"20"`

	// LimitsFile optionally overrides the two thresholds from a YAML file
	// mounted by the deployment.
	LimitsFile string `env:"LIMITS_FILE"`

	RedisAddr string `env:"REDIS_ADDR"`

	OpsPort         int    `env:"OPS_PORT" envDefault:"8080"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"conformal-calibrator"`
}

// Load parses environment variables into a Config and applies the optional
// YAML threshold override.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.LimitsFile != "" {
		if err := cfg.applyLimitsFile(cfg.LimitsFile); err != nil {
			return Config{}, err
		}
	}
	if cfg.CalibrationLimit <= 0 || cfg.UncertaintyLimit <= cfg.CalibrationLimit {
		return Config{}, fmt.Errorf("op=config.Load: thresholds must satisfy 0 < CALIBRATION_LIMIT < UNCERTAINTY_LIMIT (got %d, %d)",
			cfg.CalibrationLimit, cfg.UncertaintyLimit)
	}
	return cfg, nil
}

// IsProduction reports whether report generation is enabled.
func (c Config) IsProduction() bool { return strings.EqualFold(c.Environment, "PRODUCTION") }

// ClientTimeout is the session inactivity limit as a duration.
func (c Config) ClientTimeout() time.Duration {
	return time.Duration(c.ClientTimeoutSeconds) * time.Second
}

// AMQPURL builds the broker URL from the discrete RABBITMQ_* settings.
func (c Config) AMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/",
		url.QueryEscape(c.RabbitMQUser), url.QueryEscape(c.RabbitMQPassword),
		c.RabbitMQHost, c.RabbitMQPort)
}

// DatabaseURL builds the pgx DSN from the discrete POSTGRES_* settings.
func (c Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(c.PostgresUser), url.QueryEscape(c.PostgresPassword),
		c.PostgresHost, c.PostgresPort, c.PostgresDB)
}
