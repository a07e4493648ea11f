package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
	StoreDriverMemory   = "memory"

	TransportSendGrid = "sendgrid"
	TransportPostmark = "postmark"
)

type Config struct {
	StoreDriver     string `env:"STORE_DRIVER,default=postgres"`
	DatabaseDSN     string `env:"DATABASE_DSN"`
	MongoDBURL      string `env:"MONGODB_URL"`
	MongoDBDatabase string `env:"MONGODB_DATABASE,default=quickclean"`
	RedisURL        string `env:"REDIS_URL"`
	RabbitMQURL     string `env:"RABBITMQ_URL"`

	EmailTransport       string `env:"EMAIL_TRANSPORT,default=sendgrid"`
	SendGridAPIKey       string `env:"SENDGRID_API_KEY"`
	SendGridBaseURL      string `env:"SENDGRID_BASE_URL,default=https://api.sendgrid.com"`
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL,required=true"`
	SenderName           string `env:"SENDER_NAME,default=QuickClean"`
	ReplyToEmail         string `env:"REPLY_TO_EMAIL"`
	FrontendURL          string `env:"FRONTEND_URL,required=true"`

	EmailMaxRetries          int `env:"EMAIL_MAX_RETRIES,default=5"`
	RetryIntervalMinutes     int `env:"EMAIL_RETRY_INTERVAL_MINUTES,default=15"`
	RetryBatchSize           int `env:"EMAIL_RETRY_BATCH_SIZE,default=50"`
	RetryInterAttemptDelayMs int `env:"EMAIL_RETRY_INTER_ATTEMPT_DELAY_MS,default=1000"`

	RateLimitPerSec int    `env:"RATE_LIMIT_PER_SEC,default=10"`
	APIPort         int    `env:"API_PORT,default=8080"`
	LogLevel        string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the rules that depend on more than one variable.
func (c *Config) Validate() error {
	var errs []error

	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			errs = append(errs, errors.New("DATABASE_DSN is required for the postgres store"))
		}
	case StoreDriverMongo:
		if strings.TrimSpace(c.MongoDBURL) == "" {
			errs = append(errs, errors.New("MONGODB_URL is required for the mongo store"))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver))
	}

	c.EmailTransport = strings.ToLower(strings.TrimSpace(c.EmailTransport))
	switch c.EmailTransport {
	case TransportSendGrid:
		if strings.TrimSpace(c.SendGridAPIKey) == "" {
			errs = append(errs, errors.New("SENDGRID_API_KEY is required for the sendgrid transport"))
		}
	case TransportPostmark:
		if strings.TrimSpace(c.PostmarkServerToken) == "" {
			errs = append(errs, errors.New("POSTMARK_SERVER_TOKEN is required for the postmark transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported EMAIL_TRANSPORT %q", c.EmailTransport))
	}

	if _, err := mail.ParseAddress(c.SenderEmail); err != nil {
		errs = append(errs, fmt.Errorf("SENDER_EMAIL: %w", err))
	}
	if c.ReplyToEmail != "" {
		if _, err := mail.ParseAddress(c.ReplyToEmail); err != nil {
			errs = append(errs, fmt.Errorf("REPLY_TO_EMAIL: %w", err))
		}
	}

	if c.EmailMaxRetries < 1 {
		errs = append(errs, errors.New("EMAIL_MAX_RETRIES must be >= 1"))
	}
	if c.RetryIntervalMinutes < 1 {
		errs = append(errs, errors.New("EMAIL_RETRY_INTERVAL_MINUTES must be >= 1"))
	}
	if c.RetryBatchSize < 1 {
		errs = append(errs, errors.New("EMAIL_RETRY_BATCH_SIZE must be >= 1"))
	}
	if c.RetryInterAttemptDelayMs < 1 {
		errs = append(errs, errors.New("EMAIL_RETRY_INTER_ATTEMPT_DELAY_MS must be >= 1"))
	}
	if c.RateLimitPerSec < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_SEC must be >= 0"))
	}

	return errors.Join(errs...)
}

func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMinutes) * time.Minute
}

func (c *Config) InterAttemptDelay() time.Duration {
	return time.Duration(c.RetryInterAttemptDelayMs) * time.Millisecond
}
