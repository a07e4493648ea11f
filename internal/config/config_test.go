package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_DSN", "host=localhost user=test password=test dbname=test port=5432 sslmode=disable")
	t.Setenv("SENDGRID_API_KEY", "SG.test-key")
	t.Setenv("SENDER_EMAIL", "noreply@quickclean.example")
	t.Setenv("FRONTEND_URL", "http://localhost:5173")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.StoreDriver != StoreDriverPostgres {
		t.Errorf("StoreDriver = %s, want postgres", cfg.StoreDriver)
	}
	if cfg.EmailTransport != TransportSendGrid {
		t.Errorf("EmailTransport = %s, want sendgrid", cfg.EmailTransport)
	}
	if cfg.SenderName != "QuickClean" {
		t.Errorf("SenderName = %s, want QuickClean", cfg.SenderName)
	}
	if cfg.MongoDBDatabase != "quickclean" {
		t.Errorf("MongoDBDatabase = %s, want quickclean", cfg.MongoDBDatabase)
	}
	if cfg.EmailMaxRetries != 5 {
		t.Errorf("EmailMaxRetries = %d, want 5", cfg.EmailMaxRetries)
	}
	if cfg.RetryInterval() != 15*time.Minute {
		t.Errorf("RetryInterval() = %s, want 15m", cfg.RetryInterval())
	}
	if cfg.RetryBatchSize != 50 {
		t.Errorf("RetryBatchSize = %d, want 50", cfg.RetryBatchSize)
	}
	if cfg.InterAttemptDelay() != time.Second {
		t.Errorf("InterAttemptDelay() = %s, want 1s", cfg.InterAttemptDelay())
	}
	if cfg.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.RateLimitPerSec != 10 {
		t.Errorf("RateLimitPerSec = %d, want 10", cfg.RateLimitPerSec)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("API_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("EMAIL_MAX_RETRIES", "3")
	t.Setenv("EMAIL_RETRY_INTERVAL_MINUTES", "5")
	t.Setenv("EMAIL_RETRY_BATCH_SIZE", "10")
	t.Setenv("EMAIL_RETRY_INTER_ATTEMPT_DELAY_MS", "250")
	t.Setenv("STORE_DRIVER", "Memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", cfg.APIPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.EmailMaxRetries != 3 {
		t.Errorf("EmailMaxRetries = %d, want 3", cfg.EmailMaxRetries)
	}
	if cfg.RetryInterval() != 5*time.Minute {
		t.Errorf("RetryInterval() = %s, want 5m", cfg.RetryInterval())
	}
	if cfg.RetryBatchSize != 10 {
		t.Errorf("RetryBatchSize = %d, want 10", cfg.RetryBatchSize)
	}
	if cfg.InterAttemptDelay() != 250*time.Millisecond {
		t.Errorf("InterAttemptDelay() = %s, want 250ms", cfg.InterAttemptDelay())
	}
	if cfg.StoreDriver != StoreDriverMemory {
		t.Errorf("StoreDriver = %s, want memory", cfg.StoreDriver)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_DSN", "host=localhost")
	t.Setenv("SENDER_EMAIL", "")
	t.Setenv("FRONTEND_URL", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			StoreDriver:          StoreDriverPostgres,
			DatabaseDSN:          "host=localhost",
			EmailTransport:       TransportSendGrid,
			SendGridAPIKey:       "SG.key",
			SenderEmail:          "noreply@quickclean.example",
			FrontendURL:          "http://localhost:5173",
			EmailMaxRetries:      5,
			RetryIntervalMinutes: 15,
			RetryBatchSize:       50,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "postgres without dsn", mutate: func(c *Config) { c.DatabaseDSN = "" }, wantErr: true},
		{name: "mongo without url", mutate: func(c *Config) { c.StoreDriver = StoreDriverMongo }, wantErr: true},
		{name: "mongo with url", mutate: func(c *Config) {
			c.StoreDriver = StoreDriverMongo
			c.MongoDBURL = "mongodb://localhost:27017"
		}},
		{name: "unknown driver", mutate: func(c *Config) { c.StoreDriver = "sqlite" }, wantErr: true},
		{name: "postmark without token", mutate: func(c *Config) { c.EmailTransport = TransportPostmark }, wantErr: true},
		{name: "unknown transport", mutate: func(c *Config) { c.EmailTransport = "smtp" }, wantErr: true},
		{name: "bad sender", mutate: func(c *Config) { c.SenderEmail = "not-an-address" }, wantErr: true},
		{name: "bad reply-to", mutate: func(c *Config) { c.ReplyToEmail = "@" }, wantErr: true},
		{name: "zero retries", mutate: func(c *Config) { c.EmailMaxRetries = 0 }, wantErr: true},
		{name: "zero batch", mutate: func(c *Config) { c.RetryBatchSize = 0 }, wantErr: true},
		{name: "negative delay", mutate: func(c *Config) { c.RetryInterAttemptDelayMs = -1 }, wantErr: true},
		{name: "zero delay", mutate: func(c *Config) { c.RetryInterAttemptDelayMs = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() unexpected error = %v", err)
			}
		})
	}
}
