// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	DevMode     bool   `env:"DEV_MODE" envDefault:"false"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	KMSKeyID    string `env:"KMS_KEY_ID" envDefault:"alias/agentsync-token-key"`

	Tables  TablesConfig
	Queues  QueuesConfig
	Secrets SecretsConfig
	Drive   DriveConfig
	Sync    SyncConfig
}

// TablesConfig names the DynamoDB tables.
type TablesConfig struct {
	Agents       string `env:"AGENTS_TABLE" envDefault:"Agents"`
	AgentFiles   string `env:"AGENT_FILES_TABLE" envDefault:"AgentFiles"`
	SyncSessions string `env:"SYNC_SESSIONS_TABLE" envDefault:"SyncSessions"`
	Leases       string `env:"LEASES_TABLE" envDefault:"AgentLeases"`
}

// QueuesConfig holds the SQS queue URLs, one per task class.
type QueuesConfig struct {
	Orchestration string `env:"ORCHESTRATION_QUEUE_URL"`
	FileSync      string `env:"FILE_SYNC_QUEUE_URL"`
	Cleanup       string `env:"CLEANUP_QUEUE_URL"`
}

// SecretsConfig holds SSM parameter names. In DEV_MODE the last path
// segment is read from the environment instead.
type SecretsConfig struct {
	GeminiAPIKeyParam     string `env:"GEMINI_API_KEY_PARAM" envDefault:"/agentsync/gemini-api-key"`
	JWTSecretParam        string `env:"JWT_SECRET_PARAM" envDefault:"/agentsync/jwt-secret"`
	APIGatewaySecretParam string `env:"API_GATEWAY_SECRET_PARAM" envDefault:"/agentsync/api-gateway-secret"`
	DriveCredentialsParam string `env:"DRIVE_CREDENTIALS_PARAM" envDefault:"/agentsync/drive-credentials"`
}

// DriveConfig tunes the Drive query adapter.
type DriveConfig struct {
	Concurrency int     `env:"DRIVE_API_CONCURRENCY" envDefault:"50"`
	QPS         float64 `env:"DRIVE_API_QPS" envDefault:"0"`
	// Subject is the user a service account impersonates, if any.
	Subject string `env:"DRIVE_IMPERSONATE_SUBJECT"`
}

// SyncConfig tunes the task queue and scheduler.
type SyncConfig struct {
	Schedule        string        `env:"SYNC_SCHEDULE" envDefault:"0 0 * * * *"`
	TaskTimeout     time.Duration `env:"SYNC_TASK_TIMEOUT" envDefault:"600s"`
	MaxAttempts     int           `env:"SYNC_MAX_ATTEMPTS" envDefault:"3"`
	LeaseTTL        time.Duration `env:"SYNC_LEASE_TTL" envDefault:"10m"`
	LeaseRetryDelay time.Duration `env:"SYNC_LEASE_RETRY_DELAY" envDefault:"60s"`
	UploadPollEvery time.Duration `env:"SEARCH_UPLOAD_POLL_INTERVAL" envDefault:"5s"`
	UploadPollLimit int           `env:"SEARCH_UPLOAD_POLL_ATTEMPTS" envDefault:"60"`
}

// Load parses the environment into a Config. A .env file is honoured in
// dev mode only.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DevMode {
		// Ignore a missing file; real env vars already parsed above win.
		if err := godotenv.Load(); err == nil {
			if err := env.Parse(cfg); err != nil {
				return nil, fmt.Errorf("parse config after .env: %w", err)
			}
		}
	}
	if cfg.Drive.Concurrency <= 0 {
		return nil, fmt.Errorf("DRIVE_API_CONCURRENCY must be positive, got %d", cfg.Drive.Concurrency)
	}
	if cfg.Sync.MaxAttempts <= 0 {
		return nil, fmt.Errorf("SYNC_MAX_ATTEMPTS must be positive, got %d", cfg.Sync.MaxAttempts)
	}
	return cfg, nil
}
