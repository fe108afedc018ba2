package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"alertrelay/pkg/s3"
)

// Storage backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendMemory   = "memory"
	BackendNATS     = "nats"
)

// Config holds runtime configuration for relayd.
type Config struct {
	Addr     string `env:"RELAY_ADDR,default=:8080"`
	StateDir string `env:"RELAY_STATE_DIR,default=/var/lib/alertrelay"`

	NATSURL  string `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	NATSUser string `env:"NATS_USER"`
	NATSPass string `env:"NATS_PASS"`

	DirectoryAPIURL          string        `env:"DIRECTORY_API_URL,required"`
	DirectoryRefreshInterval time.Duration `env:"DIRECTORY_REFRESH_INTERVAL,default=30m"`

	PollInterval        time.Duration `env:"RELAY_POLL_INTERVAL,default=15s"`
	InactivityThreshold time.Duration `env:"RELAY_INACTIVITY_THRESHOLD,default=168h"`
	StartPaused         bool          `env:"RELAY_START_PAUSED,default=false"`

	SessionBackend string        `env:"RELAY_SESSION_BACKEND,default=file"`
	LedgerBackend  string        `env:"RELAY_LEDGER_BACKEND,default=memory"`
	LedgerMargin   time.Duration `env:"RELAY_LEDGER_MARGIN,default=48h"`

	DBDSN string `env:"DB_DSN"`

	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3AccessKey      string `env:"S3_ACCESS_KEY"`
	S3SecretKey      string `env:"S3_SECRET_KEY"`
	S3Region         string `env:"S3_REGION,default=us-east-1"`
	S3DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	S3ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
	SnapshotBucket   string `env:"RELAY_SNAPSHOT_BUCKET"`
	SnapshotKey      string `env:"RELAY_SNAPSHOT_KEY,default=alertrelay/sessions.json.zst"`

	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimit      int      `env:"RELAY_RATE_LIMIT,default=100"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogFormat    string `env:"RELAY_LOG_FORMAT,default=json"`
}

// Load returns a validated Config populated from the environment. A nil
// lookuper reads the process environment.
func Load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	cfg.SessionBackend = strings.ToLower(strings.TrimSpace(cfg.SessionBackend))
	cfg.LedgerBackend = strings.ToLower(strings.TrimSpace(cfg.LedgerBackend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements of the selected backends.
func (c Config) Validate() error {
	var errs []error

	switch c.SessionBackend {
	case BackendFile:
	case BackendPostgres:
		if c.DBDSN == "" {
			errs = append(errs, errors.New("DB_DSN is required for the postgres session backend"))
		}
	case BackendS3:
		if c.SnapshotBucket == "" {
			errs = append(errs, errors.New("RELAY_SNAPSHOT_BUCKET is required for the s3 session backend"))
		}
		if c.S3Endpoint == "" || c.S3AccessKey == "" || c.S3SecretKey == "" {
			errs = append(errs, errors.New("S3_ENDPOINT, S3_ACCESS_KEY and S3_SECRET_KEY are required for the s3 session backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RELAY_SESSION_BACKEND %q", c.SessionBackend))
	}

	switch c.LedgerBackend {
	case BackendMemory, BackendNATS:
	case BackendPostgres:
		if c.DBDSN == "" {
			errs = append(errs, errors.New("DB_DSN is required for the postgres ledger backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RELAY_LEDGER_BACKEND %q", c.LedgerBackend))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("RELAY_POLL_INTERVAL must be positive"))
	}
	if c.InactivityThreshold <= 0 {
		errs = append(errs, errors.New("RELAY_INACTIVITY_THRESHOLD must be positive"))
	}
	if c.LedgerMargin <= 0 {
		errs = append(errs, errors.New("RELAY_LEDGER_MARGIN must be positive"))
	}
	if c.DirectoryRefreshInterval < 0 {
		errs = append(errs, errors.New("DIRECTORY_REFRESH_INTERVAL must not be negative"))
	}
	if c.StateDir == "" {
		errs = append(errs, errors.New("RELAY_STATE_DIR is required"))
	}

	return errors.Join(errs...)
}

// NeedsDatabase reports whether any backend uses postgres.
func (c Config) NeedsDatabase() bool {
	return c.SessionBackend == BackendPostgres || c.LedgerBackend == BackendPostgres
}

func (c Config) TokenPath() string    { return filepath.Join(c.StateDir, "token.age") }
func (c Config) IdentityPath() string { return filepath.Join(c.StateDir, "identity.txt") }
func (c Config) SessionsPath() string { return filepath.Join(c.StateDir, "sessions.json") }

// S3Options maps the S3_* settings onto the client options.
func (c Config) S3Options() s3.Options {
	return s3.Options{
		Endpoint:       c.S3Endpoint,
		AccessKey:      c.S3AccessKey,
		SecretKey:      c.S3SecretKey,
		Region:         c.S3Region,
		DisableTLS:     c.S3DisableTLS,
		ForcePathStyle: c.S3ForcePathStyle,
	}
}
