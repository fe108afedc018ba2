package config

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), envconfig.MapLookuper(map[string]string{
		"DIRECTORY_API_URL": "https://directory.example.com/api",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Fatalf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.InactivityThreshold != 7*24*time.Hour {
		t.Fatalf("InactivityThreshold = %v", cfg.InactivityThreshold)
	}
	if cfg.DirectoryRefreshInterval != 30*time.Minute {
		t.Fatalf("DirectoryRefreshInterval = %v", cfg.DirectoryRefreshInterval)
	}
	if cfg.LedgerMargin != 48*time.Hour {
		t.Fatalf("LedgerMargin = %v", cfg.LedgerMargin)
	}
	if cfg.SessionBackend != BackendFile || cfg.LedgerBackend != BackendMemory {
		t.Fatalf("backends = %q/%q", cfg.SessionBackend, cfg.LedgerBackend)
	}
	if cfg.StartPaused {
		t.Fatal("StartPaused = true by default")
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"*"}) {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.TokenPath() != filepath.Join("/var/lib/alertrelay", "token.age") {
		t.Fatalf("TokenPath() = %q", cfg.TokenPath())
	}
	if cfg.NeedsDatabase() {
		t.Fatal("NeedsDatabase() = true for file/memory backends")
	}
}

func TestLoadRequiresDirectoryURL(t *testing.T) {
	if _, err := Load(context.Background(), envconfig.MapLookuper(map[string]string{})); err == nil {
		t.Fatal("Load() without DIRECTORY_API_URL succeeded")
	}
}

func TestValidateBackends(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{
			name: "postgres sessions with dsn",
			env:  map[string]string{"RELAY_SESSION_BACKEND": "Postgres", "DB_DSN": "postgres://relay@db/relay"},
		},
		{
			name:    "postgres sessions without dsn",
			env:     map[string]string{"RELAY_SESSION_BACKEND": "postgres"},
			wantErr: true,
		},
		{
			name:    "postgres ledger without dsn",
			env:     map[string]string{"RELAY_LEDGER_BACKEND": "postgres"},
			wantErr: true,
		},
		{
			name: "s3 sessions complete",
			env: map[string]string{
				"RELAY_SESSION_BACKEND": "s3",
				"RELAY_SNAPSHOT_BUCKET": "state",
				"S3_ENDPOINT":           "minio:9000",
				"S3_ACCESS_KEY":         "a",
				"S3_SECRET_KEY":         "b",
			},
		},
		{
			name:    "s3 sessions without bucket",
			env:     map[string]string{"RELAY_SESSION_BACKEND": "s3", "S3_ENDPOINT": "minio:9000", "S3_ACCESS_KEY": "a", "S3_SECRET_KEY": "b"},
			wantErr: true,
		},
		{
			name: "nats ledger",
			env:  map[string]string{"RELAY_LEDGER_BACKEND": "nats"},
		},
		{
			name:    "unknown ledger",
			env:     map[string]string{"RELAY_LEDGER_BACKEND": "redis"},
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			env:     map[string]string{"RELAY_POLL_INTERVAL": "0s"},
			wantErr: true,
		},
		{
			name: "start paused",
			env:  map[string]string{"RELAY_START_PAUSED": "true"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := map[string]string{"DIRECTORY_API_URL": "https://directory.example.com"}
			for k, v := range tt.env {
				env[k] = v
			}
			_, err := Load(context.Background(), envconfig.MapLookuper(env))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestS3Options(t *testing.T) {
	cfg := Config{S3Endpoint: "minio:9000", S3AccessKey: "a", S3SecretKey: "b", S3Region: "eu-west-1", S3DisableTLS: true, S3ForcePathStyle: true}
	opts := cfg.S3Options()
	if opts.Endpoint != "minio:9000" || opts.Region != "eu-west-1" || !opts.DisableTLS || !opts.ForcePathStyle {
		t.Fatalf("S3Options() = %+v", opts)
	}
}
