package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minioConfig = `
port: "8085"
databaseURL: postgres://catalog@localhost/catalog
minioEndpoint: localhost:9000
minioAccessKey: minio
minioSecretKey: minio123
minioBucket: catalog
presignExpiry: 24h
maxFileBytes: 1048576
trustedProxyCidrs: ["10.0.0.0/8"]
`

func TestLoadDefaultsAndYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, minioConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreBackend != "postgres" || cfg.ObjectBackend != "minio" {
		t.Fatalf("backends = %q/%q, want postgres/minio", cfg.StoreBackend, cfg.ObjectBackend)
	}
	if cfg.Port != "8085" || cfg.MaxFileBytes != 1<<20 || cfg.MinioBucket != "catalog" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.TrustedProxyCIDRs) != 1 || cfg.TrustedProxyCIDRs[0] != "10.0.0.0/8" {
		t.Fatalf("trusted proxies = %v", cfg.TrustedProxyCIDRs)
	}
	ttl, err := ParseDuration("presignExpiry", cfg.PresignExpiry)
	if err != nil || ttl != 24*time.Hour {
		t.Fatalf("presign expiry = %v, %v", ttl, err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://override@db/catalog")
	t.Setenv("CATALOG_OBJECT_BACKEND", "S3")
	t.Setenv("S3_BUCKET", "books-prod")
	t.Setenv("S3_USE_PATH_STYLE", "true")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("CATALOG_UPLOAD_RATE_LIMIT_PER_MINUTE", "30")
	t.Setenv("CATALOG_MAX_COVER_BYTES", "2048")
	t.Setenv("CATALOG_CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := Load(writeConfig(t, minioConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://override@db/catalog" {
		t.Fatalf("databaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.ObjectBackend != "s3" || cfg.S3Bucket != "books-prod" || !cfg.S3UsePathStyle {
		t.Fatalf("s3 settings = %q %q %v", cfg.ObjectBackend, cfg.S3Bucket, cfg.S3UsePathStyle)
	}
	if cfg.UploadRateLimitPerMinute != 30 || cfg.MaxCoverBytes != 2048 {
		t.Fatalf("limits = %d / %d", cfg.UploadRateLimitPerMinute, cfg.MaxCoverBytes)
	}
	if got := strings.Join(cfg.CORSAllowedOrigins, "|"); got != "https://a.example|https://b.example" {
		t.Fatalf("cors origins = %q", got)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "missing port", body: "databaseURL: x\nobjectBackend: memory\n", wantErr: "port is required"},
		{name: "missing database", body: "port: \"1\"\nobjectBackend: memory\n", wantErr: "databaseURL is required"},
		{name: "memory stores need nothing else", body: "port: \"1\"\nstoreBackend: memory\nobjectBackend: memory\n"},
		{name: "unknown object backend", body: "port: \"1\"\nstoreBackend: memory\nobjectBackend: gcs\n", wantErr: "unknown objectBackend"},
		{name: "minio without bucket", body: "port: \"1\"\nstoreBackend: memory\nminioEndpoint: m\nminioAccessKey: a\nminioSecretKey: b\n", wantErr: "minioBucket is required"},
		{name: "s3 half credentials", body: "port: \"1\"\nstoreBackend: memory\nobjectBackend: s3\ns3Bucket: b\ns3AccessKey: a\n", wantErr: "must be set together"},
		{name: "rate limit without redis", body: "port: \"1\"\nstoreBackend: memory\nobjectBackend: memory\nuploadRateLimitPerMinute: 5\n", wantErr: "redisAddr is required"},
		{name: "bad duration", body: "port: \"1\"\nstoreBackend: memory\nobjectBackend: memory\npresignExpiry: soon\n", wantErr: "invalid presignExpiry"},
		{name: "negative duration", body: "port: \"1\"\nstoreBackend: memory\nobjectBackend: memory\ncleanupTimeout: -1s\n", wantErr: "cleanupTimeout must not be negative"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("err = %v, want read error", err)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		value   string
		want    time.Duration
		wantErr bool
	}{
		{value: "", want: 0},
		{value: " 90s ", want: 90 * time.Second},
		{value: "168h", want: 7 * 24 * time.Hour},
		{value: "soon", wantErr: true},
		{value: "-5m", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseDuration("mutationTimeout", tc.value)
		if tc.wantErr {
			if err == nil || !strings.Contains(err.Error(), "mutationTimeout") {
				t.Fatalf("ParseDuration(%q) err = %v, want named error", tc.value, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseDuration(%q) = %v, %v; want %v", tc.value, got, err, tc.want)
		}
	}
}
