package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with CATALOG_CONFIG.
var ConfigPath = configPathFromEnv()

func configPathFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("CATALOG_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// StoreBackend is postgres (default) or memory.
	StoreBackend string `yaml:"storeBackend"`
	DatabaseURL  string `yaml:"databaseURL"`

	// ObjectBackend is minio (default), s3 or memory.
	ObjectBackend  string `yaml:"objectBackend"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioRegion    string `yaml:"minioRegion"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	S3Endpoint     string `yaml:"s3Endpoint"`
	S3Region       string `yaml:"s3Region"`
	S3AccessKey    string `yaml:"s3AccessKey"`
	S3SecretKey    string `yaml:"s3SecretKey"`
	S3Bucket       string `yaml:"s3Bucket"`
	S3UsePathStyle bool   `yaml:"s3UsePathStyle"`

	RedisAddr                string `yaml:"redisAddr"`
	RedisPassword            string `yaml:"redisPassword"`
	OrphanLedgerKey          string `yaml:"orphanLedgerKey"`
	UploadRateLimitPerMinute int    `yaml:"uploadRateLimitPerMinute"`

	MaxFileBytes    int64  `yaml:"maxFileBytes"`
	MaxCoverBytes   int64  `yaml:"maxCoverBytes"`
	PresignExpiry   string `yaml:"presignExpiry"`
	MutationTimeout string `yaml:"mutationTimeout"`
	CleanupTimeout  string `yaml:"cleanupTimeout"`

	TrustedProxyCIDRs  []string `yaml:"trustedProxyCidrs"`
	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "postgres"
	}
	if cfg.ObjectBackend == "" {
		cfg.ObjectBackend = "minio"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("CATALOG_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CATALOG_STORE_BACKEND"); v != "" {
		cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("CATALOG_OBJECT_BACKEND"); v != "" {
		cfg.ObjectBackend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_REGION"); v != "" {
		cfg.MinioRegion = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.S3Endpoint = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.S3Region = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.S3AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.S3SecretKey = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3Bucket = v
	}
	if v := os.Getenv("S3_USE_PATH_STYLE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.S3UsePathStyle = b
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CATALOG_UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CATALOG_MAX_FILE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxFileBytes = n
		}
	}
	if v := os.Getenv("CATALOG_MAX_COVER_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxCoverBytes = n
		}
	}
	if v := os.Getenv("CATALOG_PRESIGN_EXPIRY"); v != "" {
		cfg.PresignExpiry = strings.TrimSpace(v)
	}
	if v := os.Getenv("CATALOG_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("CATALOG_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeBackend %q (postgres, memory)", cfg.StoreBackend)
	}
	switch cfg.ObjectBackend {
	case "minio":
		if cfg.MinioEndpoint == "" {
			return errors.New("config: minioEndpoint is required (set in config.yaml)")
		}
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minioAccessKey and minioSecretKey are required (set in config.yaml)")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required (set in config.yaml)")
		}
	case "s3":
		if cfg.S3Bucket == "" {
			return errors.New("config: s3Bucket is required (set in config.yaml or S3_BUCKET)")
		}
		if (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
			return errors.New("config: s3AccessKey and s3SecretKey must be set together")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown objectBackend %q (minio, s3, memory)", cfg.ObjectBackend)
	}
	if cfg.UploadRateLimitPerMinute < 0 {
		return errors.New("config: uploadRateLimitPerMinute must be >= 0")
	}
	if cfg.UploadRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when uploadRateLimitPerMinute is set")
	}
	if cfg.MaxFileBytes < 0 || cfg.MaxCoverBytes < 0 {
		return errors.New("config: maxFileBytes and maxCoverBytes must be >= 0")
	}
	for name, raw := range map[string]string{
		"presignExpiry":   cfg.PresignExpiry,
		"mutationTimeout": cfg.MutationTimeout,
		"cleanupTimeout":  cfg.CleanupTimeout,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDuration parses an optional duration setting. Empty means zero, which
// callers treat as "use the default".
func ParseDuration(name, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", name)
	}
	return dur, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
