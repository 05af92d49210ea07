package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the service reads from the environment.
// Every field has a default so `./inventory-dashboard` runs with no setup:
// an in-memory BadgerDB on port 8080.
type Config struct {
	Port string

	// Document store selection
	StoreDriver string // badger | memory | sqlite | postgres | redis | s3
	DBPath      string // badger directory or sqlite file (":memory:" = ephemeral)
	DatabaseURL string // postgres DSN
	Collection  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
	S3Prefix    string

	// Inventory behaviour
	ImagePolicy   ImagePolicy
	ImageMaxBytes int64
	StoreTimeout  time.Duration

	// Mutation rate limit (requests per second, 0 disables)
	MutationRate  float64
	MutationBurst int

	// Logging
	LogLevel        slog.Level
	LogWebhookURL   string
	LogWebhookToken string
}

// Store driver names accepted in STORE_DRIVER
const (
	driverBadger   = "badger"
	driverMemory   = "memory"
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
	driverRedis    = "redis"
	driverS3       = "s3"
)

const defaultImageMaxBytes = 5 << 20 // 5 MiB

// loadConfig builds a Config from an environment lookup function.
// main passes os.Getenv; tests pass a map-backed function.
func loadConfig(getenv func(string) string) (Config, error) {
	cfg := Config{
		Port:            envOr(getenv, "PORT", "8080"),
		StoreDriver:     strings.ToLower(envOr(getenv, "STORE_DRIVER", driverBadger)),
		DBPath:          getenv("DB_PATH"),
		DatabaseURL:     getenv("DATABASE_URL"),
		Collection:      envOr(getenv, "INVENTORY_COLLECTION", "inventory"),
		RedisAddr:       envOr(getenv, "REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getenv("REDIS_PASSWORD"),
		S3Bucket:        getenv("S3_BUCKET"),
		S3Region:        envOr(getenv, "S3_REGION", "us-east-1"),
		S3Endpoint:      getenv("S3_ENDPOINT"),
		S3Prefix:        getenv("S3_PREFIX"),
		ImagePolicy:     ImagePolicy(strings.ToLower(envOr(getenv, "IMAGE_POLICY", string(ImagePreserve)))),
		LogWebhookURL:   getenv("LOG_WEBHOOK_URL"),
		LogWebhookToken: getenv("LOG_WEBHOOK_TOKEN"),
	}

	switch cfg.StoreDriver {
	case driverBadger, driverMemory, driverSQLite, driverPostgres, driverRedis, driverS3:
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER: unknown driver %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver == driverS3 && cfg.S3Bucket == "" {
		return Config{}, fmt.Errorf("S3_BUCKET is required when STORE_DRIVER=s3")
	}
	if cfg.StoreDriver == driverPostgres && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
	}

	switch cfg.ImagePolicy {
	case ImagePreserve, ImageOverwrite:
	default:
		return Config{}, fmt.Errorf("IMAGE_POLICY: must be %q or %q, got %q", ImagePreserve, ImageOverwrite, cfg.ImagePolicy)
	}

	var err error
	if cfg.RedisDB, err = envInt(getenv, "REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.S3PathStyle, err = envBool(getenv, "S3_PATH_STYLE", false); err != nil {
		return Config{}, err
	}
	maxBytes, err := envInt(getenv, "IMAGE_MAX_BYTES", defaultImageMaxBytes)
	if err != nil {
		return Config{}, err
	}
	if maxBytes <= 0 {
		return Config{}, fmt.Errorf("IMAGE_MAX_BYTES: must be positive, got %d", maxBytes)
	}
	cfg.ImageMaxBytes = int64(maxBytes)

	if cfg.StoreTimeout, err = envDuration(getenv, "STORE_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}

	if v := getenv("MUTATION_RATE"); v != "" {
		cfg.MutationRate, err = strconv.ParseFloat(v, 64)
		if err != nil || cfg.MutationRate < 0 {
			return Config{}, fmt.Errorf("MUTATION_RATE: invalid value %q", v)
		}
	}
	if cfg.MutationBurst, err = envInt(getenv, "MUTATION_BURST", 5); err != nil {
		return Config{}, err
	}
	if cfg.MutationBurst < 1 {
		return Config{}, fmt.Errorf("MUTATION_BURST: must be at least 1, got %d", cfg.MutationBurst)
	}

	// slog.Level knows how to parse "debug", "info", "warn", "error"
	if v := getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}

	return cfg, nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(getenv func(string) string, key string, fallback int) (int, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func envBool(getenv func(string) string, key string, fallback bool) (bool, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

func envDuration(getenv func(string) string, key string, fallback time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
