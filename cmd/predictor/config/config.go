// Package config provides configuration parsing for the predictor.
//
// It handles both command-line flags and environment variables, with flags
// taking precedence over environment variables. The Config struct covers:
//   - Listeners (HTTP, gRPC)
//   - Artifact store selection and reload interval
//   - Prediction output policy and request limits
//   - Logging and TLS
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/HatiCode/gradecast/pkg/storage"
	"github.com/HatiCode/gradecast/pkg/tls"
)

// Config holds all predictor configuration.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string
	TLS        tls.Config

	ReloadInterval time.Duration
	Clip           bool
	MaxBatch       int
	MaxBodyBytes   int64

	Storage       string
	ArtifactDir   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// ParseFlags parses os.Args and exits with a message on invalid configuration.
func ParseFlags() *Config {
	cfg, err := Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
	return cfg
}

// Parse reads flags from args into a validated Config.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ":9090"), "gRPC listen address (empty disables)")

	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable TLS for the HTTP and gRPC servers")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA certificate file for client verification (enables mTLS)")

	fs.DurationVar(&cfg.ReloadInterval, "reload-interval", getEnvDuration("RELOAD_INTERVAL", 30*time.Second), "How often the artifact store is polled for a new run")
	fs.BoolVar(&cfg.Clip, "clip", getEnvBool("CLIP", true), "Clip predictions to the score range [0, 100]")
	fs.IntVar(&cfg.MaxBatch, "max-batch", getEnvInt("MAX_BATCH", 10000), "Maximum records per batch request")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", int64(getEnvInt("MAX_BODY_BYTES", 8<<20)), "Maximum request body size")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", storage.BackendFile), "Artifact backend: file or redis")
	fs.StringVar(&cfg.ArtifactDir, "artifact-dir", getEnv("ARTIFACT_DIR", "artifacts/models"), "Artifact directory for the file backend")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", getEnv("REDIS_PREFIX", storage.DefaultRedisPrefix), "Redis key prefix")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns an error describing the first invalid setting.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("--listen cannot be empty")
	}
	if c.ReloadInterval <= 0 {
		return fmt.Errorf("reload interval must be > 0, got %v", c.ReloadInterval)
	}
	if c.MaxBatch < 1 {
		return fmt.Errorf("max batch must be >= 1, got %d", c.MaxBatch)
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("max body bytes must be >= 1, got %d", c.MaxBodyBytes)
	}
	switch c.Storage {
	case storage.BackendFile:
		if c.ArtifactDir == "" {
			return errors.New("--artifact-dir is required for the file backend")
		}
	case storage.BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("--redis-addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid storage %q (must be file or redis)", c.Storage)
	}
	return c.TLS.Validate()
}

// StorageConfig returns the artifact backend settings.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Backend: c.Storage,
		Dir:     c.ArtifactDir,
		Redis: storage.RedisOptions{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			Prefix:   c.RedisPrefix,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
