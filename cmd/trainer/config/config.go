// Package config provides configuration parsing for the trainer.
//
// Settings come from command-line flags with environment variable fallbacks.
// Pipeline settings may also be supplied by a YAML file passed with
// -config-file; a value from the file applies unless the matching flag was
// given explicitly.
//
// Supported configuration sources (in order of precedence):
//  1. Command-line flags
//  2. The -config-file YAML document
//  3. Environment variables
//  4. Default values
//
// Example file:
//
//	source: data/students.csv
//	trainRatio: 0.8
//	seed: 42
//	minScore: 0.6
//	folds: 3
//	workers: 4
//	candidateTimeout: 5m
//	candidates: [linear_regression, ridge, gradient_boosting]
//	unknownCategories: ignore
//	adapter:
//	  recordsPath: data.records
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/gradecast/pkg/features"
	"github.com/HatiCode/gradecast/pkg/ingest"
	"github.com/HatiCode/gradecast/pkg/storage"
	"github.com/HatiCode/gradecast/pkg/tls"
	"github.com/HatiCode/gradecast/pkg/training"
)

// Config holds all trainer configuration.
type Config struct {
	Source     string
	ConfigFile string

	LogFormat     string
	LogLevel      string
	MetricsListen string

	DataDir       string
	TrainRatio    float64
	Seed          uint64
	AdapterConfig map[string]string
	TLS           tls.Config

	MinScore          float64
	Folds             int
	Workers           int
	CandidateTimeout  time.Duration
	Candidates        []string
	UnknownCategories string
	Timeout           time.Duration

	Storage       string
	ArtifactDir   string
	KeepRuns      int
	StaleLock     time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisLockTTL  time.Duration
	RedisRetain   time.Duration
}

// File is the YAML document accepted by -config-file. Absent keys leave the
// flag or environment value in place.
type File struct {
	Source            string            `yaml:"source"`
	DataDir           string            `yaml:"dataDir"`
	TrainRatio        *float64          `yaml:"trainRatio"`
	Seed              *uint64           `yaml:"seed"`
	MinScore          *float64          `yaml:"minScore"`
	Folds             *int              `yaml:"folds"`
	Workers           *int              `yaml:"workers"`
	CandidateTimeout  *time.Duration    `yaml:"candidateTimeout"`
	Candidates        []string          `yaml:"candidates"`
	UnknownCategories string            `yaml:"unknownCategories"`
	Adapter           map[string]string `yaml:"adapter"`
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
	var candidates string
	var seed string

	fs.StringVar(&cfg.Source, "source", getEnv("SOURCE", ""), "Dataset location: CSV file path or http(s) URL")
	fs.StringVar(&cfg.ConfigFile, "config-file", getEnv("CONFIG_FILE", ""), "YAML file with pipeline settings")

	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", getEnv("METRICS_LISTEN", ""), "Serve /metrics on this address while training (empty disables)")

	fs.StringVar(&cfg.DataDir, "data-dir", getEnv("DATA_DIR", "artifacts/data"), "Directory for the raw copy and the train/eval splits")
	fs.Float64Var(&cfg.TrainRatio, "train-ratio", getEnvFloat("TRAIN_RATIO", ingest.DefaultTrainRatio), "Fraction of rows used for training")
	fs.StringVar(&seed, "seed", getEnv("SEED", strconv.Itoa(ingest.DefaultSeed)), "Seed for the split, folds and randomised models")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Use TLS settings when fetching https sources")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "Client certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "Client private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "CA certificate file for server verification")

	fs.Float64Var(&cfg.MinScore, "min-score", getEnvFloat("MIN_SCORE", training.DefaultMinScore), "Minimum evaluation R² for a model to be published")
	fs.IntVar(&cfg.Folds, "folds", getEnvInt("FOLDS", training.DefaultFolds), "Cross-validation folds for grid search (1 disables cross-validation)")
	fs.IntVar(&cfg.Workers, "workers", getEnvInt("WORKERS", 0), "Candidates trained concurrently (0 = GOMAXPROCS)")
	fs.DurationVar(&cfg.CandidateTimeout, "candidate-timeout", getEnvDuration("CANDIDATE_TIMEOUT", 10*time.Minute), "Time budget per candidate (0 = unbounded)")
	fs.StringVar(&candidates, "candidates", getEnv("CANDIDATES", ""), "Comma-separated candidate names (empty = all)")
	fs.StringVar(&cfg.UnknownCategories, "unknown-categories", getEnv("UNKNOWN_CATEGORIES", string(features.UnknownIgnore)), "Unseen category policy: ignore or reject")
	fs.DurationVar(&cfg.Timeout, "timeout", getEnvDuration("TIMEOUT", 0), "Overall run timeout (0 = unbounded)")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", storage.BackendFile), "Artifact backend: file or redis")
	fs.StringVar(&cfg.ArtifactDir, "artifact-dir", getEnv("ARTIFACT_DIR", "artifacts/models"), "Artifact directory for the file backend")
	fs.IntVar(&cfg.KeepRuns, "keep-runs", getEnvInt("KEEP_RUNS", 5), "Published runs kept by the file backend (0 = all)")
	fs.DurationVar(&cfg.StaleLock, "stale-lock", getEnvDuration("STALE_LOCK", time.Hour), "Age after which a leftover training lock is broken (0 = never)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", getEnv("REDIS_PREFIX", storage.DefaultRedisPrefix), "Redis key prefix")
	fs.DurationVar(&cfg.RedisLockTTL, "redis-lock-ttl", getEnvDuration("REDIS_LOCK_TTL", 30*time.Minute), "Redis training lock TTL")
	fs.DurationVar(&cfg.RedisRetain, "redis-retention", getEnvDuration("REDIS_RETENTION", 24*time.Hour), "How long superseded runs stay in Redis")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	s, err := strconv.ParseUint(seed, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid seed %q: %w", seed, err)
	}
	cfg.Seed = s
	cfg.Candidates = splitList(candidates)
	cfg.AdapterConfig = parseAdapterConfig()

	if cfg.ConfigFile != "" {
		file, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		set := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		cfg.apply(file, set)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML pipeline settings file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s not found: %w", path, err)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &f, nil
}

// apply copies file values for every setting whose flag was not given.
func (c *Config) apply(f *File, set map[string]bool) {
	if f.Source != "" && !set["source"] {
		c.Source = f.Source
	}
	if f.DataDir != "" && !set["data-dir"] {
		c.DataDir = f.DataDir
	}
	if f.TrainRatio != nil && !set["train-ratio"] {
		c.TrainRatio = *f.TrainRatio
	}
	if f.Seed != nil && !set["seed"] {
		c.Seed = *f.Seed
	}
	if f.MinScore != nil && !set["min-score"] {
		c.MinScore = *f.MinScore
	}
	if f.Folds != nil && !set["folds"] {
		c.Folds = *f.Folds
	}
	if f.Workers != nil && !set["workers"] {
		c.Workers = *f.Workers
	}
	if f.CandidateTimeout != nil && !set["candidate-timeout"] {
		c.CandidateTimeout = *f.CandidateTimeout
	}
	if len(f.Candidates) > 0 && !set["candidates"] {
		c.Candidates = f.Candidates
	}
	if f.UnknownCategories != "" && !set["unknown-categories"] {
		c.UnknownCategories = f.UnknownCategories
	}
	for k, v := range f.Adapter {
		if _, ok := c.AdapterConfig[k]; !ok {
			c.AdapterConfig[k] = v
		}
	}
}

// Validate returns an error describing the first invalid setting.
func (c *Config) Validate() error {
	if c.Source == "" {
		return errors.New("--source is required")
	}
	if c.TrainRatio <= 0 || c.TrainRatio >= 1 {
		return fmt.Errorf("train ratio %v must be in (0, 1)", c.TrainRatio)
	}
	if c.Folds < 1 {
		return fmt.Errorf("folds must be >= 1, got %d", c.Folds)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if c.CandidateTimeout < 0 || c.Timeout < 0 {
		return errors.New("timeouts cannot be negative")
	}
	if c.MinScore > 1 {
		return fmt.Errorf("min score %v cannot exceed 1", c.MinScore)
	}
	if _, err := features.ParseUnknownPolicy(c.UnknownCategories); err != nil {
		return err
	}
	if _, err := training.SelectRoster(training.DefaultRoster(), c.Candidates); err != nil {
		return err
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
		File:    storage.FileStoreOptions{StaleLock: c.StaleLock, Keep: c.KeepRuns},
		Redis: storage.RedisOptions{
			Addr:      c.RedisAddr,
			Password:  c.RedisPassword,
			DB:        c.RedisDB,
			Prefix:    c.RedisPrefix,
			LockTTL:   c.RedisLockTTL,
			Retention: c.RedisRetain,
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseAdapterConfig collects ADAPTER_* environment variables into the
// adapter configuration map, converting names to lower camel case
// (ADAPTER_RECORDS_PATH becomes recordsPath).
func parseAdapterConfig() map[string]string {
	config := make(map[string]string)
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, "ADAPTER_") || len(key) == len("ADAPTER_") {
			continue
		}
		config[toLowerCamelCase(strings.TrimPrefix(key, "ADAPTER_"))] = value
	}
	return config
}

func toLowerCamelCase(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i > 0 && b.Len() > 0 {
			b.WriteString(strings.ToUpper(p[:1]))
			b.WriteString(p[1:])
			continue
		}
		b.WriteString(p)
	}
	return b.String()
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
