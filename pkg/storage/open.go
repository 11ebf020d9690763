package storage

import (
	"fmt"
	"log/slog"
)

// Backend names accepted by Open.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Config selects and configures an artifact backend.
type Config struct {
	Backend string
	Dir     string
	File    FileStoreOptions
	Redis   RedisOptions
}

// Open creates the Store named by cfg.Backend. A RedisStore should be closed
// by the caller.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendFile, "":
		return NewFileStore(cfg.Dir, cfg.File, logger)
	case BackendRedis:
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (must be file or redis)", cfg.Backend)
	}
}
