package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default key prefix for RedisStore.
const DefaultRedisPrefix = "gradecast"

// releaseScript deletes the lock only if it still holds the caller's run id,
// so a run whose lock expired cannot release its successor's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store on Redis so that several predictor replicas can
// share the published pair. Both blobs and the current pointer are written in
// one MULTI/EXEC transaction. Superseded runs expire after the retention
// period, which leaves readers that resolved the old pointer enough time to
// fetch its blobs.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	lockTTL   time.Duration
	retention time.Duration

	mu     sync.Mutex
	closed bool
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key (default "gradecast").
	Prefix string
	// LockTTL bounds how long a crashed run can hold the training lock
	// (default 30 minutes).
	LockTTL time.Duration
	// Retention is how long superseded runs are kept (default 24 hours).
	Retention time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if opts.DB < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.LockTTL == 0 {
		opts.LockTTL = 30 * time.Minute
	}
	if opts.Retention == 0 {
		opts.Retention = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return &RedisStore{
		client:    client,
		prefix:    opts.Prefix,
		lockTTL:   opts.LockTTL,
		retention: opts.Retention,
	}, nil
}

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

type redisLock struct {
	store *RedisStore
	runID string
	once  sync.Once
	err   error
}

func (l *redisLock) Release(ctx context.Context) error {
	l.once.Do(func() {
		if err := releaseScript.Run(ctx, l.store.client, []string{l.store.key("lock")}, l.runID).Err(); err != nil {
			l.err = fmt.Errorf("failed to release training lock: %w", err)
		}
	})
	return l.err
}

// Acquire takes the training lock with SET NX and a TTL.
func (r *RedisStore) Acquire(ctx context.Context, runID string) (Lock, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	ok, err := r.client.SetNX(ctx, r.key("lock"), runID, r.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire training lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &redisLock{store: r, runID: runID}, nil
}

// Publish stores both blobs and moves the current pointer in one transaction.
func (r *RedisStore) Publish(ctx context.Context, set Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	publishedAt := set.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now()
	}

	previous, err := r.client.Get(ctx, r.key("current")).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read current run: %w", err)
	}

	runKey := r.key("run", set.RunID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, runKey,
			"preprocessor", set.Preprocessor,
			"model", set.Model,
			"published_at", strconv.FormatInt(publishedAt.UnixMilli(), 10),
		)
		pipe.Persist(ctx, runKey)
		pipe.Set(ctx, r.key("current"), set.RunID, 0)
		if previous != "" && previous != set.RunID {
			pipe.Expire(ctx, r.key("run", previous), r.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish run %s: %w", set.RunID, err)
	}
	return nil
}

// Latest resolves the current pointer and fetches its blobs.
func (r *RedisStore) Latest(ctx context.Context) (Set, bool, error) {
	runID, err := r.client.Get(ctx, r.key("current")).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Set{}, false, nil
		}
		return Set{}, false, fmt.Errorf("failed to read current run: %w", err)
	}

	fields, err := r.client.HGetAll(ctx, r.key("run", runID)).Result()
	if err != nil {
		return Set{}, false, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	pre, model := fields["preprocessor"], fields["model"]
	if pre == "" || model == "" {
		return Set{}, false, fmt.Errorf("run %s is incomplete or expired", runID)
	}

	set := Set{RunID: runID, Preprocessor: []byte(pre), Model: []byte(model)}
	if ms, err := strconv.ParseInt(fields["published_at"], 10, 64); err == nil {
		set.PublishedAt = time.UnixMilli(ms)
	}
	return set, true, nil
}

// Close closes the Redis client connection.
// It is safe to call multiple times (idempotent). The client itself is kept,
// so calls racing shutdown fail with redis.ErrClosed.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	err := r.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}

	return err
}

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
