//go:build integration

package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

// setupRedisContainer starts a Redis container for testing
func setupRedisContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	redisContainer, err := redis.Run(ctx,
		"redis:7-alpine",
		redis.WithLogLevel(redis.LogLevelVerbose),
	)
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	endpoint, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	return strings.TrimPrefix(endpoint, "redis://")
}

func newRedisStore(t *testing.T, addr string, opts RedisOptions) *RedisStore {
	t.Helper()
	opts.Addr = addr
	store, err := NewRedisStore(opts)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStore_Contract(t *testing.T) {
	addr := setupRedisContainer(t)
	storeContract(t, newRedisStore(t, addr, RedisOptions{}))
}

func TestRedisStore_SharedAcrossClients(t *testing.T) {
	addr := setupRedisContainer(t)
	trainer := newRedisStore(t, addr, RedisOptions{Prefix: "shared"})
	replica := newRedisStore(t, addr, RedisOptions{Prefix: "shared"})
	ctx := context.Background()

	if err := trainer.Publish(ctx, testSet("run-1")); err != nil {
		t.Fatal(err)
	}
	got, found, err := replica.Latest(ctx)
	if err != nil || !found {
		t.Fatalf("Latest: found=%v err=%v", found, err)
	}
	if got.RunID != "run-1" || !got.PublishedAt.Equal(testSet("run-1").PublishedAt) {
		t.Errorf("replica saw %s at %v", got.RunID, got.PublishedAt)
	}

	lock, err := trainer.Acquire(ctx, "run-2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := replica.Acquire(ctx, "run-3"); !errors.Is(err, ErrLocked) {
		t.Errorf("second client Acquire = %v, want ErrLocked", err)
	}
	_ = lock.Release(ctx)
}

func TestRedisStore_PrefixesIsolate(t *testing.T) {
	addr := setupRedisContainer(t)
	a := newRedisStore(t, addr, RedisOptions{Prefix: "a"})
	b := newRedisStore(t, addr, RedisOptions{Prefix: "b"})
	ctx := context.Background()

	if err := a.Publish(ctx, testSet("run-1")); err != nil {
		t.Fatal(err)
	}
	if _, found, err := b.Latest(ctx); err != nil || found {
		t.Errorf("prefix b sees a's run: found=%v err=%v", found, err)
	}
}

func TestRedisStore_LockExpires(t *testing.T) {
	addr := setupRedisContainer(t)
	store := newRedisStore(t, addr, RedisOptions{LockTTL: time.Second})
	ctx := context.Background()

	stale, err := store.Acquire(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(1500 * time.Millisecond)

	fresh, err := store.Acquire(ctx, "run-2")
	if err != nil {
		t.Fatalf("lock did not expire: %v", err)
	}
	// The expired holder must not release its successor's lock.
	if err := stale.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Acquire(ctx, "run-3"); !errors.Is(err, ErrLocked) {
		t.Errorf("Acquire after stale release = %v, want ErrLocked", err)
	}
	_ = fresh.Release(ctx)
}

func TestRedisStore_SupersededRunExpires(t *testing.T) {
	addr := setupRedisContainer(t)
	store := newRedisStore(t, addr, RedisOptions{Retention: time.Minute})
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2"} {
		if err := store.Publish(ctx, testSet(id)); err != nil {
			t.Fatal(err)
		}
	}
	ttl, err := store.client.TTL(ctx, store.key("run", "run-1")).Result()
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("superseded run TTL = %v, want (0, 1m]", ttl)
	}
	ttl, _ = store.client.TTL(ctx, store.key("run", "run-2")).Result()
	if ttl != -1 {
		t.Errorf("current run TTL = %v, want none", ttl)
	}
}

func TestRedisStore_CloseIdempotent(t *testing.T) {
	addr := setupRedisContainer(t)
	store, err := NewRedisStore(RedisOptions{Addr: addr})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Error("Ping after Close should fail")
	}
}

func TestRedisStore_CallsRacingClose(t *testing.T) {
	addr := setupRedisContainer(t)
	store, err := NewRedisStore(RedisOptions{Addr: addr, Prefix: "closing"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _, _ = store.Latest(ctx)
			}
		}()
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	if _, _, err := store.Latest(ctx); err == nil {
		t.Error("Latest after Close should fail")
	}
	if _, err := store.Acquire(ctx, "run-1"); err == nil {
		t.Error("Acquire after Close should fail")
	}
	set := Set{RunID: "run-1", Preprocessor: []byte("p"), Model: []byte("m")}
	if err := store.Publish(ctx, set); err == nil {
		t.Error("Publish after Close should fail")
	}
}

func TestNewRedisStore_Errors(t *testing.T) {
	if _, err := NewRedisStore(RedisOptions{}); err == nil || err.Error() != "redis address cannot be empty" {
		t.Errorf("empty addr: err = %v", err)
	}
	if _, err := NewRedisStore(RedisOptions{Addr: "localhost:6379", DB: -1}); err == nil {
		t.Error("expected error for negative db")
	}
	if _, err := NewRedisStore(RedisOptions{Addr: "invalid:99999"}); err == nil {
		t.Error("expected error for invalid address")
	}
}
