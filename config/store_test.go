package config_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-client/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	testStore(t, config.NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store := config.NewFileStore(t.TempDir())
	testStore(t, store)

	// Another store over the same directory sees the same data.
	require.NoError(t, os.WriteFile(store.Path("raw"), []byte(`{}`), 0o600))
	blob, err := store.Get(context.Background(), "raw")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), blob)
}

func TestFileStoreWatch(t *testing.T) {
	store := config.NewFileStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu   sync.Mutex
		seen []config.Config
	)
	done := make(chan error, 1)
	go func() {
		done <- config.Follow(ctx, store, store, config.DefaultKey, func(cfg config.Config) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, cfg)
		})
	}()

	want := config.Defaults()
	want.MaxReconnectAttempts = 11

	// The watcher starts asynchronously; keep saving until a change is observed.
	require.Eventually(t, func() bool {
		_ = config.Save(context.Background(), store, config.DefaultKey, want)
		mu.Lock()
		defer mu.Unlock()
		for _, cfg := range seen {
			if cfg.MaxReconnectAttempts == 11 {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 3})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()
	defer client.FlushDB(ctx)

	store, err := config.NewRedisStore(client, config.WithRedisKeyPrefix("mcp:test:"))
	require.NoError(t, err)
	testStore(t, store)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	changed := make(chan struct{}, 1)
	go func() {
		_ = store.Watch(watchCtx, "watched", func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	require.Eventually(t, func() bool {
		_ = store.Set(ctx, "watched", []byte(`{}`))
		select {
		case <-changed:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNewRedisStoreRequiresClient(t *testing.T) {
	_, err := config.NewRedisStore(nil)
	assert.Error(t, err)
}

func testStore(t *testing.T, store config.Store) {
	t.Helper()
	ctx := context.Background()

	blob, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, store.Set(ctx, "k", []byte(`{"a":1}`)))
	require.NoError(t, store.Set(ctx, "k", []byte(`{"a":2}`)))

	blob, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(blob))
}
