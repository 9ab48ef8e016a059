package cache

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupTestRedis connects to a local Redis and skips the test when none is running.
// tests/integration covers the same paths against a container.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func setupManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(setupTestRedis(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager
}

func TestNewManager_NilClient(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Error("NewManager(nil) should fail")
	}
}

func TestManager_SetAndGet(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	key := SchemaKey("https://org.crm.dynamics.com", "account")
	entry := NewEntry([]byte(`{"entity_set_name":"accounts"}`), time.Hour)

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Data) != string(entry.Data) {
		t.Errorf("Data = %q, want %q", got.Data, entry.Data)
	}
}

func TestManager_Get_CacheMiss(t *testing.T) {
	manager := setupManager(t)

	_, err := manager.Get(context.Background(), SchemaKey("https://org.crm.dynamics.com", "missing"))
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_Set_ExpiredEntryIgnored(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	key := SchemaKey("https://org.crm.dynamics.com", "stale")
	entry := &CacheEntry{Data: []byte("x"), Expires: time.Now().Add(-time.Second)}

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_Get_InvalidEntry(t *testing.T) {
	client := setupTestRedis(t)
	manager, _ := NewManager(client)
	ctx := context.Background()

	key := SchemaKey("https://org.crm.dynamics.com", "broken")
	client.Set(ctx, key.String(), "not json", time.Minute)

	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Get() error = %v, want ErrInvalidEntry", err)
	}
	if n := client.Exists(ctx, key.String()).Val(); n != 0 {
		t.Error("corrupt entry should be removed")
	}
}

func TestManager_Delete(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	key := SchemaKey("https://org.crm.dynamics.com", "account")
	if err := manager.Set(ctx, key, NewEntry([]byte("x"), time.Hour)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after Delete error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_Invalidate(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	env := "https://org.crm.dynamics.com"
	other := "https://other.crm.dynamics.com"
	for _, name := range []string{"account", "contact", "lead"} {
		if err := manager.Set(ctx, SchemaKey(env, name), NewEntry([]byte(name), time.Hour)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	if err := manager.Set(ctx, SchemaKey(other, "account"), NewEntry([]byte("o"), time.Hour)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	deleted, err := manager.Invalidate(ctx, env)
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("Invalidate() deleted %d keys, want 3", deleted)
	}

	if _, err := manager.Get(ctx, SchemaKey(other, "account")); err != nil {
		t.Errorf("other environment should be untouched, got %v", err)
	}
}

// failingDelHook answers GET with a fixed payload and fails every DEL without
// touching the network.
type failingDelHook struct {
	payload string
}

func (h failingDelHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h failingDelHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		switch c := cmd.(type) {
		case *redis.StringCmd:
			c.SetVal(h.payload)
			return nil
		case *redis.IntCmd:
			err := errors.New("READONLY You can't write against a read only replica")
			c.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (h failingDelHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

var _ redis.Hook = failingDelHook{}

func TestManager_Get_DropFailureLogged(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:0",
		Dialer: func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("no network in this test")
		},
	})
	defer client.Close()
	client.AddHook(failingDelHook{payload: "not json"})

	manager, err := NewManager(client)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	var logs bytes.Buffer
	manager.logger = zerolog.New(&logs).Level(zerolog.DebugLevel)

	before := promtest.ToFloat64(CacheErrors.WithLabelValues("delete"))

	key := SchemaKey("https://org.crm.dynamics.com", "broken")
	if _, err := manager.Get(context.Background(), key); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("Get() error = %v, want ErrInvalidEntry", err)
	}

	if got := promtest.ToFloat64(CacheErrors.WithLabelValues("delete")) - before; got != 1 {
		t.Errorf("delete errors = %v, want 1", got)
	}
	if !strings.Contains(logs.String(), "Failed to drop cache entry") || !strings.Contains(logs.String(), `"reason":"corrupt"`) {
		t.Errorf("expected drop failure to be logged, got %s", logs.String())
	}
}
