//go:build integration

package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/Sternrassler/dataverse-client/internal/testutil"
	"github.com/Sternrassler/dataverse-client/pkg/client"
	"github.com/Sternrassler/dataverse-client/pkg/request"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testEnvironment = "https://org.crm.dynamics.com"

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		rdb.Close()
		redisContainer.Terminate(ctx)
	}

	return rdb, cleanup
}

func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func TestTracker_Integration_GetState(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	tracker := NewTracker(rdb, testEnvironment, quietLogger())
	ctx := context.Background()

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.BurstRemaining != DefaultBurstLimit {
		t.Errorf("default BurstRemaining = %d, want %d", state.BurstRemaining, DefaultBurstLimit)
	}
	if !state.IsHealthy {
		t.Error("default state should be healthy")
	}

	headers := http.Header{}
	headers.Set(HeaderBurstRemaining, "750")
	if err := tracker.UpdateFromResponse(ctx, http.StatusOK, headers); err != nil {
		t.Fatalf("UpdateFromResponse() error = %v", err)
	}

	state, err = tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.BurstRemaining != 750 {
		t.Errorf("BurstRemaining = %d, want 750", state.BurstRemaining)
	}
	if state.IsHealthy {
		t.Error("state below healthy threshold should not be healthy")
	}
	if time.Since(state.LastUpdate) > 5*time.Second {
		t.Errorf("LastUpdate too old: %v", state.LastUpdate)
	}

	ttl, err := rdb.TTL(ctx, tracker.key(redisKeyBurstRemaining)).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > BurstWindow {
		t.Errorf("burst remaining TTL = %v, want within window", ttl)
	}
}

func TestTracker_Integration_SharedAcrossInstances(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	writer := NewTracker(rdb, testEnvironment, quietLogger())
	reader := NewTracker(rdb, testEnvironment+"/", quietLogger())
	other := NewTracker(rdb, "https://other.crm.dynamics.com", quietLogger())

	headers := http.Header{}
	headers.Set(HeaderBurstRemaining, "42")
	if err := writer.UpdateFromResponse(ctx, http.StatusOK, headers); err != nil {
		t.Fatalf("UpdateFromResponse() error = %v", err)
	}

	state, err := reader.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.BurstRemaining != 42 {
		t.Errorf("reader BurstRemaining = %d, want 42", state.BurstRemaining)
	}

	state, err = other.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.BurstRemaining != DefaultBurstLimit {
		t.Errorf("other environment BurstRemaining = %d, want %d", state.BurstRemaining, DefaultBurstLimit)
	}
}

func TestTracker_Integration_RetryAfterBlocks(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	tracker := NewTracker(rdb, testEnvironment, quietLogger())
	ctx := context.Background()

	headers := http.Header{}
	headers.Set(HeaderRetryAfter, "1")
	if err := tracker.UpdateFromResponse(ctx, http.StatusTooManyRequests, headers); err != nil {
		t.Fatalf("UpdateFromResponse() error = %v", err)
	}

	allowed, err := tracker.ShouldAllowRequest(ctx)
	if err != nil {
		t.Fatalf("ShouldAllowRequest() error = %v", err)
	}
	if allowed {
		t.Error("request should be blocked during the Retry-After window")
	}

	time.Sleep(1200 * time.Millisecond)

	allowed, err = tracker.ShouldAllowRequest(ctx)
	if err != nil {
		t.Fatalf("ShouldAllowRequest() error = %v", err)
	}
	if !allowed {
		t.Error("request should be allowed after the window closes")
	}
}

func TestTracker_Integration_Throttling(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	tracker := NewTracker(rdb, testEnvironment, quietLogger(), WithThrottleDelay(200*time.Millisecond))
	ctx := context.Background()

	headers := http.Header{}
	headers.Set(HeaderBurstRemaining, "10")
	if err := tracker.UpdateFromResponse(ctx, http.StatusOK, headers); err != nil {
		t.Fatalf("UpdateFromResponse() error = %v", err)
	}

	start := time.Now()
	allowed, err := tracker.ShouldAllowRequest(ctx)
	if err != nil {
		t.Fatalf("ShouldAllowRequest() error = %v", err)
	}
	if !allowed {
		t.Error("throttled request should still be allowed")
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("throttle delay not applied: %v", elapsed)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	allowed, err = tracker.ShouldAllowRequest(cancelled)
	if !errors.Is(err, context.Canceled) || allowed {
		t.Errorf("ShouldAllowRequest() with cancelled context = %v, %v", allowed, err)
	}
}

func TestTracker_Integration_Reset(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	tracker := NewTracker(rdb, testEnvironment, quietLogger())
	ctx := context.Background()

	headers := http.Header{}
	headers.Set(HeaderBurstRemaining, "0")
	headers.Set(HeaderRetryAfter, "300")
	if err := tracker.UpdateFromResponse(ctx, http.StatusTooManyRequests, headers); err != nil {
		t.Fatalf("UpdateFromResponse() error = %v", err)
	}

	if err := tracker.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Blocked() || state.BurstRemaining != DefaultBurstLimit {
		t.Errorf("state after reset = %+v, want default", state)
	}
}

func TestTracker_Integration_ClientBlocksAfter429(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockDataverse()
	defer mock.Close()
	mock.SetResponse("accounts", testutil.NewServiceProtectionResponse(60*time.Second))

	cfg := client.DefaultConfig(mock.URL(), mock.Client())
	cfg.Limiter = NewTracker(rdb, mock.URL(), quietLogger())
	api, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	ctx := context.Background()
	_, err = api.Do(ctx, request.New(request.MethodGet, "accounts"))
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("first request error = %v, want 429 APIError", err)
	}
	if apiErr.RetryAfter != 60*time.Second {
		t.Errorf("RetryAfter = %v, want 60s", apiErr.RetryAfter)
	}

	_, err = api.Do(ctx, request.New(request.MethodGet, "contacts"))
	if !errors.Is(err, client.ErrRateLimited) {
		t.Errorf("second request error = %v, want ErrRateLimited", err)
	}
	if got := mock.GetRequestCount(); got != 1 {
		t.Errorf("server saw %d requests, want 1", got)
	}
}
