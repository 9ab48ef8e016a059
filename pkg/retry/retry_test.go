package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/dataverse-client/pkg/client"
)

func fastConfig(client.ErrorClass) Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func serverError() error {
	return &client.APIError{StatusCode: http.StatusServiceUnavailable, Class: client.ErrorClassServer, Message: "unavailable"}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestConfigForErrorClass(t *testing.T) {
	tests := []struct {
		name             string
		errorClass       client.ErrorClass
		expectedInitial  time.Duration
		expectedMax      time.Duration
		expectedAttempts int
	}{
		{"server error config", client.ErrorClassServer, 1 * time.Second, 10 * time.Second, 3},
		{"rate limit config", client.ErrorClassRateLimit, 5 * time.Second, 300 * time.Second, 5},
		{"network error config", client.ErrorClassNetwork, 2 * time.Second, 30 * time.Second, 3},
		{"unknown error class uses default", "", 1 * time.Second, 30 * time.Second, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := ConfigForErrorClass(tt.errorClass)

			if config.InitialBackoff != tt.expectedInitial {
				t.Errorf("InitialBackoff = %v, want %v", config.InitialBackoff, tt.expectedInitial)
			}
			if config.MaxBackoff != tt.expectedMax {
				t.Errorf("MaxBackoff = %v, want %v", config.MaxBackoff, tt.expectedMax)
			}
			if config.MaxAttempts != tt.expectedAttempts {
				t.Errorf("MaxAttempts = %d, want %d", config.MaxAttempts, tt.expectedAttempts)
			}
		})
	}
}

func TestDo_Success(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), func(context.Context) error {
		callCount++
		return nil
	}, WithConfigFunc(fastConfig))

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), func(context.Context) error {
		callCount++
		if callCount < 3 {
			return serverError()
		}
		return nil
	}, WithConfigFunc(fastConfig))

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	callCount := 0
	badRequest := &client.APIError{StatusCode: http.StatusBadRequest, Class: client.ErrorClassClient}

	err := Do(context.Background(), func(context.Context) error {
		callCount++
		return badRequest
	}, WithConfigFunc(fastConfig))

	if !errors.Is(err, badRequest) {
		t.Errorf("Expected the client error back, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestDo_UnclassifiedErrorNotRetried(t *testing.T) {
	callCount := 0
	_ = Do(context.Background(), func(context.Context) error {
		callCount++
		return errors.New("boom")
	}, WithConfigFunc(fastConfig))

	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestDo_Exhausted(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), func(context.Context) error {
		callCount++
		return &client.TransportError{Method: "GET", URL: "x", Err: errors.New("connection refused")}
	}, WithConfigFunc(fastConfig), WithMaxAttempts(4))

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	var transportErr *client.TransportError
	if !errors.As(err, &transportErr) {
		t.Errorf("Expected wrapped TransportError, got %v", err)
	}
	if callCount != 4 {
		t.Errorf("Expected 4 calls, got %d", callCount)
	}
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	callCount := 0
	start := time.Now()

	err := Do(context.Background(), func(context.Context) error {
		callCount++
		if callCount == 1 {
			return &client.APIError{
				StatusCode: http.StatusTooManyRequests,
				Class:      client.ErrorClassRateLimit,
				RetryAfter: 150 * time.Millisecond,
			}
		}
		return nil
	}, WithConfigFunc(fastConfig))

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Expected wait of at least 150ms, got %v", elapsed)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	slow := func(client.ErrorClass) Config {
		return Config{MaxAttempts: 3, InitialBackoff: 10 * time.Second, MaxBackoff: 10 * time.Second, BackoffMultiplier: 1}
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, func(context.Context) error { return serverError() }, WithConfigFunc(slow))

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected wrapped context.Canceled, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Do did not return promptly after cancellation")
	}
}
