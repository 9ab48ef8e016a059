package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/dataverse-client/pkg/cache"
	"github.com/Sternrassler/dataverse-client/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for service protection tracking.
var (
	burstRemainingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dataverse_burst_remaining",
		Help: "Requests remaining in the current service protection window",
	})

	timeRemainingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dataverse_execution_time_remaining_ms",
		Help: "Combined execution time remaining in the current service protection window",
	})

	serviceProtectionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataverse_service_protection_errors_total",
		Help: "Total number of 429 responses received",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataverse_rate_limit_blocks_total",
		Help: "Total number of requests blocked during a Retry-After window",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataverse_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to low burst remaining",
	})
)

var _ client.Limiter = (*Tracker)(nil)

// Update is the service protection information carried by one response.
type Update struct {
	// BurstRemaining is valid when HasBurst is set.
	BurstRemaining int
	HasBurst       bool

	// TimeRemaining is the execution time left in milliseconds, valid when
	// HasTime is set.
	TimeRemaining float64
	HasTime       bool

	// Throttled is set for 429 responses. RetryAfter is never zero then.
	Throttled  bool
	RetryAfter time.Duration
}

// ParseResponse extracts service protection information from a response.
func ParseResponse(statusCode int, headers http.Header) (Update, error) {
	var u Update

	if v := headers.Get(HeaderBurstRemaining); v != "" {
		n, err := strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(v), ",", ""))
		if err != nil {
			return Update{}, fmt.Errorf("parse %s header: %w", HeaderBurstRemaining, err)
		}
		u.BurstRemaining, u.HasBurst = n, true
	}

	if v := headers.Get(HeaderTimeRemaining); v != "" {
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(v), ",", ""), 64)
		if err != nil {
			return Update{}, fmt.Errorf("parse %s header: %w", HeaderTimeRemaining, err)
		}
		u.TimeRemaining, u.HasTime = f, true
	}

	if statusCode == http.StatusTooManyRequests {
		u.Throttled = true
		u.RetryAfter = client.ParseRetryAfter(headers.Get(HeaderRetryAfter))
		if u.RetryAfter <= 0 {
			u.RetryAfter = DefaultRetryAfter
		}
	}

	return u, nil
}

// Tracker monitors service protection limits of one environment and gates
// requests. It implements client.Limiter.
type Tracker struct {
	redis         *redis.Client
	prefix        string
	throttleDelay time.Duration
	logger        zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThrottleDelay sets the pause applied while burst remaining is low.
func WithThrottleDelay(d time.Duration) Option {
	return func(t *Tracker) {
		t.throttleDelay = d
	}
}

// NewTracker creates a tracker for environment. Trackers of the same
// environment share state through redisClient.
func NewTracker(redisClient *redis.Client, environment string, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		redis:         redisClient,
		prefix:        cache.EnvironmentPrefix(environment) + ":",
		throttleDelay: time.Second,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) key(suffix string) string {
	return t.prefix + suffix
}

// GetState retrieves the current state from Redis. Absent keys yield the
// DefaultState values; stored values expire with the service protection window.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	vals, err := t.redis.MGet(ctx,
		t.key(redisKeyBurstRemaining),
		t.key(redisKeyRetryAt),
		t.key(redisKeyLastUpdate),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	state := DefaultState()

	// Parse burst remaining
	if s, ok := vals[0].(string); ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("parse burst remaining: %w", err)
		}
		state.BurstRemaining = n
	}

	// Parse retry-at timestamp (Unix milliseconds)
	if s, ok := vals[1].(string); ok {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse retry at: %w", err)
		}
		state.RetryAt = time.UnixMilli(ms)
	}

	// Parse last update timestamp
	if s, ok := vals[2].(string); ok {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
		state.LastUpdate = time.UnixMilli(ms)
	}

	// Calculate health status
	state.UpdateHealth()
	return state, nil
}

// UpdateFromResponse records the service protection headers of a response.
// Responses without such information leave Redis untouched.
func (t *Tracker) UpdateFromResponse(ctx context.Context, statusCode int, headers http.Header) error {
	update, err := ParseResponse(statusCode, headers)
	if err != nil {
		return err
	}
	if !update.HasBurst && !update.Throttled {
		return nil
	}

	// Store in Redis; every key expires with its window
	now := time.Now()
	pipe := t.redis.TxPipeline()
	if update.HasBurst {
		pipe.Set(ctx, t.key(redisKeyBurstRemaining), update.BurstRemaining, BurstWindow)
	}
	if update.Throttled {
		retryAt := now.Add(update.RetryAfter)
		pipe.Set(ctx, t.key(redisKeyRetryAt), retryAt.UnixMilli(), update.RetryAfter)
	}
	pipe.Set(ctx, t.key(redisKeyLastUpdate), now.UnixMilli(), BurstWindow)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	// Update Prometheus metrics
	if update.HasBurst {
		burstRemainingGauge.Set(float64(update.BurstRemaining))
	}
	if update.HasTime {
		timeRemainingGauge.Set(update.TimeRemaining)
	}

	// Log state changes
	switch {
	case update.Throttled:
		serviceProtectionTotal.Inc()
		t.logger.Warn().
			Dur("retry_after", update.RetryAfter).
			Msg("Service protection limit hit - requests will be blocked")
	case update.BurstRemaining < BurstThresholdWarning:
		t.logger.Warn().
			Int("burst_remaining", update.BurstRemaining).
			Msg("Burst limit low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("burst_remaining", update.BurstRemaining).
			Msg("Service protection state updated")
	}

	return nil
}

// ShouldAllowRequest returns false while a Retry-After window is open. When
// burst remaining is low it pauses for the throttle delay before allowing.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, err
	}

	// Block during the Retry-After window
	if state.Blocked() {
		t.logger.Warn().
			Dur("wait_duration", state.TimeUntilRetry()).
			Msg("Service protection window open - blocking request")
		rateLimitBlocksTotal.Inc()
		return false, nil
	}

	// Throttle if burst remaining is low
	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("burst_remaining", state.BurstRemaining).
			Msg("Burst limit low - throttling request")
		rateLimitThrottlesTotal.Inc()

		timer := time.NewTimer(t.throttleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	return true, nil
}

// Reset clears the stored state.
func (t *Tracker) Reset(ctx context.Context) error {
	err := t.redis.Del(ctx,
		t.key(redisKeyBurstRemaining),
		t.key(redisKeyRetryAt),
		t.key(redisKeyLastUpdate),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("reset rate limit state: %w", err)
	}
	return nil
}
