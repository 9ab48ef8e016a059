// Package ratelimit tracks Dataverse service protection limits and gates
// requests. It reads the x-ms-ratelimit-burst-remaining-xrm-requests header
// and the Retry-After of 429 responses, and shares the state across client
// instances through Redis.
package ratelimit

import (
	"time"
)

// Response headers carrying service protection state.
const (
	HeaderBurstRemaining = "x-ms-ratelimit-burst-remaining-xrm-requests"
	HeaderTimeRemaining  = "x-ms-ratelimit-time-remaining-xrm-requests"
	HeaderRetryAfter     = "Retry-After"
)

// Redis key suffixes, appended to the environment prefix.
const (
	redisKeyBurstRemaining = "rate_limit:burst_remaining"
	redisKeyRetryAt        = "rate_limit:retry_at"
	redisKeyLastUpdate     = "rate_limit:last_update"
)

const (
	// DefaultBurstLimit is the number of requests per user in a five minute window.
	DefaultBurstLimit = 6000

	// BurstWindow is the length of the sliding service protection window.
	BurstWindow = 5 * time.Minute

	// BurstThresholdWarning applies throttling when fewer requests remain.
	BurstThresholdWarning = 100

	// BurstThresholdHealthy indicates normal operation.
	BurstThresholdHealthy = 1000

	// DefaultRetryAfter is the blocking window for a 429 without Retry-After.
	DefaultRetryAfter = 30 * time.Second
)

// State is the service protection state of one environment.
type State struct {
	// BurstRemaining is the number of requests left in the current window.
	BurstRemaining int `json:"burst_remaining"`

	// RetryAt is the end of the blocking window opened by a 429. Zero when
	// no window is open.
	RetryAt time.Time `json:"retry_at"`

	LastUpdate time.Time `json:"last_update"`

	IsHealthy bool `json:"is_healthy"`
}

// DefaultState is the state assumed before any response has been seen.
func DefaultState() *State {
	s := &State{BurstRemaining: DefaultBurstLimit, LastUpdate: time.Now()}
	s.UpdateHealth()
	return s
}

// Blocked reports whether a 429 blocking window is still open.
func (s *State) Blocked() bool {
	return s.TimeUntilRetry() > 0
}

// NeedsThrottling reports whether requests should be slowed down.
func (s *State) NeedsThrottling() bool {
	return s.BurstRemaining < BurstThresholdWarning && !s.Blocked()
}

// TimeUntilRetry returns the remaining blocking window, or 0.
func (s *State) TimeUntilRetry() time.Duration {
	if s.RetryAt.IsZero() {
		return 0
	}
	return max(time.Until(s.RetryAt), 0)
}

// UpdateHealth updates IsHealthy from BurstRemaining and the blocking window.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.BurstRemaining >= BurstThresholdHealthy && !s.Blocked()
}
