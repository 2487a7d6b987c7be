package snapshot

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RetryConfig defines retry behavior for object store operations.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns sensible defaults for S3-backed stores.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryableStore wraps a Store with retry logic. Checkpoint writes are
// idempotent (content-addressed by checkpoint id) so retries are safe.
type RetryableStore struct {
	store  Store
	config RetryConfig
}

// NewRetryableStore creates a new retryable store wrapper.
func NewRetryableStore(store Store, config RetryConfig) *RetryableStore {
	return &RetryableStore{store: store, config: config}
}

// List implements Store with retry logic.
func (r *RetryableStore) List(prefix string) ([]string, error) {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(r.calculateDelay(attempt))
		}
		result, err := r.store.List(prefix)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}
	return nil, fmt.Errorf("list failed after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

// Get implements Store with retry logic. ErrNotFound is never retried.
func (r *RetryableStore) Get(key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(r.calculateDelay(attempt))
		}
		result, err := r.store.Get(key)
		if err == nil {
			return result, nil
		}
		if err == ErrNotFound {
			return nil, err
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}
	return nil, fmt.Errorf("get failed after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

// PutAtomic implements Store with retry logic.
func (r *RetryableStore) PutAtomic(key string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(r.calculateDelay(attempt))
		}
		err := r.store.PutAtomic(key, data)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}
	return fmt.Errorf("put_atomic failed after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

// calculateDelay implements exponential backoff with jitter.
func (r *RetryableStore) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	// Jitter of up to 25% either way
	jitter := delay * 0.25 * (2*float64(time.Now().UnixNano()%1000)/1000 - 1)
	return time.Duration(delay + jitter)
}

// isRetryableError determines if an error should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"server error",
		"throttling",
		"SlowDown",
		"RequestTimeout",
		"RequestTimeoutException",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
