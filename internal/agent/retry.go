package agent

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/clawd/internal/provider"
)

// RetryConfig mirrors the retry section of the agent configuration.
type RetryConfig struct {
	BaseDelayMs       int
	MaxDelayMs        int
	MaxRetries        int
	RetryableStatuses []int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelayMs:       1000,
		MaxDelayMs:        30000,
		MaxRetries:        3,
		RetryableStatuses: []int{429, 500, 502, 503, 529},
	}
}

// StatusEvent reports one retry decision to observers.
type StatusEvent struct {
	Attempt int    `json:"attempt"`
	DelayMs int64  `json:"delayMs"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// WithRetry runs op with exponential half-jitter backoff on retryable
// HTTP statuses. A Retry-After header on 429 overrides the computed
// delay. The sleep aborts immediately on ctx cancellation.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, onStatus func(StatusEvent), op func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		status := provider.StatusOf(err)
		if !cfg.retryable(status) || attempt > cfg.MaxRetries {
			return zero, err
		}

		delay := backoffDelay(cfg, attempt)
		if status == http.StatusTooManyRequests {
			if ra, ok := parseRetryAfter(provider.RetryAfterOf(err)); ok {
				delay = ra
			}
		}

		if onStatus != nil {
			onStatus(StatusEvent{
				Attempt: attempt + 1,
				DelayMs: delay.Milliseconds(),
				Status:  status,
				Message: err.Error(),
			})
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (cfg RetryConfig) retryable(status int) bool {
	for _, s := range cfg.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// backoffDelay is floor(base * 2^(n-1) * (0.5 + rand)) capped at max.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	base := float64(cfg.BaseDelayMs)
	for i := 1; i < attempt; i++ {
		base *= 2
	}
	ms := int64(base * (0.5 + rand.Float64()))
	if max := int64(cfg.MaxDelayMs); ms > max {
		ms = max
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// parseRetryAfter accepts delay-seconds or an HTTP-date.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
