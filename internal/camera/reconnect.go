package camera

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff reconnection
type ReconnectConfig struct {
	MaxRetries    int           // Attempts per backoff cycle, 0 never ends the cycle
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    0,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// ConnectFunc attempts to establish a connection
type ConnectFunc func(ctx context.Context) error

// runWithReconnect calls connectFn until it succeeds, waiting with
// exponential backoff between failures.
// Returns the attempt count on success, or an error once ctx is done or
// MaxRetries is exceeded.
func runWithReconnect(ctx context.Context, connectFn ConnectFunc, cfg ReconnectConfig, logger *slog.Logger) (int, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		attempt++
		err := connectFn(ctx)
		if err == nil {
			return attempt, nil
		}

		logger.Error("connection failed", "error", err, "attempt", attempt)

		if cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries {
			return attempt, &RetriesExceededError{Attempts: attempt, Last: err}
		}

		delay := calculateBackoff(attempt, cfg)
		logger.Warn("retrying connection", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		}
	}
}

// calculateBackoff calculates the exponential backoff delay for a given attempt
//
// Formula: delay = retryDelay * 2^(attempt-1)
// Cap: min(delay, maxRetryDelay)
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		attempt = 31
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))

	if cfg.MaxRetryDelay > 0 && (delay > cfg.MaxRetryDelay || delay <= 0) {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// RetriesExceededError reports a reconnect loop that gave up
type RetriesExceededError struct {
	Attempts int
	Last     error
}

func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExceededError) Unwrap() error {
	return e.Last
}
