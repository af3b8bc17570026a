// Package retry provides exponential backoff with jitter for transient I/O
// failures (broker, database, provider HTTP). The classifier treats
// connection, timeout, transient network and OS-level errors as retryable;
// everything else fails fast.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Zero or one means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the delay after each retry; 2.0 is exponential.
	BackoffMultiplier float64
	// Jitter adds up to the given fraction of random delay (0.1 = 10%).
	Jitter float64
}

// DefaultConfig matches the flusher's persistence retry policy: three
// attempts, 100ms base, 5s cap.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// ExhaustedError is returned when all attempts failed.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// TotalDuration is the wall time spent across attempts.
	TotalDuration time.Duration
	// LastError is the error from the final attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the final attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Do invokes fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The context aborts waits between attempts.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || attempt == attempts {
			break
		}
		delay := Backoff(cfg, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if cfg.MaxAttempts > 1 {
		return &ExhaustedError{Attempts: attempts, TotalDuration: time.Since(start), LastError: lastErr}
	}
	return lastErr
}

// Backoff returns the delay after the given 1-based attempt.
func Backoff(cfg Config, attempt int) time.Duration {
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(cfg.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxBackoff > 0 && delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		delay += delay * cfg.Jitter * rand.Float64()
	}
	return time.Duration(delay)
}

// transientSubstrings matches provider and driver errors that carry no typed
// cause. Intentionally loose; see IsRetryable.
var transientSubstrings = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"temporarily unavailable",
	"too many connections",
	"eof",
}

// IsRetryable reports whether an error is worth retrying. Connection,
// timeout, transient network and OS-level errors qualify; context
// cancellation never does.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// OpError first: it implements net.Error but Timeout() is false for
	// connection failures, which are exactly the errors worth retrying.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
