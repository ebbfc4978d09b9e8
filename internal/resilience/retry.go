// Package resilience retries store operations that fail transiently.
package resilience

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Policy controls retry behavior with exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Default: 100ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 5s.
	MaxBackoff time.Duration

	// ShouldRetry overrides IsTransient when set.
	ShouldRetry func(err error) bool
}

// DefaultPolicy returns the policy used for run store writes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// ConnectPolicy retries opening a database for roughly half a minute.
func ConnectPolicy() Policy {
	return Policy{
		MaxAttempts:    6,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

// Do runs fn until it succeeds, returns a non-transient error, the attempts
// run out or ctx is done. op names the operation in retry logs.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	p = withDefaults(p)
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !shouldRetry(lastErr) || attempt == p.MaxAttempts-1 {
			return lastErr
		}

		delay := Backoff(p, attempt)
		zap.L().Warn("retrying operation",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

// Backoff returns the delay after the given zero-based attempt.
func Backoff(p Policy, attempt int) time.Duration {
	p = withDefaults(p)
	delay := float64(p.InitialBackoff) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	return time.Duration(delay)
}

func withDefaults(p Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
	return p
}

var transientPatterns = []string{
	"database is locked",
	"sqlite_busy",
	"connection refused",
	"connection reset by peer",
	"broken pipe",
	"too many clients",
	"the database system is starting up",
}

// IsTransient reports whether err looks like a busy database or a dropped
// connection.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
