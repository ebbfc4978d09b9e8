package resilience

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), "insert", func(context.Context) error {
		calls++
		if calls < 3 {
			return eris.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), "insert", func(context.Context) error {
		calls++
		return eris.New("FOREIGN KEY constraint failed")
	})
	assert.ErrorContains(t, err, "FOREIGN KEY")
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), "connect", func(context.Context) error {
		calls++
		return syscall.ECONNREFUSED
	})
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, InitialBackoff: time.Hour}, "connect", func(context.Context) error {
		calls++
		cancel()
		return eris.New("connection refused")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ShouldRetryOverride(t *testing.T) {
	calls := 0
	p := fastPolicy(3)
	p.ShouldRetry = func(error) bool { return true }
	err := Do(context.Background(), p, "op", func(context.Context) error {
		calls++
		return errors.New("anything")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestBackoff(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	assert.Equal(t, 100*time.Millisecond, Backoff(p, 0))
	assert.Equal(t, 400*time.Millisecond, Backoff(p, 2))
	assert.Equal(t, time.Second, Backoff(p, 10))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(eris.Wrap(context.DeadlineExceeded, "postgres: ping")))
	assert.True(t, IsTransient(eris.Wrap(syscall.ECONNRESET, "postgres: ping")))
	assert.True(t, IsTransient(eris.New("sqlite: insert phase fit: database is locked")))
	assert.True(t, IsTransient(eris.New("FATAL: the database system is starting up (SQLSTATE 57P03)")))
	assert.False(t, IsTransient(eris.New("UNIQUE constraint failed")))
}
