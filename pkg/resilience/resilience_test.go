package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(clk clock.Clock) Config {
	return Config{
		Name:        "test",
		MaxFailures: 2,
		OpenTimeout: 10 * time.Second,
		MaxAttempts: 1,
		Clock:       clk,
	}
}

func TestBreaker_RetriesUntilSuccess(t *testing.T) {
	cfg := testConfig(clock.NewMock())
	cfg.MaxAttempts = 3
	cfg.MaxFailures = 5
	b := NewBreaker(cfg)

	calls := 0
	err := b.Execute(context.Background(), "put", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	clk := clock.NewMock()
	b := NewBreaker(testConfig(clk))
	ctx := context.Background()
	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }

	assert.ErrorIs(t, b.Execute(ctx, "put", fail), boom)
	assert.Equal(t, CircuitBreakerClosed, b.State())
	assert.ErrorIs(t, b.Execute(ctx, "put", fail), boom)
	assert.Equal(t, CircuitBreakerOpen, b.State())

	called := false
	err := b.Execute(ctx, "put", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	// A failed probe reopens immediately
	clk.Add(10 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, "put", fail), boom)
	assert.Equal(t, CircuitBreakerOpen, b.State())

	clk.Add(10 * time.Second)
	require.NoError(t, b.Execute(ctx, "put", func(context.Context) error { return nil }))
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_AppliesOperationTimeout(t *testing.T) {
	cfg := testConfig(clock.New())
	cfg.OperationTimeout = 20 * time.Millisecond
	b := NewBreaker(cfg)

	err := b.Execute(context.Background(), "get", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "timeout", classifyError(context.DeadlineExceeded))
	assert.Equal(t, "network", classifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "not_found", classifyError(errors.New("bucket not found")))
	assert.Equal(t, "unknown", classifyError(errors.New("weird")))
}
