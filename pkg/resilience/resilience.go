package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"skillswap-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "breaker_requests_total",
		Help: "Total number of calls made through a circuit breaker",
	}, []string{"breaker", "operation", "status"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "breaker_errors_total",
		Help: "Total number of failed calls by error class",
	}, []string{"breaker", "operation", "error_type"})

	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "breaker_state",
		Help: "State of a circuit breaker (0=closed, 1=half_open, 2=open)",
	}, []string{"breaker"})
)

// Config tunes a Breaker
type Config struct {
	Name             string
	MaxFailures      int           // consecutive failures before opening
	OpenTimeout      time.Duration // how long the circuit stays open before a probe
	MaxAttempts      int           // attempts per Execute, including the first
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	OperationTimeout time.Duration // per attempt
	Clock            clock.Clock
}

// DefaultConfig returns the settings used for object storage
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxFailures:      3,
		OpenTimeout:      10 * time.Second,
		MaxAttempts:      3,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		OperationTimeout: 10 * time.Second,
	}
}

// Breaker wraps calls to a flaky dependency with retry, a per-attempt
// timeout and a circuit breaker
type Breaker struct {
	cfg   Config
	clock clock.Clock

	mu       sync.Mutex
	state    CircuitBreakerState
	failures int
	openedAt time.Time
}

// NewBreaker creates a Breaker
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	stateGauge.WithLabelValues(cfg.Name).Set(0)
	return &Breaker{cfg: cfg, clock: clk, state: CircuitBreakerClosed}
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn until it succeeds, attempts run out or ctx ends
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if !b.allow() {
			requestsTotal.WithLabelValues(b.cfg.Name, operation, "circuit_breaker_open").Inc()
			logger.Warn("Circuit breaker open, request rejected",
				zap.String("breaker", b.cfg.Name),
				zap.String("operation", operation))
			if lastErr != nil {
				return fmt.Errorf("%w: %v", ErrCircuitOpen, lastErr)
			}
			return ErrCircuitOpen
		}

		err := b.attempt(ctx, fn)
		if err == nil {
			b.onSuccess()
			requestsTotal.WithLabelValues(b.cfg.Name, operation, "success").Inc()
			return nil
		}

		lastErr = err
		b.onFailure(operation)
		requestsTotal.WithLabelValues(b.cfg.Name, operation, "failure").Inc()
		errorsTotal.WithLabelValues(b.cfg.Name, operation, classifyError(err)).Inc()

		if attempt == b.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}

		backoff := b.backoff(attempt)
		logger.Warn("Operation failed, backing off",
			zap.String("breaker", b.cfg.Name),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
			case <-b.clock.After(backoff):
			}
		}
	}
	return fmt.Errorf("%s failed: %w", operation, lastErr)
}

func (b *Breaker) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.cfg.OperationTimeout <= 0 {
		return fn(ctx)
	}
	opCtx, cancel := context.WithTimeout(ctx, b.cfg.OperationTimeout)
	defer cancel()
	return fn(opCtx)
}

func (b *Breaker) backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * b.cfg.InitialBackoff
	if b.cfg.MaxBackoff > 0 && d > b.cfg.MaxBackoff {
		d = b.cfg.MaxBackoff
	}
	return d
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitBreakerOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.setState(CircuitBreakerHalfOpen)
		return true
	default:
		return true
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != CircuitBreakerClosed {
		logger.Info("Circuit breaker closed", zap.String("breaker", b.cfg.Name))
		b.setState(CircuitBreakerClosed)
	}
}

func (b *Breaker) onFailure(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == CircuitBreakerHalfOpen || b.failures >= b.cfg.MaxFailures {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker opened",
				zap.String("breaker", b.cfg.Name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.failures))
		}
		b.openedAt = b.clock.Now()
		b.setState(CircuitBreakerOpen)
	}
}

// setState requires b.mu
func (b *Breaker) setState(s CircuitBreakerState) {
	b.state = s
	switch s {
	case CircuitBreakerClosed:
		stateGauge.WithLabelValues(b.cfg.Name).Set(0)
	case CircuitBreakerHalfOpen:
		stateGauge.WithLabelValues(b.cfg.Name).Set(1)
	case CircuitBreakerOpen:
		stateGauge.WithLabelValues(b.cfg.Name).Set(2)
	}
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "not found"):
		return "not_found"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied"):
		return "permission"
	default:
		return "unknown"
	}
}
