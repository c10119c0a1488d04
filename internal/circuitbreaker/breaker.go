package circuitbreaker

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds breaker tuning parameters.
type Config struct {
	MaxRequests      uint32        // max probes allowed in half-open state
	Interval         time.Duration // closed-state counter reset interval
	Timeout          time.Duration // open -> half-open transition delay
	FailureThreshold uint32        // consecutive failures before opening
	SuccessThreshold uint32        // consecutive successes in half-open before closing
	OnStateChange    func(name string, from, to State)
}

// DefaultConfig returns the baseline tuning used when nothing else is set.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// HTTPConfig returns the tuning for outbound HTTP clients, overridable via
// CB_HTTP_* environment variables.
func HTTPConfig() Config {
	return Config{
		MaxRequests:      envUint32("CB_HTTP_MAX_REQUESTS", 5),
		Interval:         envDuration("CB_HTTP_INTERVAL", 30*time.Second),
		Timeout:          envDuration("CB_HTTP_TIMEOUT", 15*time.Second),
		FailureThreshold: envUint32("CB_HTTP_FAILURE_THRESHOLD", 3),
		SuccessThreshold: envUint32("CB_HTTP_SUCCESS_THRESHOLD", 2),
	}
}

// RedisConfig returns the tuning for Redis commands, overridable via
// CB_REDIS_* environment variables.
func RedisConfig() Config {
	return Config{
		MaxRequests:      envUint32("CB_REDIS_MAX_REQUESTS", 5),
		Interval:         envDuration("CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          envDuration("CB_REDIS_TIMEOUT", 15*time.Second),
		FailureThreshold: envUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: envUint32("CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

// Counts holds rolling request statistics for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker implements the circuit breaker pattern around a callable.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mutex      sync.RWMutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a breaker in the closed state.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	return &Breaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// Execute runs fn if the breaker admits the request. A panic in fn counts as
// a failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn()
	b.afterRequest(generation, err == nil)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.state
}

// Counts returns a snapshot of the current generation's counters.
func (b *Breaker) Counts() Counts {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.counts
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	switch {
	case state == StateOpen:
		return generation, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests:
		return generation, ErrTooManyRequests
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(before uint64, success bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	if generation != before {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		if b.counts.ConsecutiveSuccesses >= b.config.SuccessThreshold {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.toNewGeneration(now)

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}

	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}

	var zero time.Time
	switch b.state {
	case StateClosed:
		if b.config.Interval == 0 {
			b.expiry = zero
		} else {
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	default: // StateHalfOpen
		b.expiry = zero
	}
}

func envUint32(key string, fallback uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
