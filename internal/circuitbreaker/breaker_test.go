package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestBreakerStates(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = 200 * time.Millisecond

	b := New("test", config, zaptest.NewLogger(t))
	ctx := context.Background()

	if b.State() != StateClosed {
		t.Fatalf("expected initial state closed, got %s", b.State())
	}

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("expected state to remain closed, got %s", b.State())
	}

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, func() error { return errors.New("boom") }); err == nil {
			t.Fatal("expected error, got nil")
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected state open, got %s", b.State())
	}

	if err := b.Execute(ctx, func() error { return nil }); err != ErrOpen {
		t.Fatalf("expected ErrOpen, got %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	b.beforeRequest()

	if b.State() != StateHalfOpen {
		t.Fatalf("expected state half-open, got %s", b.State())
	}

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("expected state closed, got %s", b.State())
	}
}

func TestBreakerMaxRequestsHalfOpen(t *testing.T) {
	config := DefaultConfig()
	config.MaxRequests = 2
	config.Timeout = 100 * time.Millisecond
	config.SuccessThreshold = 5 // stay half-open for the duration of the test

	b := New("test", config, zaptest.NewLogger(t))
	ctx := context.Background()

	b.mutex.Lock()
	b.state = StateHalfOpen
	b.generation++
	b.counts = Counts{}
	b.mutex.Unlock()

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	}

	if err := b.Execute(ctx, func() error { return nil }); err != ErrTooManyRequests {
		t.Fatalf("expected ErrTooManyRequests, got %v", err)
	}
}

func TestBreakerCounts(t *testing.T) {
	b := New("test", DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	b.Execute(ctx, func() error { return nil })
	b.Execute(ctx, func() error { return errors.New("boom") })
	b.Execute(ctx, func() error { return nil })

	counts := b.Counts()
	if counts.Requests != 3 {
		t.Errorf("expected 3 requests, got %d", counts.Requests)
	}
	if counts.TotalSuccesses != 2 {
		t.Errorf("expected 2 successes, got %d", counts.TotalSuccesses)
	}
	if counts.TotalFailures != 1 {
		t.Errorf("expected 1 failure, got %d", counts.TotalFailures)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2

	var called bool
	var fromState, toState State
	config.OnStateChange = func(name string, from, to State) {
		called = true
		fromState = from
		toState = to
	}

	b := New("test", config, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b.Execute(ctx, func() error { return errors.New("boom") })
	}

	if !called {
		t.Fatal("expected state change callback")
	}
	if fromState != StateClosed || toState != StateOpen {
		t.Fatalf("expected closed -> open, got %s -> %s", fromState, toState)
	}
}
