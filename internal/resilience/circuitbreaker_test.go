package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errService = errors.New("service exploded")

func failingOp(_ context.Context) (any, error) { return nil, errService }

func okOp(_ context.Context) (any, error) { return "ok", nil }

func newTestBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = 50 * time.Millisecond
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = 2
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = time.Second
	}
	return NewCircuitBreaker(cfg)
}

func tripBreaker(t *testing.T, cb *CircuitBreaker, failures int) {
	t.Helper()
	for range failures {
		if _, err := cb.Execute(context.Background(), failingOp); !errors.Is(err, errService) {
			t.Fatalf("expected operation error, got %v", err)
		}
	}
}

func TestExecute_SuccessPassesThrough(t *testing.T) {
	cb := newTestBreaker(Config{})

	result, err := cb.Execute(context.Background(), okOp)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want %q", result, "ok")
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestExecute_OpensAfterThreshold(t *testing.T) {
	var opened bool
	cb := newTestBreaker(Config{
		FailureThreshold: 3,
		OnOpen:           func() { opened = true },
	})

	tripBreaker(t, cb, 3)

	if got := cb.State(); got != StateOpen {
		t.Errorf("state = %v, want open", got)
	}
	if !opened {
		t.Error("OnOpen callback did not fire")
	}
}

func TestExecute_OpenRejectsWithoutInvoking(t *testing.T) {
	cb := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	tripBreaker(t, cb, 1)

	var invoked bool
	_, err := cb.Execute(context.Background(), func(_ context.Context) (any, error) {
		invoked = true
		return nil, nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Error("operation ran while the circuit was open")
	}
}

func TestExecute_SuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(Config{FailureThreshold: 3})

	tripBreaker(t, cb, 2)
	if _, err := cb.Execute(context.Background(), okOp); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Two more failures must not open: the success reset the streak.
	tripBreaker(t, cb, 2)

	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestExecute_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	var halfOpened bool
	cb := newTestBreaker(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		OnHalfOpen:       func() { halfOpened = true },
	})
	tripBreaker(t, cb, 1)

	time.Sleep(20 * time.Millisecond)

	if _, err := cb.Execute(context.Background(), okOp); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if !halfOpened {
		t.Error("OnHalfOpen callback did not fire")
	}
	if got := cb.State(); got != StateHalfOpen {
		t.Errorf("state = %v, want half_open", got)
	}
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
	})
	tripBreaker(t, cb, 1)
	time.Sleep(20 * time.Millisecond)

	// The probe fails; the breaker must re-open immediately.
	if _, err := cb.Execute(context.Background(), failingOp); !errors.Is(err, errService) {
		t.Fatalf("probe err = %v, want service error", err)
	}

	if _, err := cb.Execute(context.Background(), okOp); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err after failed probe = %v, want ErrCircuitOpen", err)
	}
}

func TestExecute_ClosesAfterSuccessfulProbes(t *testing.T) {
	var closed bool
	cb := newTestBreaker(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		HalfOpenMaxCalls: 2,
		OnClose:          func() { closed = true },
	})
	tripBreaker(t, cb, 1)
	time.Sleep(20 * time.Millisecond)

	for range 2 {
		if _, err := cb.Execute(context.Background(), okOp); err != nil {
			t.Fatalf("probe call failed: %v", err)
		}
	}

	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if !closed {
		t.Error("OnClose callback did not fire")
	}
}

func TestExecute_HalfOpenBudgetEnforced(t *testing.T) {
	cb := newTestBreaker(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	})
	tripBreaker(t, cb, 1)
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	go cb.Execute(context.Background(), func(_ context.Context) (any, error) {
		close(probeStarted)
		<-release
		return nil, nil
	})
	<-probeStarted

	_, err := cb.Execute(context.Background(), okOp)
	close(release)

	if !errors.Is(err, ErrHalfOpenLimit) {
		t.Errorf("err = %v, want ErrHalfOpenLimit", err)
	}
}

func TestExecute_CallTimeout(t *testing.T) {
	cb := newTestBreaker(Config{CallTimeout: 20 * time.Millisecond})

	_, err := cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
	if got := cb.Metrics().Timeouts; got != 1 {
		t.Errorf("timeouts = %d, want 1", got)
	}
}

func TestExecute_CallerCancellationIsNotTimeout(t *testing.T) {
	cb := newTestBreaker(Config{CallTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := cb.Execute(ctx, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRecordFailure_OpensBreaker(t *testing.T) {
	cb := newTestBreaker(Config{FailureThreshold: 2})

	cb.RecordFailure(errService)
	cb.RecordFailure(errService)

	if got := cb.State(); got != StateOpen {
		t.Errorf("state = %v, want open after out-of-band failures", got)
	}
}

func TestReset_ClosesAndPreservesMetrics(t *testing.T) {
	cb := newTestBreaker(Config{FailureThreshold: 1})
	tripBreaker(t, cb, 1)

	cb.Reset()

	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if got := cb.Metrics().FailedCalls; got != 1 {
		t.Errorf("failed calls = %d, want metrics preserved (1)", got)
	}
}

func TestMetrics_Accounting(t *testing.T) {
	cb := newTestBreaker(Config{FailureThreshold: 10})

	cb.Execute(context.Background(), okOp)
	cb.Execute(context.Background(), failingOp)

	m := cb.Metrics()
	if m.TotalCalls != 2 {
		t.Errorf("total calls = %d, want 2", m.TotalCalls)
	}
	if m.SuccessfulCalls != 1 {
		t.Errorf("successful calls = %d, want 1", m.SuccessfulCalls)
	}
	if m.FailedCalls != 1 {
		t.Errorf("failed calls = %d, want 1", m.FailedCalls)
	}
	if m.AverageResponseTime < 0 {
		t.Errorf("average response time = %v, want >= 0", m.AverageResponseTime)
	}
}
