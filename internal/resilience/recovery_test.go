package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlasvoice/voicert/internal/bus"
)

func newTestRecovery(b *bus.Bus) *Recovery {
	return NewRecovery(b, Config{
		FailureThreshold: 2,
		RecoveryTimeout:  20 * time.Millisecond,
		HalfOpenMaxCalls: 1,
		CallTimeout:      time.Second,
	})
}

func TestExecute_PrimarySucceeds(t *testing.T) {
	r := newTestRecovery(bus.New())

	result, err := r.Execute(context.Background(), CapabilityWhisper, okOp)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want %q", result, "ok")
	}
}

func TestExecute_FallbackRunsOnFailure(t *testing.T) {
	b := bus.New()
	r := newTestRecovery(b)

	var fallbackEvents int
	b.Subscribe(EventFallbackSuccess, func(_ context.Context, _ bus.Event) error {
		fallbackEvents++
		return nil
	})

	r.RegisterFallback(CapabilityWhisper, func(_ context.Context) (any, error) {
		return "cached transcript", nil
	})

	result, err := r.Execute(context.Background(), CapabilityWhisper, failingOp)
	if err != nil {
		t.Fatalf("Execute with fallback: %v", err)
	}
	if result != "cached transcript" {
		t.Errorf("result = %v, want fallback value", result)
	}
	if fallbackEvents != 1 {
		t.Errorf("fallback_success events = %d, want 1", fallbackEvents)
	}
}

func TestExecute_FallbackFailurePropagatesOriginalError(t *testing.T) {
	b := bus.New()
	r := newTestRecovery(b)

	var failedEvent FallbackEvent
	b.Subscribe(EventFallbackFailed, func(_ context.Context, evt bus.Event) error {
		failedEvent = evt.Payload.(FallbackEvent)
		return nil
	})

	fallbackErr := errors.New("fallback also down")
	r.RegisterFallback(CapabilityWhisper, func(_ context.Context) (any, error) {
		return nil, fallbackErr
	})

	_, err := r.Execute(context.Background(), CapabilityWhisper, failingOp)

	if !errors.Is(err, errService) {
		t.Errorf("err = %v, want the original error", err)
	}
	if errors.Is(err, fallbackErr) {
		t.Error("fallback error leaked into the returned error")
	}
	if failedEvent.Capability != CapabilityWhisper {
		t.Errorf("event capability = %q, want whisper", failedEvent.Capability)
	}
	if !errors.Is(failedEvent.FallbackErr, fallbackErr) {
		t.Errorf("event fallback err = %v, want %v", failedEvent.FallbackErr, fallbackErr)
	}
}

func TestExecute_NoFallbackReturnsError(t *testing.T) {
	r := newTestRecovery(bus.New())

	_, err := r.Execute(context.Background(), CapabilityWhisper, failingOp)
	if !errors.Is(err, errService) {
		t.Errorf("err = %v, want service error", err)
	}
}

func TestExecute_FallbackCoversOpenCircuit(t *testing.T) {
	r := NewRecovery(bus.New(), Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
		HalfOpenMaxCalls: 1,
		CallTimeout:      time.Second,
	})
	r.RegisterFallback(CapabilityWhisper, func(_ context.Context) (any, error) {
		return "degraded", nil
	})

	// Trip the breaker (threshold 2), then verify the next rejected call
	// still lands on the fallback.
	r.Execute(context.Background(), CapabilityWhisper, failingOp)
	r.Execute(context.Background(), CapabilityWhisper, failingOp)

	result, err := r.Execute(context.Background(), CapabilityWhisper, okOp)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "degraded" {
		t.Errorf("result = %v, want fallback value while circuit open", result)
	}
}

func TestStrategy_LifecycleCallbacksFire(t *testing.T) {
	r := newTestRecovery(bus.New())

	var failures, attempts, recoveries int
	r.RegisterStrategy(CapabilityKeywordDetection, Strategy{
		OnFailure:         func() { failures++ },
		OnRecoveryAttempt: func() { attempts++ },
		OnRecovery:        func() { recoveries++ },
	})

	// Open the circuit.
	r.Execute(context.Background(), CapabilityKeywordDetection, failingOp)
	r.Execute(context.Background(), CapabilityKeywordDetection, failingOp)
	if failures != 1 {
		t.Fatalf("OnFailure ran %d times, want 1", failures)
	}

	// Wait out the recovery timeout; the successful probe closes the
	// breaker (half-open budget is 1).
	time.Sleep(30 * time.Millisecond)
	if _, err := r.Execute(context.Background(), CapabilityKeywordDetection, okOp); err != nil {
		t.Fatalf("probe call: %v", err)
	}

	if attempts != 1 {
		t.Errorf("OnRecoveryAttempt ran %d times, want 1", attempts)
	}
	if recoveries != 1 {
		t.Errorf("OnRecovery ran %d times, want 1", recoveries)
	}
}

func TestRecovery_PublishesCircuitEvents(t *testing.T) {
	b := bus.New()
	r := newTestRecovery(b)

	var events []string
	for _, evtType := range []string{EventCircuitOpened, EventServiceFailure} {
		b.Subscribe(evtType, func(_ context.Context, evt bus.Event) error {
			events = append(events, evt.Type)
			return nil
		})
	}

	r.Execute(context.Background(), CapabilityWhisper, failingOp)
	r.Execute(context.Background(), CapabilityWhisper, failingOp)

	if len(events) != 2 {
		t.Fatalf("events = %v, want circuit.opened and recovery.service_failure", events)
	}
}

func TestConfigure_OverrideApplies(t *testing.T) {
	r := newTestRecovery(bus.New())
	r.Configure(CapabilityPostChatAnalysis, Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
	})

	r.Execute(context.Background(), CapabilityPostChatAnalysis, failingOp)

	if got := r.Breaker(CapabilityPostChatAnalysis).State(); got != StateOpen {
		t.Errorf("state = %v, want open after a single failure", got)
	}
}

func TestExecuteTyped_AssertsResult(t *testing.T) {
	r := newTestRecovery(bus.New())

	got, err := ExecuteTyped(context.Background(), r, CapabilityWhisper,
		func(_ context.Context) (string, error) { return "typed", nil })
	if err != nil {
		t.Fatalf("ExecuteTyped: %v", err)
	}
	if got != "typed" {
		t.Errorf("result = %q, want %q", got, "typed")
	}
}

func TestExecuteTyped_FallbackTypeMismatch(t *testing.T) {
	r := newTestRecovery(bus.New())
	r.RegisterFallback(CapabilityWhisper, func(_ context.Context) (any, error) {
		return 42, nil
	})

	_, err := ExecuteTyped(context.Background(), r, CapabilityWhisper,
		func(_ context.Context) (string, error) { return "", errService })
	if err == nil {
		t.Fatal("expected type-mismatch error, got nil")
	}
}

func TestReportFailureAndRecovery_DriveBreaker(t *testing.T) {
	r := newTestRecovery(bus.New())

	r.ReportFailure(CapabilityWhisper, errService)
	r.ReportFailure(CapabilityWhisper, errService)
	if got := r.Breaker(CapabilityWhisper).State(); got != StateOpen {
		t.Fatalf("state = %v, want open after reported failures", got)
	}

	time.Sleep(30 * time.Millisecond)
	// The breaker is past its recovery timeout; a reported success in
	// half-open counts toward closing.
	r.Breaker(CapabilityWhisper).Execute(context.Background(), okOp)
	if got := r.Breaker(CapabilityWhisper).State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestResetAll_ClosesEveryBreaker(t *testing.T) {
	r := newTestRecovery(bus.New())
	r.Execute(context.Background(), CapabilityWhisper, failingOp)
	r.Execute(context.Background(), CapabilityWhisper, failingOp)

	r.ResetAll()

	if got := r.Breaker(CapabilityWhisper).State(); got != StateClosed {
		t.Errorf("state = %v, want closed after ResetAll", got)
	}
}

func TestAllMetrics_CoversCreatedBreakers(t *testing.T) {
	r := newTestRecovery(bus.New())
	r.Execute(context.Background(), CapabilityWhisper, okOp)
	r.Execute(context.Background(), CapabilityKeywordDetection, okOp)

	m := r.AllMetrics()
	if len(m) != 2 {
		t.Fatalf("metrics for %d breakers, want 2", len(m))
	}
	if m[CapabilityWhisper].TotalCalls != 1 {
		t.Errorf("whisper total calls = %d, want 1", m[CapabilityWhisper].TotalCalls)
	}
}
