package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/atlasvoice/voicert/internal/bus"
)

// Capability names a remote or fragile operation protected by its own
// circuit breaker.
type Capability string

const (
	// CapabilityWhisper is batch speech transcription via the whisper server.
	CapabilityWhisper Capability = "whisper"

	// CapabilityKeywordDetection is the remote keyword-spotting service.
	CapabilityKeywordDetection Capability = "keyword-detection"

	// CapabilityPostChatAnalysis is the follow-up speech analysis service.
	CapabilityPostChatAnalysis Capability = "post-chat-analysis"
)

// IsValid reports whether c is a recognised capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityWhisper, CapabilityKeywordDetection, CapabilityPostChatAnalysis:
		return true
	}
	return false
}

// Event types published by the recovery layer.
const (
	EventCircuitOpened    = "circuit.opened"
	EventCircuitHalfOpen  = "circuit.half_open"
	EventCircuitClosed    = "circuit.closed"
	EventFallbackSuccess  = "recovery.fallback_success"
	EventFallbackFailed   = "recovery.fallback_failed"
	EventServiceFailure   = "recovery.service_failure"
	EventServiceRecovered = "recovery.service_recovered"
)

// CircuitEvent is the payload of circuit.* events.
type CircuitEvent struct {
	Capability Capability
	Metrics    Metrics
}

// FallbackEvent is the payload of recovery.fallback_* events.
type FallbackEvent struct {
	Capability Capability
	// OriginalErr is the primary call's error; for fallback_failed events
	// FallbackErr carries the fallback's own error as well.
	OriginalErr error
	FallbackErr error
}

// Fallback handles a failed primary call. It receives the same context the
// primary operation got (minus the expired breaker deadline).
type Fallback func(ctx context.Context) (any, error)

// Strategy holds the degradation lifecycle callbacks for one capability.
// Any field may be nil.
type Strategy struct {
	// OnFailure runs when the capability's circuit opens — switch the
	// dependent feature into its degraded mode.
	OnFailure func()

	// OnRecoveryAttempt runs when the circuit enters half-open — perform a
	// light self-test.
	OnRecoveryAttempt func()

	// OnRecovery runs when the circuit closes again — restore full
	// functionality.
	OnRecovery func()
}

// Recovery owns one [CircuitBreaker] per capability plus the fallback and
// degradation registries. Breakers are created lazily on first use and live
// for the process lifetime (or until Reset).
//
// Recovery is safe for concurrent use.
type Recovery struct {
	bus      *bus.Bus
	defaults Config

	mu         sync.Mutex
	breakers   map[Capability]*CircuitBreaker
	overrides  map[Capability]Config
	fallbacks  map[Capability]Fallback
	strategies map[Capability]Strategy
}

// NewRecovery creates a Recovery publishing its events on b. The defaults
// config applies to every lazily created breaker unless a per-capability
// override is set via [Recovery.Configure].
func NewRecovery(b *bus.Bus, defaults Config) *Recovery {
	return &Recovery{
		bus:        b,
		defaults:   defaults,
		breakers:   make(map[Capability]*CircuitBreaker),
		overrides:  make(map[Capability]Config),
		fallbacks:  make(map[Capability]Fallback),
		strategies: make(map[Capability]Strategy),
	}
}

// Configure sets a per-capability breaker config. It only affects breakers
// created after the call; configure before the first Execute.
func (r *Recovery) Configure(cap Capability, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[cap] = cfg
}

// RegisterFallback installs the fallback handler invoked when the primary
// breaker-wrapped call for cap fails.
func (r *Recovery) RegisterFallback(cap Capability, fb Fallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[cap] = fb
	slog.Debug("fallback handler registered", "capability", string(cap))
}

// RegisterStrategy installs the degradation strategy for cap.
func (r *Recovery) RegisterStrategy(cap Capability, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[cap] = s
	slog.Debug("degradation strategy registered", "capability", string(cap))
}

// Breaker returns the circuit breaker for cap, creating it on first use.
func (r *Recovery) Breaker(cap Capability) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakerLocked(cap)
}

func (r *Recovery) breakerLocked(cap Capability) *CircuitBreaker {
	if cb, ok := r.breakers[cap]; ok {
		return cb
	}
	cfg, ok := r.overrides[cap]
	if !ok {
		cfg = r.defaults
	}
	cfg.Name = string(cap)
	cfg.OnOpen = func() { r.handleOpen(cap) }
	cfg.OnHalfOpen = func() { r.handleHalfOpen(cap) }
	cfg.OnClose = func() { r.handleClose(cap) }

	cb := NewCircuitBreaker(cfg)
	r.breakers[cap] = cb
	slog.Info("circuit breaker created", "capability", string(cap))
	return cb
}

// Execute runs op through cap's circuit breaker. If the primary call fails
// for any reason (breaker open, timeout, or the operation's own error), a
// registered fallback is tried with the original context. If the fallback
// also fails, the ORIGINAL error is returned so upstream diagnostics stay
// anchored to the root cause.
func (r *Recovery) Execute(ctx context.Context, cap Capability, op Operation) (any, error) {
	result, err := r.Breaker(cap).Execute(ctx, op)
	if err == nil {
		return result, nil
	}

	r.mu.Lock()
	fb, ok := r.fallbacks[cap]
	r.mu.Unlock()
	if !ok {
		slog.Warn("no fallback available",
			"capability", string(cap), "err", err)
		return nil, err
	}

	slog.Info("attempting fallback", "capability", string(cap))
	fbResult, fbErr := fb(ctx)
	if fbErr != nil {
		slog.Error("fallback failed",
			"capability", string(cap),
			"original_err", err,
			"fallback_err", fbErr,
		)
		r.publish(ctx, EventFallbackFailed, FallbackEvent{
			Capability:  cap,
			OriginalErr: err,
			FallbackErr: fbErr,
		})
		return nil, err
	}

	r.publish(ctx, EventFallbackSuccess, FallbackEvent{
		Capability:  cap,
		OriginalErr: err,
	})
	return fbResult, nil
}

// ExecuteTyped runs op through cap's breaker-plus-fallback path and asserts
// the result to R. This is a package-level function because Go does not
// support method-level type parameters.
func ExecuteTyped[R any](ctx context.Context, r *Recovery, cap Capability, op func(ctx context.Context) (R, error)) (R, error) {
	var zero R
	result, err := r.Execute(ctx, cap, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := result.(R)
	if !ok {
		return zero, fmt.Errorf("resilience: %s returned %T, want %T", cap, result, zero)
	}
	return typed, nil
}

// ReportFailure feeds an out-of-band "service failed" signal from a
// collaborator into cap's breaker.
func (r *Recovery) ReportFailure(cap Capability, err error) {
	r.Breaker(cap).RecordFailure(err)
}

// ReportRecovery feeds an out-of-band "service recovered" signal into cap's
// breaker.
func (r *Recovery) ReportRecovery(cap Capability) {
	r.Breaker(cap).RecordSuccess()
}

// AllMetrics returns a snapshot of every created breaker's metrics.
func (r *Recovery) AllMetrics() map[Capability]Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Capability]Metrics, len(r.breakers))
	for cap, cb := range r.breakers {
		out[cap] = cb.Metrics()
	}
	return out
}

// ResetAll forces every created breaker back to closed.
func (r *Recovery) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	slog.Info("resetting all circuit breakers")
	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// ── circuit lifecycle plumbing ───────────────────────────────────────────────

func (r *Recovery) handleOpen(cap Capability) {
	slog.Error("service failure detected", "capability", string(cap))
	if s, ok := r.strategy(cap); ok && s.OnFailure != nil {
		s.OnFailure()
	}
	r.publish(context.Background(), EventCircuitOpened, r.circuitEvent(cap))
	r.publish(context.Background(), EventServiceFailure, r.circuitEvent(cap))
}

func (r *Recovery) handleHalfOpen(cap Capability) {
	slog.Info("attempting service recovery", "capability", string(cap))
	if s, ok := r.strategy(cap); ok && s.OnRecoveryAttempt != nil {
		s.OnRecoveryAttempt()
	}
	r.publish(context.Background(), EventCircuitHalfOpen, r.circuitEvent(cap))
}

func (r *Recovery) handleClose(cap Capability) {
	slog.Info("service recovered", "capability", string(cap))
	if s, ok := r.strategy(cap); ok && s.OnRecovery != nil {
		s.OnRecovery()
	}
	r.publish(context.Background(), EventCircuitClosed, r.circuitEvent(cap))
	r.publish(context.Background(), EventServiceRecovered, r.circuitEvent(cap))
}

func (r *Recovery) strategy(cap Capability) (Strategy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[cap]
	return s, ok
}

func (r *Recovery) circuitEvent(cap Capability) CircuitEvent {
	return CircuitEvent{Capability: cap, Metrics: r.Breaker(cap).Metrics()}
}

func (r *Recovery) publish(ctx context.Context, event string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, event, payload, bus.WithSource("resilience"))
}
