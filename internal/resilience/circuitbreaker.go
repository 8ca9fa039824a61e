// Package resilience protects calls to remote speech services from
// cascading failures.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) with per-call timeout enforcement. [Recovery]
// sits above the breakers: it keys one breaker per [Capability], routes
// failed calls to registered fallback handlers, and drives degradation
// strategies as circuits open and close.
//
// Expected failure modes are sentinel errors ([ErrCircuitOpen],
// [ErrTimeout], [ErrHalfOpenLimit]) so callers are forced to distinguish
// "service is down by policy" from the operation's own errors with
// errors.Is.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// in the open state and the recovery timeout has not yet elapsed. The
// wrapped operation is not invoked.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTimeout is returned when the wrapped operation does not settle within
// the breaker's call timeout. It counts as a failure.
var ErrTimeout = errors.New("circuit breaker operation timed out")

// ErrHalfOpenLimit is returned when the half-open probe budget is already
// in flight. The wrapped operation is not invoked.
var ErrHalfOpenLimit = errors.New("circuit breaker half-open call limit exceeded")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected immediately with [ErrCircuitOpen] until
	// the recovery timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the recovery timeout.
	// A limited number of calls are allowed through; if they succeed the
	// breaker closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Metrics is a snapshot of per-breaker call accounting. AverageResponseTime
// is maintained as an incremental mean so recording stays O(1) per call.
type Metrics struct {
	TotalCalls          int64
	SuccessfulCalls     int64
	FailedCalls         int64
	CircuitOpenCount    int64
	Timeouts            int64
	AverageResponseTime time.Duration
}

// Config holds tuning knobs for a [CircuitBreaker].
type Config struct {
	// Name is a human-readable label used in log messages and events.
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before a call may
	// probe again (half-open). Default: 30s.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is both the probe budget in the half-open state and
	// the number of successful probes required to close. Default: 3.
	HalfOpenMaxCalls int

	// CallTimeout bounds every wrapped call; an operation that does not
	// settle in time fails with [ErrTimeout]. Default: 5s.
	CallTimeout time.Duration

	// Lifecycle callbacks, invoked outside the breaker's lock. Any of them
	// may be nil.
	OnOpen     func()
	OnHalfOpen func()
	OnClose    func()
}

// CircuitBreaker implements the three-state circuit breaker pattern with
// timeout enforcement. It is safe for concurrent use.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMax      int
	callTimeout      time.Duration

	onOpen     func()
	onHalfOpen func()
	onClose    func()

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	halfOpenCalls int
	lastFailure   time.Time
	metrics       Metrics
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		halfOpenMax:      cfg.HalfOpenMaxCalls,
		callTimeout:      cfg.CallTimeout,
		onOpen:           cfg.OnOpen,
		onHalfOpen:       cfg.OnHalfOpen,
		onClose:          cfg.OnClose,
		state:            StateClosed,
	}
}

// Operation is a breaker-wrapped call. The supplied context carries the
// breaker's call-timeout deadline; cooperative operations should honour it
// so a timed-out call is actually cancelled rather than leaked.
type Operation func(ctx context.Context) (any, error)

// Execute runs op if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling op; once the recovery timeout has
// elapsed the breaker transitions to half-open and the call proceeds as a
// probe. In the half-open state at most HalfOpenMaxCalls probes may be in
// flight; excess calls fail fast with [ErrHalfOpenLimit].
//
// A call that does not settle within the call timeout fails with
// [ErrTimeout]; the operation's eventual result is discarded.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) (any, error) {
	cb.mu.Lock()
	cb.metrics.TotalCalls++

	var transitionedHalfOpen bool
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.recoveryTimeout {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.toHalfOpenLocked()
		transitionedHalfOpen = true

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return nil, ErrHalfOpenLimit
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		// Count the probe before it runs so concurrent callers beyond the
		// budget fail fast.
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	if transitionedHalfOpen && cb.onHalfOpen != nil {
		cb.onHalfOpen()
	}

	start := time.Now()
	result, err := cb.runWithTimeout(ctx, op)
	elapsed := time.Since(start)

	cb.mu.Lock()
	cb.recordResponseTimeLocked(elapsed)
	var notify func()
	if err != nil {
		notify = cb.onFailureLocked(err, inHalfOpen)
	} else {
		notify = cb.onSuccessLocked(inHalfOpen)
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
	return result, err
}

// runWithTimeout races op against the breaker's call timeout. The context
// passed to op is cancelled when the timeout fires, giving cooperative
// operations a chance to abort instead of leaking.
func (cb *CircuitBreaker) runWithTimeout(ctx context.Context, op Operation) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, cb.callTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := op(callCtx)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not the breaker's timer.
			return nil, ctx.Err()
		}
		cb.mu.Lock()
		cb.metrics.Timeouts++
		cb.mu.Unlock()
		return nil, ErrTimeout
	}
}

// onFailureLocked handles failure accounting. Must be called with cb.mu
// held; returns the lifecycle callback to run outside the lock, if any.
func (cb *CircuitBreaker) onFailureLocked(err error, inHalfOpen bool) func() {
	cb.metrics.FailedCalls++
	cb.failureCount++
	cb.lastFailure = time.Now()

	slog.Warn("circuit breaker operation failed",
		"name", cb.name,
		"state", cb.state.String(),
		"failure_count", cb.failureCount,
		"err", err,
	)

	if inHalfOpen {
		// Any failure during probation immediately re-opens.
		return cb.toOpenLocked()
	}
	if cb.state == StateClosed && cb.failureCount >= cb.failureThreshold {
		return cb.toOpenLocked()
	}
	return nil
}

// onSuccessLocked handles success accounting. Must be called with cb.mu
// held; returns the lifecycle callback to run outside the lock, if any.
func (cb *CircuitBreaker) onSuccessLocked(inHalfOpen bool) func() {
	cb.metrics.SuccessfulCalls++

	if inHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.halfOpenMax {
			return cb.toClosedLocked()
		}
		return nil
	}

	// Closed state — a success resets the consecutive failure counter.
	cb.failureCount = 0
	return nil
}

// toOpenLocked transitions to open. Must be called with cb.mu held.
func (cb *CircuitBreaker) toOpenLocked() func() {
	cb.state = StateOpen
	cb.metrics.CircuitOpenCount++
	cb.halfOpenCalls = 0
	cb.successCount = 0
	slog.Warn("circuit breaker opened",
		"name", cb.name,
		"failure_count", cb.failureCount,
		"threshold", cb.failureThreshold,
	)
	return cb.onOpen
}

// toHalfOpenLocked transitions to half-open. Must be called with cb.mu held.
func (cb *CircuitBreaker) toHalfOpenLocked() {
	cb.state = StateHalfOpen
	cb.halfOpenCalls = 0
	cb.successCount = 0
	slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
}

// toClosedLocked transitions to closed. Must be called with cb.mu held.
func (cb *CircuitBreaker) toClosedLocked() func() {
	cb.state = StateClosed
	cb.failureCount = 0
	cb.halfOpenCalls = 0
	cb.successCount = 0
	slog.Info("circuit breaker closed after successful probes", "name", cb.name)
	return cb.onClose
}

// recordResponseTimeLocked folds one observation into the incremental mean.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) recordResponseTimeLocked(elapsed time.Duration) {
	n := cb.metrics.TotalCalls
	if n <= 0 {
		n = 1
	}
	prev := cb.metrics.AverageResponseTime
	cb.metrics.AverageResponseTime = prev + (elapsed-prev)/time.Duration(n)
}

// RecordFailure feeds an externally observed failure into the breaker, as if
// a wrapped call had failed. Used when a collaborator reports "service
// failed" out of band.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	inHalfOpen := cb.state == StateHalfOpen
	notify := cb.onFailureLocked(err, inHalfOpen)
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// RecordSuccess feeds an externally observed success into the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	inHalfOpen := cb.state == StateHalfOpen
	notify := cb.onSuccessLocked(inHalfOpen)
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// State returns the current [State] of the breaker. If the breaker is open
// and the recovery timeout has elapsed, the returned state is
// [StateHalfOpen] (the actual transition happens on the next Execute call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.recoveryTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Metrics returns a snapshot of the breaker's call accounting.
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.metrics
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters. Metrics are preserved.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
