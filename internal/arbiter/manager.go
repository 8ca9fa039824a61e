// Package arbiter owns the single physical audio capture resource and
// arbitrates access to it between competing consumers.
//
// Consumers never touch the capture device directly; they request an
// operating mode from the Manager, which validates the transition, applies
// the priority rules, gracefully hands the resource over and publishes the
// outcome on the event bus. Requests are serialized: a transition runs to
// completion before the next request is arbitrated.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atlasvoice/voicert/internal/bus"
	"github.com/atlasvoice/voicert/pkg/audio"
)

// Structural and policy rejections returned by RequestMode. All of them
// leave the manager's state untouched.
var (
	ErrUnknownMode      = errors.New("arbiter: unknown mode")
	ErrMissingRequester = errors.New("arbiter: requester id required")
	ErrTransitionDenied = errors.New("arbiter: transition not allowed")
	ErrPriorityDenied   = errors.New("arbiter: denied by priority")

	// ErrAcquisition wraps capture platform failures; the manager has
	// already rolled back when RequestMode returns it.
	ErrAcquisition = errors.New("arbiter: resource acquisition failed")
)

// Event types published by the manager.
const (
	EventModeChanged       = "arbiter.mode_changed"
	EventShutdownRequest   = "arbiter.shutdown_request"
	EventResourcesReleased = "arbiter.resources_released"
)

// ModeChange is the payload of arbiter.mode_changed events.
type ModeChange struct {
	From        Mode
	To          Mode
	RequesterID string
	Timestamp   time.Time
}

// ShutdownRequest is the payload of arbiter.shutdown_request events. The
// outgoing holder gets Grace to stop cleanly before the resource is taken.
type ShutdownRequest struct {
	HolderID string
	Mode     Mode
	Grace    time.Duration
}

// ResourcesReleased is the payload of arbiter.resources_released events.
type ResourcesReleased struct {
	Forced    bool
	Timestamp time.Time
}

// Holder identifies the requester currently owning the resource.
type Holder struct {
	ID    string
	Mode  Mode
	Since time.Time
}

// HistoryEntry is one retained state transition.
type HistoryEntry struct {
	Mode      Mode
	HolderID  string
	Timestamp time.Time
}

// MetricsSnapshot is a point-in-time view of the manager's counters,
// recomputed on query.
type MetricsSnapshot struct {
	TotalRequests     int64
	DeniedRequests    int64
	ResourceConflicts int64
	ModeTransitions   int64
	Errors            int64
	AverageTransition time.Duration
	CurrentMode       Mode
	HolderID          string
	ResourcesActive   bool
	Uptime            time.Duration
}

// ResourceStatus describes the capture resource state.
type ResourceStatus struct {
	Mode          Mode
	HolderID      string
	HasStream     bool
	ResourcesBusy bool
}

const (
	defaultGracePeriod = 500 * time.Millisecond

	historyCap  = 100
	historyTrim = 50
)

// Config configures a Manager.
type Config struct {
	// GracePeriod is how long an outgoing holder gets to stop cleanly
	// before the resource is taken. Defaults to 500ms.
	GracePeriod time.Duration

	// BaseConstraints is the capture constraint set that per-mode
	// adjustments are derived from.
	BaseConstraints audio.CaptureConstraints
}

// RequestOption adjusts a single RequestMode call.
type RequestOption func(*requestOptions)

// WithConstraints overrides the mode's derived capture constraints for this
// request. Only honored when a fresh stream is acquired.
func WithConstraints(c audio.CaptureConstraints) RequestOption {
	return func(o *requestOptions) { o.constraints = &c }
}

type requestOptions struct {
	constraints *audio.CaptureConstraints
}

// Manager is the audio resource arbiter. Construct with New; the zero value
// is not usable.
type Manager struct {
	bus      *bus.Bus
	platform audio.Platform
	cfg      Config
	started  time.Time

	// transitionMu serializes entire transitions, including the grace
	// period and stream acquisition. mu guards only the state fields and
	// may be taken briefly by readers while a transition is in flight.
	transitionMu sync.Mutex

	mu      sync.Mutex
	current Mode
	holder  *Holder
	stream  audio.CaptureStream
	history []HistoryEntry

	totalRequests  int64
	denied         int64
	conflicts      int64
	transitions    int64
	errored        int64
	avgTransition  time.Duration
	platformInited bool
}

// New creates a Manager in idle mode. The platform is initialized lazily on
// the first mode that needs capture.
func New(b *bus.Bus, platform audio.Platform, cfg Config) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &Manager{
		bus:      b,
		platform: platform,
		cfg:      cfg,
		started:  time.Now(),
	}
}

// RequestMode asks the arbiter to switch to mode on behalf of requesterID.
// It returns (true, nil) on success. Structural rejections and priority
// denials return (false, err) with one of the sentinel errors above and no
// side effects; acquisition failures return (false, err) wrapping
// [ErrAcquisition] after rolling back to the last known-good state.
//
// Requests are serialized: a concurrent call blocks until the in-flight
// transition completes, then arbitrates against the resulting state. Events
// are published outside the transition lock, so a handler may call straight
// back into the Manager; such a call is arbitrated against the
// post-transition state.
func (m *Manager) RequestMode(ctx context.Context, mode Mode, requesterID string, opts ...RequestOption) (bool, error) {
	var ro requestOptions
	for _, o := range opts {
		o(&ro)
	}

	change, err := m.transition(ctx, mode, requesterID, ro)
	if err != nil {
		return false, err
	}

	m.publish(ctx, EventModeChanged, *change)
	return true, nil
}

// transition performs one arbitrated mode switch under the transition lock
// and returns the resulting change notification for the caller to publish
// after the lock is released.
func (m *Manager) transition(ctx context.Context, mode Mode, requesterID string, ro requestOptions) (*ModeChange, error) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	start := time.Now()

	m.mu.Lock()
	m.totalRequests++
	current := m.current
	holder := m.holder
	m.mu.Unlock()

	slog.Debug("mode requested",
		"from", current, "to", mode, "requester", requesterID)

	if err := validateRequest(current, mode, requesterID); err != nil {
		m.countDenied()
		slog.Warn("mode request rejected",
			"from", current, "to", mode, "requester", requesterID, "err", err)
		return nil, err
	}

	if !priorityAllows(current, mode, holder, requesterID) {
		m.mu.Lock()
		m.conflicts++
		m.denied++
		m.mu.Unlock()
		slog.Warn("mode request denied by priority",
			"from", current, "to", mode,
			"requester", requesterID, "holder", holderID(holder))
		return nil, fmt.Errorf("%w: %s(%d) cannot preempt %s(%d)",
			ErrPriorityDenied, mode, mode.Priority(), current, current.Priority())
	}

	if holder != nil && holder.ID != requesterID {
		if err := m.gracefulShutdown(ctx, holder); err != nil {
			return nil, err
		}
	}

	constraints := constraintsFor(mode, m.cfg.BaseConstraints)
	if ro.constraints != nil && mode.HoldsCapture() {
		constraints = ro.constraints
	}

	if err := m.prepareResources(ctx, mode, constraints); err != nil {
		m.mu.Lock()
		m.errored++
		m.mu.Unlock()
		slog.Error("resource preparation failed",
			"mode", mode, "requester", requesterID, "err", err)
		m.rollback()
		return nil, fmt.Errorf("%w: %v", ErrAcquisition, err)
	}

	m.mu.Lock()
	from := m.current
	m.current = mode
	m.holder = &Holder{ID: requesterID, Mode: mode, Since: time.Now()}
	m.appendHistoryLocked(HistoryEntry{
		Mode:      mode,
		HolderID:  requesterID,
		Timestamp: time.Now(),
	})
	m.transitions++
	elapsed := time.Since(start)
	m.avgTransition += (elapsed - m.avgTransition) / time.Duration(m.transitions)
	m.mu.Unlock()

	slog.Info("mode transition completed",
		"from", from, "to", mode, "requester", requesterID)

	return &ModeChange{
		From:        from,
		To:          mode,
		RequesterID: requesterID,
		Timestamp:   time.Now(),
	}, nil
}

func validateRequest(current, requested Mode, requesterID string) error {
	if !requested.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownMode, int(requested))
	}
	if requesterID == "" {
		return ErrMissingRequester
	}
	if !allowedTransitions[current][requested] {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionDenied, current, requested)
	}
	return nil
}

// priorityAllows implements the preemption policy. Ties go to the new
// requester: an equal-priority mode may take over from a different holder
// (last writer wins).
func priorityAllows(current, requested Mode, holder *Holder, requesterID string) bool {
	if requested.Priority() > current.Priority() {
		return true
	}
	if holder != nil && holder.ID == requesterID {
		return true
	}
	if requested == ModeIdle {
		return true
	}
	return requested.Priority() >= current.Priority()
}

// gracefulShutdown tells the outgoing holder to stop and waits out the
// grace period. The grace is best-effort; only context cancellation aborts
// the takeover.
//
// The notification is dispatched off the transition goroutine: the grace
// wait holds the transition lock, and a holder reacting by calling
// RequestMode must be able to block on that lock without stalling the
// takeover. The holder's own request is then arbitrated once the takeover
// has completed.
func (m *Manager) gracefulShutdown(ctx context.Context, holder *Holder) error {
	slog.Debug("graceful shutdown initiated",
		"holder", holder.ID, "mode", holder.Mode)

	notifyCtx := context.WithoutCancel(ctx)
	go m.publish(notifyCtx, EventShutdownRequest, ShutdownRequest{
		HolderID: holder.ID,
		Mode:     holder.Mode,
		Grace:    m.cfg.GracePeriod,
	})

	timer := time.NewTimer(m.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("arbiter: graceful shutdown interrupted: %w", ctx.Err())
	}
}

// prepareResources releases or acquires the capture stream for the target
// mode. An already-open stream is reused as-is; constraints only apply when
// a fresh stream is acquired.
func (m *Manager) prepareResources(ctx context.Context, mode Mode, constraints *audio.CaptureConstraints) error {
	if !mode.HoldsCapture() {
		return m.releaseStream()
	}

	m.mu.Lock()
	inited := m.platformInited
	stream := m.stream
	m.mu.Unlock()

	if !inited {
		if err := m.platform.Initialize(); err != nil {
			return err
		}
		m.mu.Lock()
		m.platformInited = true
		m.mu.Unlock()
	}

	if stream != nil || constraints == nil {
		return nil
	}

	s, err := m.platform.OpenStream(ctx, *constraints)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.stream = s
	m.mu.Unlock()
	return nil
}

func (m *Manager) releaseStream() error {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.Close()
}

// rollback restores the last recorded state after a failed transition, or
// falls back to idle with a full release when there is no history.
func (m *Manager) rollback() {
	m.mu.Lock()
	var last *HistoryEntry
	if n := len(m.history); n > 0 {
		last = &m.history[n-1]
	}
	m.mu.Unlock()

	if last != nil {
		slog.Warn("rolling back to previous state",
			"mode", last.Mode, "holder", last.HolderID)
		m.mu.Lock()
		m.current = last.Mode
		m.holder = &Holder{ID: last.HolderID, Mode: last.Mode, Since: last.Timestamp}
		m.mu.Unlock()
		return
	}

	slog.Warn("no history to roll back to, releasing resources")
	m.mu.Lock()
	m.current = ModeIdle
	m.holder = nil
	m.mu.Unlock()
	if err := m.releaseStream(); err != nil {
		slog.Error("stream release during rollback failed", "err", err)
	}
}

// ForceRelease drops everything: closes the stream, terminates the capture
// platform and resets to idle. Used on teardown and as a last-resort
// recovery action. Like RequestMode, it publishes only after the transition
// lock is released.
func (m *Manager) ForceRelease(ctx context.Context) error {
	err := m.forceRelease()
	m.publish(ctx, EventResourcesReleased, ResourcesReleased{
		Forced:    true,
		Timestamp: time.Now(),
	})
	return err
}

func (m *Manager) forceRelease() error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	slog.Warn("force releasing all audio resources")

	var errs []error
	if err := m.releaseStream(); err != nil {
		errs = append(errs, err)
	}

	m.mu.Lock()
	inited := m.platformInited
	m.platformInited = false
	m.current = ModeIdle
	m.holder = nil
	m.mu.Unlock()

	if inited {
		if err := m.platform.Terminate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CurrentMode returns the active mode.
func (m *Manager) CurrentMode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ActiveHolder returns a copy of the current holder, or nil in the initial
// idle state.
func (m *Manager) ActiveHolder() *Holder {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == nil {
		return nil
	}
	h := *m.holder
	return &h
}

// History returns a copy of the retained transition history, oldest first.
func (m *Manager) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HistoryEntry(nil), m.history...)
}

// Metrics returns a snapshot of the manager's counters.
func (m *Manager) Metrics() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		TotalRequests:     m.totalRequests,
		DeniedRequests:    m.denied,
		ResourceConflicts: m.conflicts,
		ModeTransitions:   m.transitions,
		Errors:            m.errored,
		AverageTransition: m.avgTransition,
		CurrentMode:       m.current,
		HolderID:          holderID(m.holder),
		ResourcesActive:   m.stream != nil,
		Uptime:            time.Since(m.started),
	}
}

// ResourceStatus returns the current capture resource state.
func (m *Manager) ResourceStatus() ResourceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ResourceStatus{
		Mode:          m.current,
		HolderID:      holderID(m.holder),
		HasStream:     m.stream != nil,
		ResourcesBusy: m.current != ModeIdle,
	}
}

// Stream returns the open capture stream, or nil when no capture-holding
// mode is active.
func (m *Manager) Stream() audio.CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

func (m *Manager) countDenied() {
	m.mu.Lock()
	m.denied++
	m.mu.Unlock()
}

func (m *Manager) appendHistoryLocked(e HistoryEntry) {
	m.history = append(m.history, e)
	if len(m.history) > historyCap {
		m.history = append(m.history[:0:0], m.history[len(m.history)-historyTrim:]...)
	}
}

func (m *Manager) publish(ctx context.Context, event string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, event, payload, bus.WithSource("arbiter"))
}

func holderID(h *Holder) string {
	if h == nil {
		return ""
	}
	return h.ID
}
