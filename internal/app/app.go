// Package app wires the voicert subsystems — event bus, resource arbiter,
// voice activity detector and recovery layer — into a running application.
//
// The composition order matters: the bus exists first so every other
// component can publish into it, the recovery layer is configured before any
// capability is exercised, and the arbiter is created last because it needs
// the capture platform. Construction is kept side-effect free beyond reading
// the VAD profile file; nothing touches the microphone until the first
// capture-holding mode is requested.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/atlasvoice/voicert/internal/arbiter"
	"github.com/atlasvoice/voicert/internal/bus"
	"github.com/atlasvoice/voicert/internal/config"
	"github.com/atlasvoice/voicert/internal/health"
	"github.com/atlasvoice/voicert/internal/observe"
	"github.com/atlasvoice/voicert/internal/resilience"
	"github.com/atlasvoice/voicert/internal/vad"
	"github.com/atlasvoice/voicert/pkg/audio"
	"github.com/atlasvoice/voicert/pkg/provider/keyword"
	"github.com/atlasvoice/voicert/pkg/provider/stt"
)

// Application-level events published on the bus.
const (
	// EventCapabilityDegraded announces that a capability's circuit opened
	// and the named fallback behaviour is now in effect.
	EventCapabilityDegraded = "app.capability_degraded"

	// EventCapabilityRestored announces that a previously degraded
	// capability is fully functional again.
	EventCapabilityRestored = "app.capability_restored"

	// EventServiceFailed is the inbound event collaborators publish to
	// report an out-of-band service failure. Payload: [ServiceSignal].
	EventServiceFailed = "service.failed"

	// EventServiceRecovered is the inbound counterpart of
	// [EventServiceFailed]. Payload: [ServiceSignal].
	EventServiceRecovered = "service.recovered"

	// EventKeywordDetected announces a recognized wake phrase from an open
	// keyword-spotting session. Payload: [keyword.Hit].
	EventKeywordDetected = "keyword.detected"
)

// Fallback behaviour hints carried by degradation events.
const (
	// HintManualInput — transcription is down, accept typed input instead.
	HintManualInput = "manual_input"

	// HintManualActivation — keyword spotting is down, the assistant must
	// be activated explicitly.
	HintManualActivation = "manual_activation"
)

// Degradation is the payload of app.capability_* events.
type Degradation struct {
	Capability resilience.Capability
	Hint       string
}

// ServiceSignal is the payload collaborators publish on service.failed /
// service.recovered events to feed breaker state from outside the breaker's
// own call path.
type ServiceSignal struct {
	Capability resilience.Capability
	Err        error
}

// profileSaveInterval is how often learned VAD profiles are flushed to disk
// while the application runs.
const profileSaveInterval = time.Minute

// Backends holds the externally constructed capture platform and service
// clients. The entry point populates it from the backend registry; tests
// pass mocks directly.
type Backends struct {
	// Platform is the capture backend the arbiter hands out. Required.
	Platform audio.Platform

	// Transcriber is the batch speech-to-text client. Nil disables the
	// whisper capability.
	Transcriber stt.Transcriber

	// Keyword is the keyword-spotting client. Nil disables the
	// keyword-detection capability.
	Keyword *keyword.Client
}

// Option customises application construction, mainly so tests can inject
// pre-built components.
type Option func(*App)

// WithBus replaces the internally created event bus.
func WithBus(b *bus.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithDetector replaces the internally created voice activity detector.
func WithDetector(d *vad.Detector) Option {
	return func(a *App) { a.detector = d }
}

// WithRecovery replaces the internally created recovery layer.
func WithRecovery(r *resilience.Recovery) Option {
	return func(a *App) { a.recovery = r }
}

// WithMetrics replaces the package-default metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the application the level var backing the process
// logger so log verbosity can be adjusted on config reload.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// App is the assembled voicert application.
type App struct {
	cfg      *config.Config
	backends Backends

	bus      *bus.Bus
	recovery *resilience.Recovery
	detector *vad.Detector
	arbiter  *arbiter.Manager
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	busSubs  []bus.SubscriptionID
	closers  []func() error
	stopOnce sync.Once
}

// New assembles the application from cfg and the supplied backends.
func New(cfg *config.Config, backends Backends, opts ...Option) (*App, error) {
	if backends.Platform == nil {
		return nil, errors.New("app: capture platform is required")
	}

	a := &App{
		cfg:      cfg,
		backends: backends,
	}
	for _, opt := range opts {
		opt(a)
	}

	// ── 1. Event bus ──────────────────────────────────────────────────────────
	if a.bus == nil {
		a.bus = bus.New()
	}

	// ── 2. Voice activity detector ────────────────────────────────────────────
	if a.detector == nil {
		d, err := vad.New(vadConfig(cfg.VAD))
		if err != nil {
			return nil, fmt.Errorf("app: init detector: %w", err)
		}
		a.detector = d
	}
	if err := a.loadProfiles(); err != nil {
		slog.Warn("could not restore vad profiles", "path", cfg.VAD.ProfilePath, "err", err)
	}

	// ── 3. Recovery layer ─────────────────────────────────────────────────────
	if a.recovery == nil {
		a.recovery = resilience.NewRecovery(a.bus, breakerConfig(cfg.Breakers.Defaults))
		for name, override := range cfg.Breakers.Overrides {
			capability := resilience.Capability(name)
			if !capability.IsValid() {
				slog.Warn("breaker override for unknown capability", "capability", name)
			}
			a.recovery.Configure(capability, breakerConfig(override))
		}
	}
	a.registerStrategies()

	// ── 4. Resource arbiter ───────────────────────────────────────────────────
	a.arbiter = arbiter.New(a.bus, backends.Platform, arbiter.Config{
		GracePeriod:     cfg.Arbiter.GracePeriod,
		BaseConstraints: baseConstraints(cfg.Audio),
	})

	// ── 5. Telemetry + collaborator signals ───────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.busSubs = append(a.busSubs, observe.BindBus(a.bus, a.metrics)...)
	a.busSubs = append(a.busSubs,
		a.bus.Subscribe(EventServiceFailed, a.onServiceSignal),
		a.bus.Subscribe(EventServiceRecovered, a.onServiceSignal),
	)

	a.closers = append(a.closers, func() error {
		for _, id := range a.busSubs {
			a.bus.Unsubscribe(id)
		}
		return nil
	})

	slog.Info("application assembled",
		"transcriber", backends.Transcriber != nil,
		"keyword", backends.Keyword != nil,
	)
	return a, nil
}

// Bus returns the application event bus.
func (a *App) Bus() *bus.Bus { return a.bus }

// Arbiter returns the audio resource arbiter.
func (a *App) Arbiter() *arbiter.Manager { return a.arbiter }

// Detector returns the voice activity detector.
func (a *App) Detector() *vad.Detector { return a.detector }

// Recovery returns the resilience layer.
func (a *App) Recovery() *resilience.Recovery { return a.recovery }

// DetectVoice classifies one frame of normalised samples and records the
// outcome in the detection metrics.
func (a *App) DetectVoice(frame []float32) vad.Result {
	res := a.detector.Detect(frame)
	a.metrics.RecordDetection(context.Background(), res.Active)
	return res
}

// Transcribe runs a batch transcription request through the whisper
// capability's circuit breaker.
func (a *App) Transcribe(ctx context.Context, req stt.Request) (stt.Transcription, error) {
	if a.backends.Transcriber == nil {
		return stt.Transcription{}, errors.New("app: no transcriber configured")
	}
	res, err := resilience.ExecuteTyped(ctx, a.recovery, resilience.CapabilityWhisper,
		func(ctx context.Context) (stt.Transcription, error) {
			return a.backends.Transcriber.Transcribe(ctx, req)
		})
	a.metrics.RecordCircuitCall(ctx, string(resilience.CapabilityWhisper), callStatus(err))
	return res, err
}

// SpotKeywords opens a keyword-spotting session through the
// keyword-detection capability's circuit breaker. The caller owns the
// session lifecycle: it feeds audio with SendAudio and must Close when
// done. Recognized phrases are delivered on the bus as
// [EventKeywordDetected] events, not through the session's hit channel,
// which the application consumes.
func (a *App) SpotKeywords(ctx context.Context) (*keyword.Session, error) {
	if a.backends.Keyword == nil {
		return nil, errors.New("app: no keyword client configured")
	}
	session, err := resilience.ExecuteTyped(ctx, a.recovery, resilience.CapabilityKeywordDetection,
		func(ctx context.Context) (*keyword.Session, error) {
			return a.backends.Keyword.Listen(ctx)
		})
	a.metrics.RecordCircuitCall(ctx, string(resilience.CapabilityKeywordDetection), callStatus(err))
	if err != nil {
		return nil, err
	}
	go a.forwardKeywordHits(session)
	return session, nil
}

// forwardKeywordHits republishes a session's hits as keyword.detected events
// until the session ends and its hit channel closes.
func (a *App) forwardKeywordHits(session *keyword.Session) {
	for hit := range session.Hits() {
		slog.Debug("keyword detected",
			"keyword", hit.Keyword, "confidence", hit.Confidence)
		a.bus.Publish(context.Background(), EventKeywordDetected, hit,
			bus.WithSource("keyword"))
	}
}

// Run blocks until ctx is cancelled, serving the diagnostics endpoint and
// periodically persisting learned VAD profiles along the way.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		g.Go(func() error { return a.serveDiagnostics(ctx, addr) })
	}

	if a.cfg.VAD.ProfilePath != "" && a.cfg.VAD.AdaptationEnabled() {
		g.Go(func() error {
			ticker := time.NewTicker(profileSaveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					a.saveProfiles()
					return nil
				case <-ticker.C:
					a.saveProfiles()
				}
			}
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	return g.Wait()
}

// ApplyReload is the config watcher callback. Only hot-reloadable settings
// are applied; everything else needs a restart.
func (a *App) ApplyReload(old, new *config.Config) {
	diff := config.Diff(old, new)
	if diff.Empty() {
		return
	}

	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}

	if diff.VADChanged {
		if err := a.detector.Retune(vadConfig(diff.NewVAD)); err != nil {
			slog.Warn("rejected vad tuning from reloaded config", "err", err)
		}
	}
}

// Shutdown releases the capture resource, persists profiles and tears down
// subscriptions. Safe to call more than once; only the first call does work.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down application")

		if err := a.arbiter.ForceRelease(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: release audio resources: %w", err))
		}

		a.saveProfiles()

		for i := len(a.closers) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline reached, skipping remaining closers",
					"remaining", i+1)
				errs = append(errs, ctx.Err())
				break
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer failed during shutdown", "err", err)
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// ── degradation strategies ────────────────────────────────────────────────────

// registerStrategies installs the per-capability degradation behaviour:
// when transcription fails the assistant falls back to typed input, when
// keyword spotting fails activation becomes manual and the capture resource
// is returned to idle so it is not held for a dead pipeline.
func (a *App) registerStrategies() {
	a.recovery.RegisterStrategy(resilience.CapabilityWhisper, resilience.Strategy{
		OnFailure: func() {
			a.publishDegraded(resilience.CapabilityWhisper, HintManualInput)
		},
		OnRecovery: func() {
			a.publishRestored(resilience.CapabilityWhisper)
		},
	})

	a.recovery.RegisterStrategy(resilience.CapabilityKeywordDetection, resilience.Strategy{
		OnFailure: func() {
			a.publishDegraded(resilience.CapabilityKeywordDetection, HintManualActivation)
			if a.arbiter.CurrentMode() == arbiter.ModeKeywordDetection {
				go a.idleCapture()
			}
		},
		OnRecoveryAttempt: func() {
			go a.probeKeywordService()
		},
		OnRecovery: func() {
			a.publishRestored(resilience.CapabilityKeywordDetection)
		},
	})
}

// idleCapture returns the capture resource to idle after the holder's
// pipeline died underneath it.
func (a *App) idleCapture() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.arbiter.RequestMode(ctx, arbiter.ModeIdle, "recovery"); err != nil {
		slog.Warn("could not idle capture after keyword outage", "err", err)
	}
}

// probeKeywordService dials the keyword service as a half-open self-test and
// feeds the result back into the breaker.
func (a *App) probeKeywordService() {
	if a.backends.Keyword == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.backends.Keyword.Probe(ctx); err != nil {
		a.recovery.ReportFailure(resilience.CapabilityKeywordDetection, err)
		return
	}
	a.recovery.ReportRecovery(resilience.CapabilityKeywordDetection)
}

func (a *App) publishDegraded(capability resilience.Capability, hint string) {
	slog.Warn("capability degraded",
		"capability", string(capability), "fallback", hint)
	a.bus.Publish(context.Background(), EventCapabilityDegraded,
		Degradation{Capability: capability, Hint: hint},
		bus.WithSource("app"))
}

func (a *App) publishRestored(capability resilience.Capability) {
	slog.Info("capability restored", "capability", string(capability))
	a.bus.Publish(context.Background(), EventCapabilityRestored,
		Degradation{Capability: capability},
		bus.WithSource("app"))
}

// onServiceSignal feeds collaborator-reported service state into the
// matching breaker.
func (a *App) onServiceSignal(_ context.Context, evt bus.Event) error {
	signal, ok := evt.Payload.(ServiceSignal)
	if !ok {
		return fmt.Errorf("app: %s payload is %T, want ServiceSignal", evt.Type, evt.Payload)
	}
	if !signal.Capability.IsValid() {
		return fmt.Errorf("app: %s for unknown capability %q", evt.Type, signal.Capability)
	}
	switch evt.Type {
	case EventServiceFailed:
		a.recovery.ReportFailure(signal.Capability, signal.Err)
	case EventServiceRecovered:
		a.recovery.ReportRecovery(signal.Capability)
	}
	return nil
}

// ── diagnostics endpoint ──────────────────────────────────────────────────────

// serveDiagnostics runs the /metrics, /healthz and /readyz endpoint until
// ctx is cancelled.
func (a *App) serveDiagnostics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(a.healthCheckers()...).Register(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("diagnostics endpoint listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("diagnostics endpoint shutdown failed", "err", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: diagnostics endpoint: %w", err)
	}
}

func (a *App) healthCheckers() []health.Checker {
	return []health.Checker{
		{
			Name: "circuits",
			Check: func(context.Context) error {
				for capability, m := range a.recovery.AllMetrics() {
					if a.recovery.Breaker(capability).State() == resilience.StateOpen {
						return fmt.Errorf("circuit %s open after %d failures",
							capability, m.FailedCalls)
					}
				}
				return nil
			},
		},
		{
			Name: "capture",
			Check: func(context.Context) error {
				status := a.arbiter.ResourceStatus()
				if status.Mode.HoldsCapture() && !status.HasStream {
					return fmt.Errorf("mode %s holds capture but no stream is open", status.Mode)
				}
				return nil
			},
		},
	}
}

// ── profile persistence ───────────────────────────────────────────────────────

// loadProfiles restores VAD adaptation state from the configured profile
// file. A missing file is not an error; it simply means a cold start.
func (a *App) loadProfiles() error {
	path := a.cfg.VAD.ProfilePath
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snapshot vad.ProfileSnapshot
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("parse profile file: %w", err)
	}
	a.detector.ImportProfiles(snapshot)
	return nil
}

// saveProfiles writes the current VAD adaptation state to the configured
// profile file via a temp-and-rename so a crash mid-write cannot corrupt it.
func (a *App) saveProfiles() {
	path := a.cfg.VAD.ProfilePath
	if path == "" {
		return
	}
	data, err := yaml.Marshal(a.detector.ExportProfiles())
	if err != nil {
		slog.Warn("could not serialise vad profiles", "err", err)
		return
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("could not write vad profiles", "path", tmp, "err", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Warn("could not replace vad profile file", "path", path, "err", err)
		return
	}
	slog.Debug("vad profiles saved", "path", path)
}

// ── config mapping helpers ────────────────────────────────────────────────────

// vadConfig maps the file-level VAD settings onto the detector config,
// falling back to the detector defaults for unset weights and threshold.
func vadConfig(v config.VADConfig) vad.Config {
	cfg := vad.DefaultConfig()
	if v.EnergyWeight > 0 {
		cfg.EnergyWeight = v.EnergyWeight
	}
	if v.SpectralWeight > 0 {
		cfg.SpectralWeight = v.SpectralWeight
	}
	if v.TemporalWeight > 0 {
		cfg.TemporalWeight = v.TemporalWeight
	}
	if v.SpeakerWeight > 0 {
		cfg.SpeakerWeight = v.SpeakerWeight
	}
	if v.Threshold > 0 {
		cfg.Threshold = v.Threshold
	}
	cfg.AdaptationEnabled = v.AdaptationEnabled()
	return cfg
}

// breakerConfig maps file-level breaker settings onto the resilience config.
// Zero values stay zero; the breaker substitutes its own defaults.
func breakerConfig(b config.BreakerConfig) resilience.Config {
	return resilience.Config{
		FailureThreshold: b.FailureThreshold,
		RecoveryTimeout:  b.RecoveryTimeout,
		HalfOpenMaxCalls: b.HalfOpenMaxCalls,
		CallTimeout:      b.CallTimeout,
	}
}

// baseConstraints derives the arbiter's base capture constraints from the
// audio settings, defaulting to 16 kHz mono with 20 ms frames.
func baseConstraints(a config.AudioConfig) audio.CaptureConstraints {
	c := audio.CaptureConstraints{
		SampleRate:       16000,
		Channels:         1,
		FrameSizeMs:      20,
		NoiseSuppression: a.NoiseSuppression,
	}
	if a.SampleRate > 0 {
		c.SampleRate = a.SampleRate
	}
	if a.Channels > 0 {
		c.Channels = a.Channels
	}
	if a.FrameSizeMs > 0 {
		c.FrameSizeMs = a.FrameSizeMs
	}
	return c
}

// slogLevel converts a config log level into the slog equivalent.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func callStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
