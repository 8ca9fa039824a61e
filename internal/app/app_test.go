package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/atlasvoice/voicert/internal/arbiter"
	"github.com/atlasvoice/voicert/internal/bus"
	"github.com/atlasvoice/voicert/internal/config"
	"github.com/atlasvoice/voicert/internal/resilience"
	"github.com/atlasvoice/voicert/pkg/audio/mock"
	"github.com/atlasvoice/voicert/pkg/provider/keyword"
	"github.com/atlasvoice/voicert/pkg/provider/stt"
)

// stubTranscriber is a programmable stt.Transcriber.
type stubTranscriber struct {
	out   stt.Transcription
	err   error
	calls int
}

func (s *stubTranscriber) Transcribe(_ context.Context, _ stt.Request) (stt.Transcription, error) {
	s.calls++
	return s.out, s.err
}

func testAppConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Arbiter.GracePeriod = 10 * time.Millisecond
	cfg.Breakers.Defaults = config.BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
		HalfOpenMaxCalls: 1,
		CallTimeout:      time.Second,
	}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, backends Backends, opts ...Option) *App {
	t.Helper()
	if backends.Platform == nil {
		backends.Platform = &mock.Platform{}
	}
	a, err := New(cfg, backends, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_RequiresPlatform(t *testing.T) {
	if _, err := New(testAppConfig(), Backends{}); err == nil {
		t.Error("New accepted a nil capture platform")
	}
}

func TestNew_AssemblesComponents(t *testing.T) {
	a := newTestApp(t, testAppConfig(), Backends{})

	if a.Bus() == nil || a.Arbiter() == nil || a.Detector() == nil || a.Recovery() == nil {
		t.Fatal("missing component after New")
	}
	if got := a.Arbiter().CurrentMode(); got != arbiter.ModeIdle {
		t.Errorf("initial mode = %v, want idle", got)
	}
}

func TestTranscribe_NoBackendConfigured(t *testing.T) {
	a := newTestApp(t, testAppConfig(), Backends{})

	if _, err := a.Transcribe(context.Background(), stt.Request{PCM: []byte{0, 0}}); err == nil {
		t.Error("Transcribe succeeded without a transcriber")
	}
}

func TestTranscribe_RoutesThroughBreaker(t *testing.T) {
	stub := &stubTranscriber{out: stt.Transcription{Text: "hello"}}
	a := newTestApp(t, testAppConfig(), Backends{Transcriber: stub})

	out, err := a.Transcribe(context.Background(), stt.Request{PCM: []byte{0, 0}})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if out.Text != "hello" {
		t.Errorf("text = %q, want hello", out.Text)
	}
	if stub.calls != 1 {
		t.Errorf("transcriber calls = %d, want 1", stub.calls)
	}
}

func TestTranscribe_CircuitOpensAndDegrades(t *testing.T) {
	stub := &stubTranscriber{err: errors.New("whisper down")}
	a := newTestApp(t, testAppConfig(), Backends{Transcriber: stub})

	var degraded Degradation
	var degradedEvents int
	a.Bus().Subscribe(EventCapabilityDegraded, func(_ context.Context, evt bus.Event) error {
		degraded = evt.Payload.(Degradation)
		degradedEvents++
		return nil
	})

	// Threshold is 2; both calls fail and open the circuit.
	a.Transcribe(context.Background(), stt.Request{PCM: []byte{0, 0}})
	a.Transcribe(context.Background(), stt.Request{PCM: []byte{0, 0}})

	if degradedEvents != 1 {
		t.Fatalf("degraded events = %d, want 1", degradedEvents)
	}
	if degraded.Capability != resilience.CapabilityWhisper {
		t.Errorf("degraded capability = %q, want whisper", degraded.Capability)
	}
	if degraded.Hint != HintManualInput {
		t.Errorf("hint = %q, want %q", degraded.Hint, HintManualInput)
	}

	// The open circuit rejects without invoking the backend.
	before := stub.calls
	_, err := a.Transcribe(context.Background(), stt.Request{PCM: []byte{0, 0}})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if stub.calls != before {
		t.Error("transcriber invoked while the circuit was open")
	}
}

func TestSpotKeywords_NoBackendConfigured(t *testing.T) {
	a := newTestApp(t, testAppConfig(), Backends{})

	if _, err := a.SpotKeywords(context.Background()); err == nil {
		t.Error("SpotKeywords succeeded without a keyword client")
	}
}

func TestSpotKeywords_PublishesHitsOnBus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		hit := []byte(`{"keyword":"hey atlas","confidence":0.91,"timestamp_ms":420}`)
		if err := conn.Write(ctx, websocket.MessageText, hit); err != nil {
			return
		}
		conn.Read(ctx)
	}))
	defer srv.Close()

	kw, err := keyword.New("ws"+strings.TrimPrefix(srv.URL, "http"),
		keyword.WithPhrases("hey atlas"))
	if err != nil {
		t.Fatalf("keyword.New: %v", err)
	}
	a := newTestApp(t, testAppConfig(), Backends{Keyword: kw})

	hits := make(chan keyword.Hit, 1)
	a.Bus().Subscribe(EventKeywordDetected, func(_ context.Context, evt bus.Event) error {
		hits <- evt.Payload.(keyword.Hit)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	session, err := a.SpotKeywords(ctx)
	if err != nil {
		t.Fatalf("SpotKeywords: %v", err)
	}
	defer session.Close()

	select {
	case hit := <-hits:
		if hit.Keyword != "hey atlas" {
			t.Errorf("keyword = %q, want hey atlas", hit.Keyword)
		}
		if hit.Confidence != 0.91 {
			t.Errorf("confidence = %v, want 0.91", hit.Confidence)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no keyword.detected event published")
	}
}

func TestServiceSignal_FeedsBreaker(t *testing.T) {
	a := newTestApp(t, testAppConfig(), Backends{})

	for range 2 {
		a.Bus().Publish(context.Background(), EventServiceFailed, ServiceSignal{
			Capability: resilience.CapabilityPostChatAnalysis,
			Err:        errors.New("analyzer crashed"),
		})
	}

	state := a.Recovery().Breaker(resilience.CapabilityPostChatAnalysis).State()
	if state != resilience.StateOpen {
		t.Errorf("breaker state = %v, want open after reported failures", state)
	}
}

func TestServiceSignal_RejectsUnknownCapability(t *testing.T) {
	a := newTestApp(t, testAppConfig(), Backends{})

	a.Bus().Publish(context.Background(), EventServiceFailed, ServiceSignal{
		Capability: "espresso-machine",
	})

	if got := a.Bus().Metrics().HandlerErrors; got != 1 {
		t.Errorf("handler errors = %d, want 1 for unknown capability", got)
	}
}

func TestApplyReload_RetunesDetectorAndLogLevel(t *testing.T) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)
	a := newTestApp(t, testAppConfig(), Backends{}, WithLogLevel(level))

	old := testAppConfig()
	old.Server.LogLevel = config.LogInfo
	updated := testAppConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.VAD.Threshold = 0.9

	a.ApplyReload(old, updated)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
	// A quiet frame cannot clear a 0.9 threshold; sanity-check the detector
	// still classifies after the retune.
	if res := a.DetectVoice(make([]float32, 512)); res.Active {
		t.Error("silence classified as voice after retune")
	}
}

func TestShutdown_ReleasesCaptureResources(t *testing.T) {
	platform := &mock.Platform{}
	a := newTestApp(t, testAppConfig(), Backends{Platform: platform})

	if _, err := a.Arbiter().RequestMode(context.Background(), arbiter.ModeKeywordDetection, "listener"); err != nil {
		t.Fatalf("RequestMode: %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if platform.TerminateCalls != 1 {
		t.Errorf("terminate calls = %d, want 1", platform.TerminateCalls)
	}
	if got := a.Arbiter().CurrentMode(); got != arbiter.ModeIdle {
		t.Errorf("mode = %v, want idle after shutdown", got)
	}

	// Second shutdown is a no-op.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if platform.TerminateCalls != 1 {
		t.Errorf("terminate calls after repeat = %d, want 1", platform.TerminateCalls)
	}
}

func TestProfiles_PersistAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")

	cfg := testAppConfig()
	cfg.VAD.ProfilePath = path
	a := newTestApp(t, cfg, Backends{})

	for range 25 {
		a.DetectVoice(make([]float32, 512))
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	restarted := newTestApp(t, cfg, Backends{})
	got := restarted.Detector().ExportProfiles()
	if got.Environment.SampleCount != 25 {
		t.Errorf("restored environment samples = %d, want 25", got.Environment.SampleCount)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a := newTestApp(t, testAppConfig(), Backends{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
