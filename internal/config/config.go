// Package config provides the configuration schema, loader, file watcher
// and backend registry for the voicert runtime.
package config

import "time"

// LogLevel controls log verbosity for the voicert process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voicert.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Arbiter  ArbiterConfig  `yaml:"arbiter"`
	Breakers BreakersConfig `yaml:"breakers"`
	VAD      VADConfig      `yaml:"vad"`
	Services ServicesConfig `yaml:"services"`
}

// ServerConfig holds process-level logging and observability settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address the Prometheus metrics endpoint listens
	// on (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// AudioConfig describes the capture backend and the base constraint set
// that per-mode constraints are derived from.
type AudioConfig struct {
	// Platform selects the registered capture backend (e.g., "portaudio").
	Platform string `yaml:"platform"`

	// SampleRate in Hz. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the capture channel count. Defaults to 1.
	Channels int `yaml:"channels"`

	// FrameSizeMs is the capture frame duration in milliseconds.
	// Defaults to 20.
	FrameSizeMs int `yaml:"frame_size_ms"`

	// NoiseSuppression enables noise suppression on backends that support
	// it. Individual modes may override it.
	NoiseSuppression bool `yaml:"noise_suppression"`
}

// ArbiterConfig tunes the resource manager.
type ArbiterConfig struct {
	// GracePeriod is how long an outgoing mode holder gets to stop cleanly
	// before the capture resource is taken. Defaults to 500ms.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// BreakerConfig holds the thresholds for one circuit breaker. Zero values
// fall back to the built-in defaults (5 failures, 30s recovery, 3 half-open
// calls, 5s call timeout).
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// BreakersConfig holds the default breaker thresholds plus per-capability
// overrides keyed by capability name.
type BreakersConfig struct {
	Defaults  BreakerConfig            `yaml:"defaults"`
	Overrides map[string]BreakerConfig `yaml:"overrides"`
}

// VADConfig tunes the voice activity detector. Zero-valued weights and
// threshold fall back to the detector defaults.
type VADConfig struct {
	EnergyWeight   float64 `yaml:"energy_weight"`
	SpectralWeight float64 `yaml:"spectral_weight"`
	TemporalWeight float64 `yaml:"temporal_weight"`
	SpeakerWeight  float64 `yaml:"speaker_weight"`

	// Threshold is the ensemble confidence above which a frame counts as
	// voiced, in (0, 1].
	Threshold float64 `yaml:"threshold"`

	// Adaptation controls online profile learning. Unset means enabled.
	Adaptation *bool `yaml:"adaptation"`

	// ProfilePath is where adaptation profiles are persisted across runs.
	// Empty disables persistence.
	ProfilePath string `yaml:"profile_path"`
}

// AdaptationEnabled reports whether profile learning is on. Defaults to
// true when the field is absent from the file.
func (v VADConfig) AdaptationEnabled() bool {
	return v.Adaptation == nil || *v.Adaptation
}

// ServicesConfig declares the remote speech services.
type ServicesConfig struct {
	Whisper WhisperConfig `yaml:"whisper"`
	Keyword KeywordConfig `yaml:"keyword"`
}

// WhisperConfig points at a whisper.cpp server for batch transcription.
type WhisperConfig struct {
	// BaseURL of the whisper-server REST API (e.g., "http://localhost:8080").
	// Empty disables the transcription capability.
	BaseURL string `yaml:"base_url"`

	// Language is the BCP-47 code sent with each request. Empty means the
	// client default.
	Language string `yaml:"language"`

	// Model selects a model on servers that host more than one.
	Model string `yaml:"model"`
}

// KeywordConfig points at the remote keyword-spotting service.
type KeywordConfig struct {
	// URL of the WebSocket endpoint (e.g., "ws://localhost:8765/spot").
	// Empty disables the keyword-detection capability.
	URL string `yaml:"url"`

	// Phrases the service listens for. Required when URL is set.
	Phrases []string `yaml:"phrases"`
}
