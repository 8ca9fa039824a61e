package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidPlatformNames lists the capture backend names shipped with voicert.
// Used by [Validate] to warn about unrecognised platform names.
var ValidPlatformNames = []string{"portaudio", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.Platform != "" && !slices.Contains(ValidPlatformNames, cfg.Audio.Platform) {
		slog.Warn("unknown audio platform name — may be a typo or external backend",
			"name", cfg.Audio.Platform,
			"known", ValidPlatformNames,
		)
	}
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [0, 2]", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameSizeMs < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size_ms %d must not be negative", cfg.Audio.FrameSizeMs))
	}

	// Arbiter
	if cfg.Arbiter.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("arbiter.grace_period %s must not be negative", cfg.Arbiter.GracePeriod))
	}

	// Breakers
	errs = append(errs, validateBreaker("breakers.defaults", cfg.Breakers.Defaults)...)
	for name, b := range cfg.Breakers.Overrides {
		errs = append(errs, validateBreaker("breakers.overrides."+name, b)...)
	}

	// VAD
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"energy_weight", cfg.VAD.EnergyWeight},
		{"spectral_weight", cfg.VAD.SpectralWeight},
		{"temporal_weight", cfg.VAD.TemporalWeight},
		{"speaker_weight", cfg.VAD.SpeakerWeight},
	} {
		if w.value < 0 {
			errs = append(errs, fmt.Errorf("vad.%s %.2f must not be negative", w.name, w.value))
		}
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range [0, 1]", cfg.VAD.Threshold))
	}

	// Services
	if cfg.Services.Whisper.BaseURL == "" {
		slog.Warn("services.whisper.base_url is empty; transcription capability will be unavailable")
	}
	if cfg.Services.Keyword.URL != "" {
		if !strings.HasPrefix(cfg.Services.Keyword.URL, "ws://") && !strings.HasPrefix(cfg.Services.Keyword.URL, "wss://") {
			errs = append(errs, fmt.Errorf("services.keyword.url %q must use the ws or wss scheme", cfg.Services.Keyword.URL))
		}
		if len(cfg.Services.Keyword.Phrases) == 0 {
			errs = append(errs, errors.New("services.keyword.phrases is required when services.keyword.url is set"))
		}
	} else {
		slog.Warn("services.keyword.url is empty; keyword-detection capability will be unavailable")
	}

	return errors.Join(errs...)
}

// validateBreaker checks one breaker threshold block. Zero values are legal
// (they select the built-in defaults), negatives are not.
func validateBreaker(prefix string, b BreakerConfig) []error {
	var errs []error
	if b.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("%s.failure_threshold %d must not be negative", prefix, b.FailureThreshold))
	}
	if b.RecoveryTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s.recovery_timeout %s must not be negative", prefix, b.RecoveryTimeout))
	}
	if b.HalfOpenMaxCalls < 0 {
		errs = append(errs, fmt.Errorf("%s.half_open_max_calls %d must not be negative", prefix, b.HalfOpenMaxCalls))
	}
	if b.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s.call_timeout %s must not be negative", prefix, b.CallTimeout))
	}
	return errs
}
