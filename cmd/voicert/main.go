// Command voicert runs the ATLAS audio resource arbitration and resilience
// runtime: microphone arbitration, adaptive voice activity detection, and
// circuit-protected access to the remote speech services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlasvoice/voicert/internal/app"
	"github.com/atlasvoice/voicert/internal/config"
	"github.com/atlasvoice/voicert/internal/observe"
	"github.com/atlasvoice/voicert/pkg/audio"
	audiomock "github.com/atlasvoice/voicert/pkg/audio/mock"
	paudio "github.com/atlasvoice/voicert/pkg/audio/portaudio"
	"github.com/atlasvoice/voicert/pkg/provider/keyword"
	"github.com/atlasvoice/voicert/pkg/provider/stt"
	"github.com/atlasvoice/voicert/pkg/provider/stt/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicert: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicert: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("voicert starting",
		"config", *configPath,
		"platform", cfg.Audio.Platform,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicert",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	backends, err := buildBackends(cfg, reg)
	if err != nil {
		slog.Error("failed to build backends", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, backends, app.WithLogLevel(logLevel))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyReload)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("runtime ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires all shipped backend factories into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterAudio("portaudio", func(config.AudioConfig) (audio.Platform, error) {
		return paudio.New(), nil
	})

	// In-memory capture backend for development boxes without a microphone.
	reg.RegisterAudio("mock", func(config.AudioConfig) (audio.Platform, error) {
		return &audiomock.Platform{}, nil
	})

	reg.RegisterSTT("whisper", func(entry config.WhisperConfig) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterKeyword("websocket", func(entry config.KeywordConfig) (*keyword.Client, error) {
		return keyword.New(entry.URL, keyword.WithPhrases(entry.Phrases...))
	})
}

// buildBackends instantiates the configured backends from the registry and
// returns them in an [app.Backends] struct. The capture platform is
// mandatory; the speech services are optional capabilities.
func buildBackends(cfg *config.Config, reg *config.Registry) (app.Backends, error) {
	var backends app.Backends

	platformName := cfg.Audio.Platform
	if platformName == "" {
		platformName = "portaudio"
	}
	platform, err := reg.CreateAudio(platformName, cfg.Audio)
	if err != nil {
		return backends, fmt.Errorf("create audio backend %q: %w", platformName, err)
	}
	backends.Platform = platform
	slog.Info("backend created", "kind", "audio", "name", platformName)

	if cfg.Services.Whisper.BaseURL != "" {
		t, err := reg.CreateSTT("whisper", cfg.Services.Whisper)
		if err != nil {
			return backends, fmt.Errorf("create stt backend: %w", err)
		}
		backends.Transcriber = t
		slog.Info("backend created", "kind", "stt", "name", "whisper")
	} else {
		slog.Info("transcription disabled — no whisper base_url configured")
	}

	if cfg.Services.Keyword.URL != "" {
		k, err := reg.CreateKeyword("websocket", cfg.Services.Keyword)
		if err != nil {
			return backends, fmt.Errorf("create keyword backend: %w", err)
		}
		backends.Keyword = k
		slog.Info("backend created", "kind", "keyword", "name", "websocket")
	} else {
		slog.Info("keyword spotting disabled — no keyword url configured")
	}

	return backends, nil
}

// ── Logger ────────────────────────────────────────────────────────────────────

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
