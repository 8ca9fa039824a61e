// Package stt defines the Transcriber interface for speech-to-text backends.
//
// Transcription here is batch, not streaming: the arbiter's consumers hand
// over a complete buffered utterance and get text back. The call is
// network-bound and fragile, which is why the resilience layer wraps every
// Transcriber behind a circuit breaker.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Request is one utterance to transcribe.
type Request struct {
	// PCM is raw 16-bit signed little-endian audio.
	PCM []byte

	// SampleRate in Hz. Zero means the provider default.
	SampleRate int

	// Channels is the channel count. Zero means mono.
	Channels int

	// Language is the BCP-47 language tag (e.g., "en", "uk"). Empty lets the
	// provider auto-detect, if supported.
	Language string
}

// Transcription is the result of a successful Transcribe call.
type Transcription struct {
	Text string
}

// Transcriber is the abstraction over any batch STT backend.
type Transcriber interface {
	// Transcribe submits one utterance and blocks until the backend returns
	// text or the context is done.
	Transcribe(ctx context.Context, req Request) (Transcription, error)
}
