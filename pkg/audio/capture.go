// Package audio defines the interfaces and types for microphone capture
// within voicert.
//
// The two primary abstractions are:
//
//   - [Platform] — the host audio system that can open capture streams.
//   - [CaptureStream] — an open microphone stream delivering [AudioFrame]
//     values until closed.
//
// Implementations of these interfaces are provided by platform-specific
// adapter packages (e.g., audio/portaudio). The interfaces are intentionally
// narrow to keep the resource arbiter decoupled from device details: the
// arbiter is the only component that opens and closes streams, consumers
// receive frames from whichever stream is currently held.
//
// This package lives under pkg/ because external code (alternative capture
// backends) is expected to implement [Platform] and [CaptureStream].
package audio

import "context"

// CaptureConstraints describes the capture parameters a stream must satisfy.
// A mode with no constraints (nil) requires no microphone capture at all.
type CaptureConstraints struct {
	// SampleRate in Hz (e.g., 16000 for STT-oriented capture).
	SampleRate int `yaml:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo. Capture is mono in practice.
	Channels int `yaml:"channels"`

	// FrameSizeMs is the duration of each delivered frame in milliseconds.
	FrameSizeMs int `yaml:"frame_size_ms"`

	// EchoCancellation requests acoustic echo cancellation where the
	// backend supports it. Backends without AEC ignore the flag.
	EchoCancellation bool `yaml:"echo_cancellation"`

	// NoiseSuppression requests noise suppression where supported.
	NoiseSuppression bool `yaml:"noise_suppression"`
}

// Equal reports whether two constraint sets describe the same stream
// configuration. Constraints bind at open time only: an already-open stream
// is handed across capture modes as-is, so differing per-mode constraints do
// not force a reopen.
func (c CaptureConstraints) Equal(o CaptureConstraints) bool {
	return c == o
}

// CaptureStream is an open microphone stream.
//
// A CaptureStream is obtained from [Platform.OpenStream] and remains valid
// until [CaptureStream.Close] is called. The Frames channel is closed when
// the stream terminates, whether by Close or by a device error.
type CaptureStream interface {
	// Frames returns the read-only channel delivering captured audio.
	// The channel is buffered; a slow consumer causes frame drops rather
	// than blocking the device callback.
	Frames() <-chan AudioFrame

	// Constraints returns the constraint set the stream was opened with.
	Constraints() CaptureConstraints

	// Close stops capture and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Platform is the entry point for a capture backend. Implementations wrap
// host audio APIs (PortAudio, ALSA, …) behind a uniform stream abstraction.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Initialize prepares the host audio system. It is idempotent; the
	// arbiter calls it lazily before the first stream is opened and again
	// after Terminate when capture is needed anew.
	Initialize() error

	// OpenStream opens a capture stream satisfying the given constraints.
	// The supplied ctx governs the lifetime of the open attempt only; once
	// opened, the stream remains alive until [CaptureStream.Close].
	//
	// Returns an error if the device is unavailable or the constraints
	// cannot be satisfied.
	OpenStream(ctx context.Context, c CaptureConstraints) (CaptureStream, error)

	// Terminate releases the host audio system. Any streams still open
	// become invalid. Calling Terminate without a prior Initialize is a
	// no-op.
	Terminate() error
}
