// Package portaudio provides a PortAudio-backed implementation of the
// capture interfaces in pkg/audio.
//
// The platform opens the host's default input device. Echo cancellation and
// noise suppression constraints are accepted but ignored — PortAudio exposes
// no portable switches for them.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/atlasvoice/voicert/pkg/audio"
)

// Compile-time assertion that Platform implements audio.Platform.
var _ audio.Platform = (*Platform)(nil)

// Platform wraps the PortAudio host API. The zero value is ready to use.
type Platform struct {
	mu          sync.Mutex
	initialized bool
}

// New returns a Platform. Initialize must be called (the arbiter does this
// lazily) before OpenStream.
func New() *Platform {
	return &Platform{}
}

// Initialize initialises the PortAudio host API. Idempotent.
func (p *Platform) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	p.initialized = true
	return nil
}

// OpenStream opens the default input device with the given constraints and
// starts capture immediately.
func (p *Platform) OpenStream(ctx context.Context, c audio.CaptureConstraints) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("portaudio: open stream: %w", err)
	}
	p.mu.Lock()
	initialized := p.initialized
	p.mu.Unlock()
	if !initialized {
		return nil, errors.New("portaudio: platform not initialized")
	}

	if c.SampleRate <= 0 || c.Channels <= 0 || c.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("portaudio: invalid constraints %+v", c)
	}

	framesPerBuffer := c.SampleRate * c.FrameSizeMs / 1000

	s := &stream{
		constraints: c,
		frames:      make(chan audio.AudioFrame, 32),
		start:       time.Now(),
	}

	pa, err := portaudio.OpenDefaultStream(c.Channels, 0, float64(c.SampleRate), framesPerBuffer, s.callback)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open default stream: %w", err)
	}
	s.pa = pa

	if err := pa.Start(); err != nil {
		_ = pa.Close()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}

	slog.Debug("portaudio capture stream opened",
		"sample_rate", c.SampleRate,
		"channels", c.Channels,
		"frame_ms", c.FrameSizeMs,
	)
	return s, nil
}

// Terminate releases the PortAudio host API. No-op when not initialized.
func (p *Platform) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil
	}
	p.initialized = false
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// stream is a live PortAudio capture stream implementing audio.CaptureStream.
type stream struct {
	constraints audio.CaptureConstraints
	frames      chan audio.AudioFrame
	pa          *portaudio.Stream
	start       time.Time

	mu     sync.Mutex
	closed bool
}

// callback runs on the PortAudio device thread. It must never block, so a
// full frame channel drops the frame rather than waiting for the consumer.
func (s *stream) callback(in []int16) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	data := make([]byte, len(in)*2)
	for i, v := range in {
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	frame := audio.AudioFrame{
		Data:       data,
		SampleRate: s.constraints.SampleRate,
		Channels:   s.constraints.Channels,
		Timestamp:  time.Since(s.start),
	}
	select {
	case s.frames <- frame:
	default:
		// Consumer is behind; dropping is preferable to stalling the device.
	}
}

func (s *stream) Frames() <-chan audio.AudioFrame       { return s.frames }
func (s *stream) Constraints() audio.CaptureConstraints { return s.constraints }

// Close stops capture and closes the frame channel. Safe to call twice.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.pa.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop stream: %w", err))
	}
	if err := s.pa.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close stream: %w", err))
	}
	close(s.frames)
	return errors.Join(errs...)
}
