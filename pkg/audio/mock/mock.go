// Package mock provides in-memory fakes for the audio capture interfaces,
// used by arbiter and app tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/atlasvoice/voicert/pkg/audio"
)

// Platform is a test double for [audio.Platform]. It records every call and
// can be programmed to fail at each step.
type Platform struct {
	mu sync.Mutex

	// Failure injection.
	InitErr error
	OpenErr error

	// Call accounting.
	InitCalls      int
	TerminateCalls int
	OpenCalls      int

	initialized bool
	streams     []*Stream
}

// Initialize implements audio.Platform.
func (p *Platform) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InitCalls++
	if p.InitErr != nil {
		return p.InitErr
	}
	p.initialized = true
	return nil
}

// OpenStream implements audio.Platform. It fails if Initialize has not been
// called, mirroring real backends.
func (p *Platform) OpenStream(ctx context.Context, c audio.CaptureConstraints) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls++
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if !p.initialized {
		return nil, errors.New("mock: platform not initialized")
	}
	s := &Stream{
		constraints: c,
		frames:      make(chan audio.AudioFrame, 16),
	}
	p.streams = append(p.streams, s)
	return s, nil
}

// Terminate implements audio.Platform.
func (p *Platform) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TerminateCalls++
	p.initialized = false
	return nil
}

// Initialized reports whether the platform is currently initialized.
func (p *Platform) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// OpenStreams returns the streams opened so far, including closed ones.
func (p *Platform) OpenStreams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Stream(nil), p.streams...)
}

// Stream is a test double for [audio.CaptureStream]. Tests push frames into
// it via Push.
type Stream struct {
	constraints audio.CaptureConstraints
	frames      chan audio.AudioFrame

	mu     sync.Mutex
	closed bool
}

// Frames implements audio.CaptureStream.
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Constraints implements audio.CaptureStream.
func (s *Stream) Constraints() audio.CaptureConstraints { return s.constraints }

// Close implements audio.CaptureStream. Safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Push delivers a frame to the stream's consumer. Returns false if the
// stream is closed or the buffer is full.
func (s *Stream) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}
