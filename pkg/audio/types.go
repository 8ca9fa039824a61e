package audio

import (
	"encoding/binary"
	"time"
)

// AudioFrame represents a single frame of audio data flowing through the
// pipeline. Frames are the atomic unit of audio transport — captured from the
// microphone, analysed by VAD, and forwarded to whichever consumer currently
// holds the capture resource.
type AudioFrame struct {
	// PCM audio data, 16-bit signed little-endian.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input).
	SampleRate int

	// Channels: 1 for mono capture, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples decodes the frame's PCM data into normalised float32 samples in
// [-1, 1]. A trailing odd byte is ignored. This is the representation the
// VAD feature extractor consumes.
func (f AudioFrame) Samples() []float32 {
	n := len(f.Data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(f.Data[i*2 : i*2+2]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// FrameFromSamples encodes normalised float32 samples into a 16-bit PCM
// frame. Samples outside [-1, 1] are clamped. Used by tests and by capture
// backends that deliver float buffers natively.
func FrameFromSamples(samples []float32, sampleRate, channels int) AudioFrame {
	data := make([]byte, len(samples)*2)
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		s := int16(v * 32767)
		binary.LittleEndian.PutUint16(data[i*2:i*2+2], uint16(s))
	}
	return AudioFrame{Data: data, SampleRate: sampleRate, Channels: channels}
}
