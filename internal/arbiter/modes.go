package arbiter

import (
	"fmt"

	"github.com/atlasvoice/voicert/pkg/audio"
)

// Mode is an operating mode of the audio subsystem. Exactly one mode is
// active at a time; the Manager arbitrates transitions between them.
type Mode int

const (
	// ModeIdle holds no capture resource.
	ModeIdle Mode = iota

	// ModeKeywordDetection is passive background listening for the wake
	// phrase.
	ModeKeywordDetection

	// ModePostChatAnalysis listens for follow-up speech after a response.
	ModePostChatAnalysis

	// ModeManualRecording is explicit user-initiated recording.
	ModeManualRecording

	// ModeTTSPlayback blocks capture entirely while the assistant speaks,
	// so the microphone cannot pick up its own output.
	ModeTTSPlayback

	modeCount
)

var modeNames = [modeCount]string{
	ModeIdle:             "idle",
	ModeKeywordDetection: "keyword_detection",
	ModePostChatAnalysis: "post_chat_analysis",
	ModeManualRecording:  "manual_recording",
	ModeTTSPlayback:      "tts_playback",
}

// modePriority encodes the product policy: playback always wins (4),
// user-initiated recording (3) outranks the passive listening modes (2, 1),
// and idle (0) is the floor.
var modePriority = [modeCount]int{
	ModeIdle:             0,
	ModeKeywordDetection: 1,
	ModePostChatAnalysis: 2,
	ModeManualRecording:  3,
	ModeTTSPlayback:      4,
}

// allowedTransitions is the exhaustive from→to transition table. Anything
// not marked true here is structurally rejected regardless of priority.
// Self-transitions are allowed so an equal-priority requester can take over
// the current mode (last writer wins) and a holder can reconfigure in place.
var allowedTransitions = [modeCount][modeCount]bool{
	ModeIdle: {
		ModeIdle:             true,
		ModeKeywordDetection: true,
		ModePostChatAnalysis: true,
		ModeManualRecording:  true,
		ModeTTSPlayback:      true,
	},
	ModeKeywordDetection: {
		ModeIdle:             true,
		ModeKeywordDetection: true,
		ModeManualRecording:  true,
		ModeTTSPlayback:      true,
	},
	ModePostChatAnalysis: {
		ModeIdle:             true,
		ModeKeywordDetection: true,
		ModePostChatAnalysis: true,
		ModeManualRecording:  true,
		ModeTTSPlayback:      true,
	},
	ModeManualRecording: {
		ModeIdle:             true,
		ModePostChatAnalysis: true,
		ModeManualRecording:  true,
		ModeTTSPlayback:      true,
	},
	ModeTTSPlayback: {
		ModeIdle:             true,
		ModeKeywordDetection: true,
		ModePostChatAnalysis: true,
		ModeTTSPlayback:      true,
	},
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	return m >= ModeIdle && m < modeCount
}

// Priority returns the mode's preemption priority; higher preempts lower.
func (m Mode) Priority() int {
	if !m.Valid() {
		return 0
	}
	return modePriority[m]
}

// HoldsCapture reports whether the mode keeps the capture device open.
// Idle and playback release it.
func (m Mode) HoldsCapture() bool {
	return m != ModeIdle && m != ModeTTSPlayback
}

// String returns the mode's wire name.
func (m Mode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode converts a wire name back into a Mode.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return Mode(m), nil
		}
	}
	return ModeIdle, fmt.Errorf("arbiter: unknown mode %q", s)
}

// constraintsFor derives the capture constraints for a mode from the base
// set. Modes that hold no capture return nil.
func constraintsFor(m Mode, base audio.CaptureConstraints) *audio.CaptureConstraints {
	if !m.HoldsCapture() {
		return nil
	}
	c := base
	switch m {
	case ModeManualRecording:
		// Recordings feed transcription; echo from concurrent playback
		// ruins them.
		c.EchoCancellation = true
	case ModePostChatAnalysis:
		// Analysis wants the raw signal, suppression distorts the features.
		c.NoiseSuppression = false
	}
	return &c
}
