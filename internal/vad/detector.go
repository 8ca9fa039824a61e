// Package vad implements adaptive voice activity detection.
//
// Detection is an ensemble of four scorers — energy (RMS/SNR against
// adaptive thresholds), spectral shape, temporal flux, and speaker
// similarity — blended with configurable weights. Two profiles adapt online:
// an environment profile that continuously learns the room's noise
// characteristics, and a user profile that learns the speaker's voice from
// frames already judged active. Profiles can be exported, persisted and
// restored across sessions.
package vad

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Method names used in Result breakdowns and reasoning.
const (
	MethodEnergy   = "energy"
	MethodSpectral = "spectral"
	MethodTemporal = "temporal"
	MethodSpeaker  = "speaker"
)

// Config configures a Detector. Use DefaultConfig as the starting point.
type Config struct {
	// Ensemble weights. They do not need to sum to 1; scores are normalized
	// by the total weight.
	EnergyWeight   float64 `yaml:"energy_weight"`
	SpectralWeight float64 `yaml:"spectral_weight"`
	TemporalWeight float64 `yaml:"temporal_weight"`
	SpeakerWeight  float64 `yaml:"speaker_weight"`

	// Threshold is the ensemble confidence above which a frame counts as
	// voiced.
	Threshold float64 `yaml:"threshold"`

	// AdaptationEnabled controls whether the environment and user profiles
	// learn from incoming frames.
	AdaptationEnabled bool `yaml:"adaptation_enabled"`

	Extractor ExtractorConfig `yaml:"-"`
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		EnergyWeight:      0.4,
		SpectralWeight:    0.3,
		TemporalWeight:    0.2,
		SpeakerWeight:     0.1,
		Threshold:         0.7,
		AdaptationEnabled: true,
		Extractor:         DefaultExtractorConfig(),
	}
}

// Breakdown holds the per-method ensemble scores.
type Breakdown struct {
	Energy   float64
	Spectral float64
	Temporal float64
	Speaker  float64
}

// Reasoning explains a detection decision.
type Reasoning struct {
	Decision       string
	DominantMethod string
	DominantScore  float64
}

// Result is the outcome of one Detect call.
type Result struct {
	Active     bool
	Confidence float64
	Features   Features
	Breakdown  Breakdown
	Reasoning  Reasoning
}

// HistoryEntry is one retained detection outcome.
type HistoryEntry struct {
	Active     bool
	Confidence float64
	RMS        float64
	Timestamp  time.Time
}

const (
	detectionHistoryCap  = 100
	detectionHistoryTrim = 50
)

// Detector is the adaptive voice activity detector. Safe for concurrent
// use; Detect calls are serialized internally since the extractor and
// profiles carry per-stream state.
type Detector struct {
	mu        sync.Mutex
	cfg       Config
	extractor *FeatureExtractor
	env       *EnvironmentProfile
	user      *UserProfile
	history   []HistoryEntry
}

// New creates a Detector.
func New(cfg Config) (*Detector, error) {
	extractor, err := NewFeatureExtractor(cfg.Extractor)
	if err != nil {
		return nil, err
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("vad: threshold %v out of range (0,1]", cfg.Threshold)
	}
	return &Detector{
		cfg:       cfg,
		extractor: extractor,
		env:       NewEnvironmentProfile(cfg.Extractor.MelBands),
		user:      NewUserProfile(cfg.Extractor.MelBands),
	}, nil
}

// Detect classifies one frame of normalized samples. It never panics: any
// internal failure yields the inactive zero-confidence result so a bad frame
// cannot take the capture pipeline down.
func (d *Detector) Detect(frame []float32) (result Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("voice detection failed", "panic", r)
			result = d.fallbackResultLocked()
		}
	}()

	features := d.extractor.Extract(frame)

	if d.cfg.AdaptationEnabled {
		d.env.Update(features)
	}

	breakdown := Breakdown{
		Energy:   d.energyScore(features),
		Spectral: spectralScore(features),
		Temporal: temporalScore(features),
		Speaker:  d.user.Similarity(features),
	}

	confidence := d.ensembleConfidence(breakdown)
	active := confidence > d.cfg.Threshold

	if active && d.cfg.AdaptationEnabled {
		d.user.Update(features)
	}

	d.appendHistoryLocked(HistoryEntry{
		Active:     active,
		Confidence: confidence,
		RMS:        features.RMS,
		Timestamp:  time.Now(),
	})

	result = Result{
		Active:     active,
		Confidence: confidence,
		Features:   features,
		Breakdown:  breakdown,
		Reasoning:  reasoning(breakdown, active),
	}

	slog.Debug("vad frame classified",
		"active", active,
		"confidence", math.Round(confidence*100)/100,
		"rms", features.RMS,
	)
	return result
}

// energyScore compares RMS and SNR against the environment-adaptive
// thresholds. RMS carries more weight than SNR.
func (d *Detector) energyScore(f Features) float64 {
	t := d.env.Thresholds()
	var score float64
	if f.RMS > t.RMS {
		score += 0.6
	}
	if f.SNR > t.SNR {
		score += 0.4
	}
	return math.Min(1.0, score)
}

// spectralScore rewards the spectral shape typical of speech: an elevated
// centroid, a moderate zero-crossing rate, and mid-range rolloff.
func spectralScore(f Features) float64 {
	var score float64
	if f.SpectralCentroid > 0.3 {
		score += 0.4
	}
	if f.ZeroCrossingRate > 0.05 && f.ZeroCrossingRate < 0.3 {
		score += 0.3
	}
	if f.SpectralRolloff > 0.2 && f.SpectralRolloff < 0.8 {
		score += 0.3
	}
	return math.Min(1.0, score)
}

// temporalScore rates the spectral flux: speech changes steadily, neither
// static like a hum nor erratic like impulsive noise. Without a previous
// frame to compare against the score is neutral.
func temporalScore(f Features) float64 {
	if !f.FluxValid {
		return 0.5
	}
	switch {
	case f.SpectralFlux > 0.1 && f.SpectralFlux < 1.0:
		return 0.8
	case f.SpectralFlux > 0.05:
		return 0.6
	default:
		return 0.2
	}
}

func (d *Detector) ensembleConfidence(b Breakdown) float64 {
	weighted := b.Energy*d.cfg.EnergyWeight +
		b.Spectral*d.cfg.SpectralWeight +
		b.Temporal*d.cfg.TemporalWeight +
		b.Speaker*d.cfg.SpeakerWeight
	total := d.cfg.EnergyWeight + d.cfg.SpectralWeight +
		d.cfg.TemporalWeight + d.cfg.SpeakerWeight
	if total <= 0 {
		return 0
	}
	return weighted / total
}

func reasoning(b Breakdown, active bool) Reasoning {
	r := Reasoning{Decision: "no_voice"}
	if active {
		r.Decision = "voice_detected"
	}

	r.DominantMethod, r.DominantScore = MethodEnergy, b.Energy
	for _, c := range []struct {
		method string
		score  float64
	}{
		{MethodSpectral, b.Spectral},
		{MethodTemporal, b.Temporal},
		{MethodSpeaker, b.Speaker},
	} {
		if c.score > r.DominantScore {
			r.DominantMethod, r.DominantScore = c.method, c.score
		}
	}
	return r
}

func (d *Detector) fallbackResultLocked() Result {
	return Result{
		Features:  d.extractor.DefaultFeatures(),
		Reasoning: Reasoning{Decision: "error_fallback", DominantMethod: "none"},
	}
}

func (d *Detector) appendHistoryLocked(e HistoryEntry) {
	d.history = append(d.history, e)
	if len(d.history) > detectionHistoryCap {
		d.history = append(d.history[:0:0], d.history[len(d.history)-detectionHistoryTrim:]...)
	}
}

// Retune updates the ensemble weights, threshold and adaptation switch
// without discarding the learned profiles or the extractor state. The
// extractor configuration is fixed at construction and ignored here.
func (d *Detector) Retune(cfg Config) error {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return fmt.Errorf("vad: threshold %v out of range (0,1]", cfg.Threshold)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.EnergyWeight = cfg.EnergyWeight
	d.cfg.SpectralWeight = cfg.SpectralWeight
	d.cfg.TemporalWeight = cfg.TemporalWeight
	d.cfg.SpeakerWeight = cfg.SpeakerWeight
	d.cfg.Threshold = cfg.Threshold
	d.cfg.AdaptationEnabled = cfg.AdaptationEnabled
	slog.Info("vad detector retuned", "threshold", cfg.Threshold)
	return nil
}

// History returns a copy of the retained detection history, oldest first.
func (d *Detector) History() []HistoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]HistoryEntry(nil), d.history...)
}

// Thresholds returns the current environment-adaptive thresholds.
func (d *Detector) Thresholds() Thresholds {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.env.Thresholds()
}

// ExportProfiles snapshots both adaptation profiles for persistence.
func (d *Detector) ExportProfiles() ProfileSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ProfileSnapshot{
		Environment: d.env.Snapshot(),
		User:        d.user.Snapshot(),
		SavedAt:     time.Now(),
	}
}

// ImportProfiles restores both adaptation profiles from a snapshot.
func (d *Detector) ImportProfiles(s ProfileSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.env.Restore(s.Environment)
	d.user.Restore(s.User)
	slog.Info("vad profiles imported",
		"environment_samples", s.Environment.SampleCount,
		"user_samples", s.User.SampleCount,
	)
}

// Reset discards all adaptation state and the detection history.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	melBands := d.cfg.Extractor.MelBands
	d.env = NewEnvironmentProfile(melBands)
	d.user = NewUserProfile(melBands)
	d.history = nil
	d.extractor.Reset()
	slog.Info("vad adaptation profiles reset")
}
