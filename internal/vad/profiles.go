package vad

import (
	"math"
	"time"
)

const (
	environmentRate    = 0.01
	environmentRateMin = 0.001
	userRate           = 0.05

	// rateDecayAfter is the sample count beyond which the environment
	// adaptation rate starts decaying, freezing the profile over time.
	rateDecayAfter = 1000

	// userColdStart is the minimum number of voiced samples before the user
	// profile contributes a real similarity score.
	userColdStart = 10
)

// EnvironmentSnapshot is the serializable state of an EnvironmentProfile.
type EnvironmentSnapshot struct {
	AverageRMS     float64   `yaml:"average_rms"`
	AverageSNR     float64   `yaml:"average_snr"`
	Spectral       []float64 `yaml:"spectral"`
	AdaptationRate float64   `yaml:"adaptation_rate"`
	SampleCount    int       `yaml:"sample_count"`
}

// UserSnapshot is the serializable state of a UserProfile.
type UserSnapshot struct {
	VoiceEnergy float64   `yaml:"voice_energy"`
	Spectral    []float64 `yaml:"spectral"`
	SampleCount int       `yaml:"sample_count"`
}

// ProfileSnapshot bundles both profiles for persistence.
type ProfileSnapshot struct {
	Environment EnvironmentSnapshot `yaml:"environment"`
	User        UserSnapshot        `yaml:"user"`
	SavedAt     time.Time           `yaml:"saved_at"`
}

// Thresholds are the detection thresholds derived from the environment
// profile.
type Thresholds struct {
	RMS float64
	SNR float64

	// Confidence grows from 0 to 1 as the profile accumulates samples.
	Confidence float64
}

// EnvironmentProfile tracks ambient noise characteristics with an
// exponential moving average. Its adaptation rate decays once the profile
// has seen enough frames, so a settled room model stops chasing transients.
type EnvironmentProfile struct {
	averageRMS     float64
	averageSNR     float64
	spectral       []float64
	adaptationRate float64
	sampleCount    int
}

// NewEnvironmentProfile returns an empty profile for melBands spectral
// coefficients.
func NewEnvironmentProfile(melBands int) *EnvironmentProfile {
	return &EnvironmentProfile{
		spectral:       make([]float64, melBands),
		adaptationRate: environmentRate,
	}
}

// Update folds one frame's features into the profile. Non-finite values are
// skipped per field rather than poisoning the averages.
func (p *EnvironmentProfile) Update(f Features) {
	rate := p.adaptationRate
	p.averageRMS = ema(p.averageRMS, f.RMS, rate)
	p.averageSNR = ema(p.averageSNR, f.SNR, rate)
	if len(f.MelCoefficients) == len(p.spectral) {
		for i, c := range f.MelCoefficients {
			p.spectral[i] = ema(p.spectral[i], c, rate)
		}
	}
	p.sampleCount++

	if p.sampleCount > rateDecayAfter {
		p.adaptationRate = math.Max(environmentRateMin, p.adaptationRate*0.99)
	}
}

// Thresholds derives the current adaptive detection thresholds.
func (p *EnvironmentProfile) Thresholds() Thresholds {
	return Thresholds{
		RMS:        math.Max(0.01, p.averageRMS*2),
		SNR:        math.Max(-20, p.averageSNR-10),
		Confidence: math.Min(1.0, float64(p.sampleCount)/rateDecayAfter),
	}
}

// Snapshot returns a copy of the profile state.
func (p *EnvironmentProfile) Snapshot() EnvironmentSnapshot {
	return EnvironmentSnapshot{
		AverageRMS:     p.averageRMS,
		AverageSNR:     p.averageSNR,
		Spectral:       append([]float64(nil), p.spectral...),
		AdaptationRate: p.adaptationRate,
		SampleCount:    p.sampleCount,
	}
}

// Restore overwrites the profile state from a snapshot. A snapshot with a
// zero adaptation rate gets the default, so hand-edited files stay usable.
func (p *EnvironmentProfile) Restore(s EnvironmentSnapshot) {
	p.averageRMS = s.AverageRMS
	p.averageSNR = s.AverageSNR
	if len(s.Spectral) == len(p.spectral) {
		copy(p.spectral, s.Spectral)
	}
	p.adaptationRate = s.AdaptationRate
	if p.adaptationRate <= 0 {
		p.adaptationRate = environmentRate
	}
	p.sampleCount = s.SampleCount
}

// UserProfile tracks the speaker's voice characteristics. Unlike the
// environment profile it only learns from frames already judged voiced, at a
// slower fixed rate.
type UserProfile struct {
	voiceEnergy float64
	spectral    []float64
	sampleCount int
}

// NewUserProfile returns an empty profile for melBands spectral
// coefficients.
func NewUserProfile(melBands int) *UserProfile {
	return &UserProfile{spectral: make([]float64, melBands)}
}

// Update folds a voiced frame's features into the profile. Callers must only
// invoke it for frames classified as active.
func (p *UserProfile) Update(f Features) {
	p.voiceEnergy = ema(p.voiceEnergy, f.RMS, userRate)
	if len(f.MelCoefficients) == len(p.spectral) {
		for i, c := range f.MelCoefficients {
			p.spectral[i] = ema(p.spectral[i], c, userRate)
		}
	}
	p.sampleCount++
}

// Similarity scores how closely the frame matches the learned voice, in
// [0,1]. Returns the neutral 0.5 while the profile is cold.
func (p *UserProfile) Similarity(f Features) float64 {
	if p.sampleCount < userColdStart {
		return 0.5
	}

	var similarity float64
	comparisons := 0

	if f.RMS > 0 && p.voiceEnergy > 0 {
		similarity += math.Min(f.RMS, p.voiceEnergy) / math.Max(f.RMS, p.voiceEnergy)
		comparisons++
	}

	if len(f.MelCoefficients) == len(p.spectral) {
		var spectralSim float64
		valid := 0
		for i, c := range f.MelCoefficients {
			if math.IsNaN(c) || math.IsNaN(p.spectral[i]) {
				continue
			}
			spectralSim += math.Exp(-math.Abs(c - p.spectral[i]))
			valid++
		}
		if valid > 0 {
			similarity += spectralSim / float64(valid)
			comparisons++
		}
	}

	if comparisons == 0 {
		return 0.5
	}
	return similarity / float64(comparisons)
}

// Trained reports whether the profile has passed its cold-start phase.
func (p *UserProfile) Trained() bool {
	return p.sampleCount >= userColdStart
}

// Snapshot returns a copy of the profile state.
func (p *UserProfile) Snapshot() UserSnapshot {
	return UserSnapshot{
		VoiceEnergy: p.voiceEnergy,
		Spectral:    append([]float64(nil), p.spectral...),
		SampleCount: p.sampleCount,
	}
}

// Restore overwrites the profile state from a snapshot.
func (p *UserProfile) Restore(s UserSnapshot) {
	p.voiceEnergy = s.VoiceEnergy
	if len(s.Spectral) == len(p.spectral) {
		copy(p.spectral, s.Spectral)
	}
	p.sampleCount = s.SampleCount
}

// ema blends newValue into current at the given rate, ignoring NaN and
// infinite inputs.
func ema(current, newValue, rate float64) float64 {
	if math.IsNaN(newValue) || math.IsInf(newValue, 0) {
		return current
	}
	return current*(1-rate) + newValue*rate
}
