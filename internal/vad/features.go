package vad

import (
	"fmt"
	"math"
)

// ExtractorConfig configures the feature extractor.
type ExtractorConfig struct {
	// SampleRate of the incoming frames in Hz.
	SampleRate int

	// FFTSize is the analysis window; must be a power of two. Frames shorter
	// than FFTSize are zero-padded, longer frames are truncated.
	FFTSize int

	// MelBands is the number of mel-log coefficients produced per frame.
	MelBands int
}

// DefaultExtractorConfig returns the extractor defaults.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		SampleRate: 44100,
		FFTSize:    2048,
		MelBands:   13,
	}
}

// Features holds the per-frame measurements the detector scores on.
type Features struct {
	// RMS is the root-mean-square energy of the frame.
	RMS float64

	// SNR is the signal-to-noise ratio in dB against a fixed noise floor.
	// Negative infinity for a silent frame.
	SNR float64

	// ZeroCrossingRate is the fraction of adjacent sample pairs that change
	// sign.
	ZeroCrossingRate float64

	// SpectralCentroid is the magnitude-weighted mean frequency bin,
	// normalized to [0,1] over the spectrum.
	SpectralCentroid float64

	// SpectralRolloff is the normalized bin below which 85% of the spectral
	// energy lies.
	SpectralRolloff float64

	// SpectralFlux is the mean positive magnitude change since the previous
	// frame. Only meaningful when FluxValid is set; the first frame after a
	// reset has no predecessor.
	SpectralFlux float64
	FluxValid    bool

	// MelCoefficients are MelBands log-energies over a triangular mel filter
	// bank, a lightweight stand-in for full MFCCs.
	MelCoefficients []float64
}

// noiseFloor is the fixed reference amplitude for the SNR estimate.
const noiseFloor = 0.01

// FeatureExtractor computes Features from raw sample frames. It keeps the
// previous frame's spectrum for the flux measurement, so one extractor must
// not be shared across independent audio streams.
//
// FeatureExtractor is not safe for concurrent use; Detector serializes
// access.
type FeatureExtractor struct {
	cfg          ExtractorConfig
	melBank      [][]float64
	prevSpectrum []float64
}

// NewFeatureExtractor creates an extractor, precomputing the mel filter
// bank. FFTSize must be a positive power of two.
func NewFeatureExtractor(cfg ExtractorConfig) (*FeatureExtractor, error) {
	if cfg.FFTSize <= 0 || cfg.FFTSize&(cfg.FFTSize-1) != 0 {
		return nil, fmt.Errorf("vad: fft size %d is not a power of two", cfg.FFTSize)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vad: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.MelBands <= 0 {
		return nil, fmt.Errorf("vad: invalid mel band count %d", cfg.MelBands)
	}
	e := &FeatureExtractor{cfg: cfg}
	e.melBank = melFilterBank(cfg.FFTSize/2, cfg.MelBands, cfg.SampleRate)
	return e, nil
}

// Extract computes the feature set for one frame of normalized samples.
func (e *FeatureExtractor) Extract(frame []float32) Features {
	f := Features{
		RMS:              rms(frame),
		ZeroCrossingRate: zeroCrossingRate(frame),
	}
	f.SNR = snr(f.RMS)

	spectrum := e.magnitudeSpectrum(frame)
	f.SpectralCentroid = spectralCentroid(spectrum)
	f.SpectralRolloff = spectralRolloff(spectrum, 0.85)
	if e.prevSpectrum != nil {
		f.SpectralFlux = spectralFlux(spectrum, e.prevSpectrum)
		f.FluxValid = true
	}
	e.prevSpectrum = spectrum

	f.MelCoefficients = e.melLogEnergies(spectrum)
	return f
}

// Reset drops the retained previous spectrum.
func (e *FeatureExtractor) Reset() {
	e.prevSpectrum = nil
}

// DefaultFeatures is the neutral feature set reported when extraction is not
// possible.
func (e *FeatureExtractor) DefaultFeatures() Features {
	return Features{
		SNR:             math.Inf(-1),
		MelCoefficients: make([]float64, e.cfg.MelBands),
	}
}

func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

func zeroCrossingRate(frame []float32) float64 {
	if len(frame) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(frame); i++ {
		if (frame[i] >= 0) != (frame[i-1] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(frame)-1)
}

func snr(rms float64) float64 {
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/noiseFloor)
}

// magnitudeSpectrum windows the frame to FFTSize and returns the normalized
// magnitudes of the first FFTSize/2 bins.
func (e *FeatureExtractor) magnitudeSpectrum(frame []float32) []float64 {
	n := e.cfg.FFTSize
	re := make([]float64, n)
	im := make([]float64, n)
	for i := 0; i < n && i < len(frame); i++ {
		// Hann window to limit spectral leakage.
		w := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
		re[i] = float64(frame[i]) * w
	}

	fft(re, im)

	spectrum := make([]float64, n/2)
	for i := range spectrum {
		spectrum[i] = math.Hypot(re[i], im[i]) / float64(n)
	}
	return spectrum
}

// fft computes the in-place radix-2 Cooley-Tukey transform. len(re) must be
// a power of two and equal len(im).
func fft(re, im []float64) {
	n := len(re)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		wr, wi := math.Cos(ang), math.Sin(ang)
		for start := 0; start < n; start += length {
			cr, ci := 1.0, 0.0
			half := length / 2
			for k := start; k < start+half; k++ {
				m := k + half
				tr := re[m]*cr - im[m]*ci
				ti := re[m]*ci + im[m]*cr
				re[m], im[m] = re[k]-tr, im[k]-ti
				re[k], im[k] = re[k]+tr, im[k]+ti
				cr, ci = cr*wr-ci*wi, cr*wi+ci*wr
			}
		}
	}
}

func spectralCentroid(spectrum []float64) float64 {
	if len(spectrum) == 0 {
		return 0
	}
	var weighted, total float64
	for i, mag := range spectrum {
		weighted += float64(i) * mag
		total += mag
	}
	if total == 0 {
		return 0
	}
	return weighted / total / float64(len(spectrum))
}

func spectralRolloff(spectrum []float64, threshold float64) float64 {
	var total float64
	for _, mag := range spectrum {
		total += mag
	}
	if total == 0 {
		return 0
	}
	target := total * threshold
	var cumulative float64
	for i, mag := range spectrum {
		cumulative += mag
		if cumulative >= target {
			return float64(i) / float64(len(spectrum))
		}
	}
	return 1.0
}

// spectralFlux is the mean positive magnitude difference between consecutive
// spectra. Negative differences (fading partials) are ignored.
func spectralFlux(spectrum, prev []float64) float64 {
	n := len(spectrum)
	if len(prev) < n {
		n = len(prev)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		if d := spectrum[i] - prev[i]; d > 0 {
			sum += d
		}
	}
	return sum / float64(n)
}

// melLogEnergies folds the spectrum through the triangular mel bank and
// returns per-band log energies, floored to avoid log(0).
func (e *FeatureExtractor) melLogEnergies(spectrum []float64) []float64 {
	coeffs := make([]float64, e.cfg.MelBands)
	for b, filter := range e.melBank {
		var energy float64
		for i, mag := range spectrum {
			energy += mag * filter[i]
		}
		coeffs[b] = math.Log(math.Max(energy, 1e-10))
	}
	return coeffs
}

func melFilterBank(spectrumLen, numBands, sampleRate int) [][]float64 {
	bank := make([][]float64, numBands)
	melMax := hzToMel(float64(sampleRate) / 2)
	melStep := melMax / float64(numBands+1)

	for b := 0; b < numBands; b++ {
		filter := make([]float64, spectrumLen)
		leftHz := melToHz(float64(b) * melStep)
		centerHz := melToHz(float64(b+1) * melStep)
		rightHz := melToHz(float64(b+2) * melStep)

		for i := 0; i < spectrumLen; i++ {
			freq := float64(i) * float64(sampleRate) / float64(2*spectrumLen)
			switch {
			case freq >= leftHz && freq <= centerHz:
				filter[i] = (freq - leftHz) / (centerHz - leftHz)
			case freq > centerHz && freq <= rightHz:
				filter[i] = (rightHz - freq) / (rightHz - centerHz)
			}
		}
		bank[b] = filter
	}
	return bank
}

func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}
