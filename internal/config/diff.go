package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (audio backend, service endpoints, breaker thresholds) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged covers the detector tuning: weights, threshold and the
	// adaptation switch. Profile path changes are not hot-reloadable.
	VADChanged bool
	NewVAD     VADConfig
}

// Empty reports whether the diff carries no applicable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VADChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if vadTuningChanged(old.VAD, new.VAD) {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	return d
}

func vadTuningChanged(old, new VADConfig) bool {
	return old.EnergyWeight != new.EnergyWeight ||
		old.SpectralWeight != new.SpectralWeight ||
		old.TemporalWeight != new.TemporalWeight ||
		old.SpeakerWeight != new.SpeakerWeight ||
		old.Threshold != new.Threshold ||
		old.AdaptationEnabled() != new.AdaptationEnabled()
}
