package config

import (
	"reflect"

	"github.com/MrWong99/voxmatch/pkg/pitch"
)

// ConfigDiff describes what changed between two configs. Conversion, pitch
// and denoise settings apply to the next submitted job; provider and jobs
// changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ConversionChanged bool
	PitchChanged      bool
	DenoiseChanged    bool

	// ProvidersChanged and JobsChanged are reported so the caller can warn;
	// they are not applied at runtime.
	ProvidersChanged bool
	JobsChanged      bool
}

// HotReloadable reports whether d contains at least one change that can be
// applied without restarting.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.ConversionChanged || d.PitchChanged || d.DenoiseChanged
}

// RequiresRestart reports whether d touches settings that are only read at
// startup.
func (d ConfigDiff) RequiresRestart() bool {
	return d.ProvidersChanged || d.JobsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Params resolves defaults and note names, so "C2" and 65.4 Hz compare
	// equal and an explicit default does not count as a change.
	oldP, newP := old.Params(), new.Params()
	d.ConversionChanged = oldP.LPCOrder != newP.LPCOrder ||
		oldP.FrameLength != newP.FrameLength ||
		oldP.HopLength != newP.HopLength ||
		oldP.Method != newP.Method ||
		oldP.PitchCorrection != newP.PitchCorrection ||
		oldP.Workers != newP.Workers ||
		old.Conversion.MaxConcurrent != new.Conversion.MaxConcurrent
	d.PitchChanged = orDefault(oldP.PitchMinHz, pitch.DefaultMinHz) != orDefault(newP.PitchMinHz, pitch.DefaultMinHz) ||
		orDefault(oldP.PitchMaxHz, pitch.DefaultMaxHz) != orDefault(newP.PitchMaxHz, pitch.DefaultMaxHz) ||
		orDefault(oldP.PitchThreshold, pitch.DefaultThreshold) != orDefault(newP.PitchThreshold, pitch.DefaultThreshold) ||
		oldP.ShiftFFTSize != newP.ShiftFFTSize
	d.DenoiseChanged = old.DenoiseOptions() != new.DenoiseOptions()

	d.ProvidersChanged = !reflect.DeepEqual(old.Providers, new.Providers)
	d.JobsChanged = old.Jobs != new.Jobs
	return d
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
