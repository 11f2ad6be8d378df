package v2x

import (
	"math"
	"time"
)

// filterWarmup is the number of initial samples passed through unfiltered
// while the filter history fills.
const filterWarmup = 2

// FilterState is the memory of one second-order path prediction filter.
//
// Each filter instance needs its own state, and a state must only be fed
// samples from a single motion source. The zero value is a fresh filter.
type FilterState struct {
	y1        float64 // y[n-1]
	y2        float64 // y[n-2]
	u1        float64 // u[n-1], used by the confidence filter only
	initCount int
}

// Warm reports whether the filter has seen enough samples to filter.
func (s *FilterState) Warm() bool {
	return s.initCount >= filterWarmup
}

// Reset returns the state to its zero value.
func (s *FilterState) Reset() {
	*s = FilterState{}
}

// RadiusFilterConfig holds the curvature low-pass filter parameters.
// Defaults are from J2945/1 (2020) A.6.5, Table A2.
type RadiusFilterConfig struct {
	// CutoffFrequency is f0 in Hz. Default: 0.33.
	CutoffFrequency float64

	// DampingFactor is zeta. Default: 1.0.
	DampingFactor float64

	// SamplingPeriod is Ts. Default: 100ms.
	SamplingPeriod time.Duration

	// MaxRadius is the radius in meters beyond which the path is treated as
	// straight. It bounds the filter output. Default: 2500.
	MaxRadius float64
}

// DefaultRadiusFilterConfig returns the J2945/1 curvature filter parameters.
func DefaultRadiusFilterConfig() RadiusFilterConfig {
	return RadiusFilterConfig{
		CutoffFrequency: 0.33,
		DampingFactor:   1.0,
		SamplingPeriod:  100 * time.Millisecond,
		MaxRadius:       2500,
	}
}

// ConfidenceFilterConfig holds the yaw-rate filter parameters used to
// derive path prediction confidence.
type ConfidenceFilterConfig struct {
	// CutoffFrequency is f0 in Hz. Default: 1.0.
	CutoffFrequency float64

	// DampingFactor is zeta. Default: 1.0.
	DampingFactor float64

	// SamplingPeriod is Ts. Default: 100ms.
	SamplingPeriod time.Duration
}

// DefaultConfidenceFilterConfig returns the J2945/1 confidence filter parameters.
func DefaultConfidenceFilterConfig() ConfidenceFilterConfig {
	return ConfidenceFilterConfig{
		CutoffFrequency: 1.0,
		DampingFactor:   1.0,
		SamplingPeriod:  100 * time.Millisecond,
	}
}

// RadiusFilter is a discrete second-order low-pass filter over curvature
// that yields a turning radius (J2945/1 Figures A17/A18).
type RadiusFilter struct {
	a            float64 // w0^2 * Ts^2
	b            float64 // 2 * w0 * zeta * Ts
	maxCurvature float64
}

// NewRadiusFilter precomputes filter coefficients. Non-positive parameters
// are replaced by defaults.
func NewRadiusFilter(config RadiusFilterConfig) RadiusFilter {
	def := DefaultRadiusFilterConfig()
	if config.CutoffFrequency <= 0 {
		config.CutoffFrequency = def.CutoffFrequency
	}
	if config.DampingFactor <= 0 {
		config.DampingFactor = def.DampingFactor
	}
	if config.SamplingPeriod <= 0 {
		config.SamplingPeriod = def.SamplingPeriod
	}
	if config.MaxRadius <= 0 {
		config.MaxRadius = def.MaxRadius
	}

	w0 := 2 * math.Pi * config.CutoffFrequency
	ts := config.SamplingPeriod.Seconds()
	return RadiusFilter{
		a:            w0 * w0 * ts * ts,
		b:            2 * w0 * config.DampingFactor * ts,
		maxCurvature: 1 / config.MaxRadius,
	}
}

// Apply filters one curvature sample (1/m, signed) and returns the filtered
// radius in meters. The sign gives the turn direction; the magnitude never
// exceeds the configured MaxRadius.
func (f RadiusFilter) Apply(curvature float64, state *FilterState) float64 {
	y := curvature
	if state.initCount < filterWarmup {
		state.initCount++
	} else {
		y = ((2+f.b)*state.y1 + f.a*curvature - state.y2) / (1 + f.b + f.a)
	}

	state.y2 = state.y1
	state.y1 = y

	// Clamp the magnitude, not the stored state, so 1/y stays finite.
	limited := math.Max(math.Abs(y), f.maxCurvature)
	if y < 0 {
		limited = -limited
	}
	return 1 / limited
}

// ConfidenceFilter is a discrete second-order filter over yaw rate whose
// output magnitude is mapped to a confidence percentage (J2945/1 Figures
// A19/A20).
type ConfidenceFilter struct {
	a float64 // w0^2 * Ts^2
	b float64 // 2 * w0 * zeta * Ts
	c float64 // w0^2 * Ts
}

// NewConfidenceFilter precomputes filter coefficients. Non-positive
// parameters are replaced by defaults.
func NewConfidenceFilter(config ConfidenceFilterConfig) ConfidenceFilter {
	def := DefaultConfidenceFilterConfig()
	if config.CutoffFrequency <= 0 {
		config.CutoffFrequency = def.CutoffFrequency
	}
	if config.DampingFactor <= 0 {
		config.DampingFactor = def.DampingFactor
	}
	if config.SamplingPeriod <= 0 {
		config.SamplingPeriod = def.SamplingPeriod
	}

	w0 := 2 * math.Pi * config.CutoffFrequency
	ts := config.SamplingPeriod.Seconds()
	return ConfidenceFilter{
		a: w0 * w0 * ts * ts,
		b: 2 * w0 * config.DampingFactor * ts,
		c: w0 * w0 * ts,
	}
}

// Apply filters one yaw-rate sample (deg/s) and returns the path prediction
// confidence in percent, 0..100.
func (f ConfidenceFilter) Apply(yawRate float64, state *FilterState) float64 {
	y := yawRate
	if state.initCount < filterWarmup {
		state.initCount++
	} else {
		y = ((2+f.b)*state.y1 + f.c*(yawRate-state.u1) - state.y2) / (f.a + f.b + 1)
	}

	state.u1 = yawRate
	state.y2 = state.y1
	state.y1 = y

	return ConfidenceLookup(math.Abs(y))
}

var (
	defaultRadiusFilter     = NewRadiusFilter(DefaultRadiusFilterConfig())
	defaultConfidenceFilter = NewConfidenceFilter(DefaultConfidenceFilterConfig())
)

// FilterRadius applies the default J2945/1 curvature filter.
func FilterRadius(curvature float64, state *FilterState) float64 {
	return defaultRadiusFilter.Apply(curvature, state)
}

// FilterConfidence applies the default J2945/1 confidence filter.
func FilterConfidence(yawRate float64, state *FilterState) float64 {
	return defaultConfidenceFilter.Apply(yawRate, state)
}
