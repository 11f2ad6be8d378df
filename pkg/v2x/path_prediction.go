package v2x

import (
	"math"
)

// Path prediction output encoding (J2735 DF_PathPrediction).
const (
	// RadiusOfCurvatureStraight marks a straight path in RadiusOfCurve.
	RadiusOfCurvatureStraight int32 = 32767

	// RadiusOfCurvatureUnit is the number of RadiusOfCurve LSBs per meter
	// (10 cm resolution).
	RadiusOfCurvatureUnit = 10.0

	// ConfidenceUnit is the number of Confidence LSBs per percent
	// (0.5 % resolution, 0..200).
	ConfidenceUnit = 2.0
)

// PathPrediction is the scaled path prediction ready to be embedded in an
// outbound broadcast.
type PathPrediction struct {
	// RadiusOfCurve is the signed turning radius in units of 10 cm, or
	// RadiusOfCurvatureStraight.
	RadiusOfCurve int32

	// Confidence is in units of 0.5 %, 0..200.
	Confidence uint8
}

// IsStraight reports whether the prediction encodes a straight path.
func (p PathPrediction) IsStraight() bool {
	return p.RadiusOfCurve == RadiusOfCurvatureStraight
}

// RadiusMeters returns the radius in meters, or +Inf for a straight path.
func (p PathPrediction) RadiusMeters() float64 {
	if p.IsStraight() {
		return math.Inf(1)
	}
	return float64(p.RadiusOfCurve) / RadiusOfCurvatureUnit
}

// ConfidencePercent returns the confidence in percent.
func (p PathPrediction) ConfidencePercent() float64 {
	return float64(p.Confidence) / ConfidenceUnit
}

// PathPredictionConfig configures path prediction.
type PathPredictionConfig struct {
	// Radius configures the curvature filter.
	Radius RadiusFilterConfig

	// Confidence configures the yaw-rate confidence filter.
	Confidence ConfidenceFilterConfig

	// MaxCurveRadius is the straight-path curvature assumption (1/MaxCurveRadius)
	// and the threshold, compared against the scaled radius, at which the
	// output is reported as straight. Default: 2500 (J2945/9 vruMaxCurveRadius).
	MaxCurveRadius float64

	// StationarySpeed is the speed in m/s below which curvature is derived
	// from yaw rate and speed. Default: 1 (J2945/9 vruStationarySpeedThresh).
	StationarySpeed float64
}

// DefaultPathPredictionConfig returns the J2945 parameters.
func DefaultPathPredictionConfig() PathPredictionConfig {
	return PathPredictionConfig{
		Radius:          DefaultRadiusFilterConfig(),
		Confidence:      DefaultConfidenceFilterConfig(),
		MaxCurveRadius:  2500,
		StationarySpeed: 1,
	}
}

// PathPredictor turns raw motion samples of one vehicle into path
// predictions. It owns one radius and one confidence filter state.
// PathPredictor is not safe for concurrent use.
type PathPredictor struct {
	config          PathPredictionConfig
	radius          RadiusFilter
	confidence      ConfidenceFilter
	radiusState     FilterState
	confidenceState FilterState
}

// NewPathPredictor creates a predictor. Non-positive limits are replaced by
// defaults.
func NewPathPredictor(config PathPredictionConfig) *PathPredictor {
	def := DefaultPathPredictionConfig()
	if config.MaxCurveRadius <= 0 {
		config.MaxCurveRadius = def.MaxCurveRadius
	}
	if config.StationarySpeed <= 0 {
		config.StationarySpeed = def.StationarySpeed
	}
	return &PathPredictor{
		config:     config,
		radius:     NewRadiusFilter(config.Radius),
		confidence: NewConfidenceFilter(config.Confidence),
	}
}

// Update processes one motion sample: speed in m/s and yaw rate in deg/s.
func (p *PathPredictor) Update(speed, yawRate float64) PathPrediction {
	return p.predict(speed, yawRate, &p.radiusState, &p.confidenceState)
}

// Reset clears both filter states.
func (p *PathPredictor) Reset() {
	p.radiusState.Reset()
	p.confidenceState.Reset()
}

// predict runs both filters against caller-supplied state.
func (p *PathPredictor) predict(speed, yawRate float64, radiusState, confidenceState *FilterState) PathPrediction {
	curvature := 1 / p.config.MaxCurveRadius

	// The J2945/9 reference derives curvature from yaw rate only below the
	// stationary threshold. Zero or negative speed keeps the straight-path
	// assumption instead of dividing by zero.
	if speed > 0 && speed < p.config.StationarySpeed {
		curvature = DegreesToRadians(yawRate) / speed
	}

	radius := p.radius.Apply(curvature, radiusState)
	confidence := p.confidence.Apply(yawRate, confidenceState)

	out := PathPrediction{
		RadiusOfCurve: RadiusOfCurvatureStraight,
		Confidence:    uint8(math.Round(confidence * ConfidenceUnit)),
	}
	if scaled := math.Round(radius * RadiusOfCurvatureUnit); math.Abs(scaled) < p.config.MaxCurveRadius {
		out.RadiusOfCurve = int32(scaled)
	}
	return out
}

var defaultPathPredictor = NewPathPredictor(DefaultPathPredictionConfig())

// ComputePathPrediction produces a path prediction from one motion sample
// using the default configuration. radiusState and confidenceState are the
// caller-owned filter memories of the vehicle being described; they must
// persist between calls and must not be shared with another vehicle.
func ComputePathPrediction(speed, yawRate float64, radiusState, confidenceState *FilterState) PathPrediction {
	return defaultPathPredictor.predict(speed, yawRate, radiusState, confidenceState)
}

// DegreesToRadians converts an angle or angular rate from degrees.
func DegreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
