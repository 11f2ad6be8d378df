package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thesyncim/v2x/pkg/v2x"
	"github.com/thesyncim/v2x/pkg/v2x/testutil"
)

// Scenario describes one simulated transmitter and the host vehicle
// receiving it.
//
// Example file:
//
//	duration: 1h
//	rate_hz: 10
//	simulated: true
//	loss:
//	  probability: 0.2
//	  burst_period: 50
//	  burst_length: 5
//	duplicate_every: 7
//	motion:
//	  speed_mps: 0.5
//	  peak_yaw_rate_dps: 5
//	  period: 20s
type Scenario struct {
	Duration       time.Duration `yaml:"duration"`
	RateHz         float64       `yaml:"rate_hz"`
	StartMsgCount  int           `yaml:"start_msg_count"`
	DuplicateEvery int           `yaml:"duplicate_every"`
	Seed           uint64        `yaml:"seed"`

	// Simulated runs on a manual clock as fast as the CPU allows instead of
	// waiting on a wall-clock ticker.
	Simulated      bool          `yaml:"simulated"`
	StatusInterval time.Duration `yaml:"status_interval"`

	Loss   LossConfig   `yaml:"loss"`
	Motion MotionConfig `yaml:"motion"`
}

// LossConfig combines independent random loss with periodic bursts.
type LossConfig struct {
	Probability float64 `yaml:"probability"`
	BurstPeriod int     `yaml:"burst_period"`
	BurstLength int     `yaml:"burst_length"`
}

// MotionConfig is a swerve: the yaw rate follows a sine of the given period.
type MotionConfig struct {
	SpeedMps       float64       `yaml:"speed_mps"`
	PeakYawRateDps float64       `yaml:"peak_yaw_rate_dps"`
	Period         time.Duration `yaml:"period"`
}

// DefaultScenario returns a 24 hour, 10 Hz broadcast with no loss and a
// vehicle slowly swerving at walking speed.
func DefaultScenario() Scenario {
	return Scenario{
		Duration:       24 * time.Hour,
		RateHz:         10,
		Seed:           1,
		StatusInterval: 5 * time.Minute,
		Motion: MotionConfig{
			SpeedMps:       0.5,
			PeakYawRateDps: 5,
			Period:         20 * time.Second,
		},
	}
}

// LoadScenario reads a YAML scenario. Fields missing from the file keep
// their DefaultScenario values.
func LoadScenario(path string) (Scenario, error) {
	sc := DefaultScenario()

	data, err := os.ReadFile(path)
	if err != nil {
		return sc, fmt.Errorf("read scenario: %w", err)
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return sc, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// Validate reports the first invalid field.
func (s Scenario) Validate() error {
	switch {
	case s.Duration <= 0:
		return errors.New("duration must be positive")
	case s.RateHz <= 0:
		return errors.New("rate_hz must be positive")
	case s.StartMsgCount < 0 || s.StartMsgCount > int(v2x.MaxMsgCount):
		return fmt.Errorf("start_msg_count must be in [0, %d]", v2x.MaxMsgCount)
	case s.Loss.Probability < 0 || s.Loss.Probability >= 1:
		return errors.New("loss.probability must be in [0, 1)")
	case s.Loss.BurstLength < 0 || s.Loss.BurstPeriod < 0:
		return errors.New("loss burst settings must not be negative")
	case s.Loss.BurstPeriod > 0 && s.Loss.BurstLength >= s.Loss.BurstPeriod:
		return errors.New("loss.burst_length must be shorter than loss.burst_period")
	case s.DuplicateEvery < 0:
		return errors.New("duplicate_every must not be negative")
	case s.StatusInterval <= 0:
		return errors.New("status_interval must be positive")
	}
	return nil
}

// Interval is the time between two transmissions.
func (s Scenario) Interval() time.Duration {
	return time.Duration(float64(time.Second) / s.RateHz)
}

// LossPattern builds the combined loss pattern. The random component is
// seeded so runs are reproducible.
func (s Scenario) LossPattern() testutil.LossPattern {
	random := testutil.NoLoss
	if s.Loss.Probability > 0 {
		random = testutil.RandomLoss(s.Loss.Probability, s.Seed)
	}
	burst := testutil.NoLoss
	if s.Loss.BurstPeriod > 0 && s.Loss.BurstLength > 0 {
		burst = testutil.BurstLoss(s.Loss.BurstPeriod, s.Loss.BurstLength)
	}
	return func(i int) bool {
		// Evaluate both so the random stream does not depend on bursts.
		r := random(i)
		return burst(i) || r
	}
}

// YawRate returns the host vehicle yaw rate in deg/s at elapsed.
func (s Scenario) YawRate(elapsed time.Duration) float64 {
	if s.Motion.Period <= 0 {
		return s.Motion.PeakYawRateDps
	}
	phase := 2 * math.Pi * float64(elapsed) / float64(s.Motion.Period)
	return s.Motion.PeakYawRateDps * math.Sin(phase)
}
