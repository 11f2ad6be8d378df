package v2x

import "time"

// MessageRateStatsConfig configures the sliding-window message rate meter.
type MessageRateStatsConfig struct {
	// WindowSize is the span over which the rate is averaged.
	// Default: 5 seconds, the length of a full PER window.
	WindowSize time.Duration

	// SafeRate is the rate, in messages per second, above which
	// ExceedsRolloverSafeRate reports true. Default: RolloverSafeRate.
	SafeRate float64
}

// DefaultMessageRateStatsConfig returns a window matching the default PER
// window.
func DefaultMessageRateStatsConfig() MessageRateStatsConfig {
	return MessageRateStatsConfigFor(DefaultSubInterval)
}

// MessageRateStatsConfigFor returns a window and safe rate matching a PER
// window of SubIntervalCount slots of subInterval each.
func MessageRateStatsConfigFor(subInterval time.Duration) MessageRateStatsConfig {
	if subInterval <= 0 {
		subInterval = DefaultSubInterval
	}
	return MessageRateStatsConfig{
		WindowSize: SubIntervalCount * subInterval,
		SafeRate:   RolloverSafeRateFor(subInterval),
	}
}

// MessageRateStats measures how many broadcasts per second arrive from one
// transmitter over a sliding time window. It is used to check the rate
// precondition of the PER estimate (see RolloverSafeRate).
type MessageRateStats struct {
	windowSize time.Duration
	safeRate   float64
	arrivals   []time.Time
}

// NewMessageRateStats creates a rate meter with the given configuration.
func NewMessageRateStats(config MessageRateStatsConfig) *MessageRateStats {
	windowSize := config.WindowSize
	if windowSize <= 0 {
		windowSize = SubIntervalCount * DefaultSubInterval
	}
	safeRate := config.SafeRate
	if safeRate <= 0 {
		safeRate = RolloverSafeRate
	}
	return &MessageRateStats{
		windowSize: windowSize,
		safeRate:   safeRate,
		arrivals:   make([]time.Time, 0, 64), // ~10 Hz over 5 s
	}
}

// Update records one message arriving at now.
func (r *MessageRateStats) Update(now time.Time) {
	r.removeExpired(now)
	r.arrivals = append(r.arrivals, now)
}

// Rate returns the message rate in messages per second.
// ok is false when fewer than two messages are in the window or they span
// less than a millisecond.
func (r *MessageRateStats) Rate(now time.Time) (hz float64, ok bool) {
	r.removeExpired(now)

	if len(r.arrivals) < 2 {
		return 0, false
	}
	elapsed := r.arrivals[len(r.arrivals)-1].Sub(r.arrivals[0])
	if elapsed < time.Millisecond {
		return 0, false
	}

	// n arrivals delimit n-1 inter-arrival gaps.
	return float64(len(r.arrivals)-1) / elapsed.Seconds(), true
}

// Count returns the number of messages currently inside the window.
func (r *MessageRateStats) Count(now time.Time) int {
	r.removeExpired(now)
	return len(r.arrivals)
}

// ExceedsRolloverSafeRate reports whether the measured rate is high enough
// for the 7-bit counter to wrap more than once inside a PER window.
func (r *MessageRateStats) ExceedsRolloverSafeRate(now time.Time) bool {
	hz, ok := r.Rate(now)
	return ok && hz > r.safeRate
}

// SafeRate returns the configured rollover-safe rate in messages per second.
func (r *MessageRateStats) SafeRate() float64 {
	return r.safeRate
}

// Reset drops all recorded arrivals.
func (r *MessageRateStats) Reset() {
	r.arrivals = r.arrivals[:0]
}

// removeExpired drops arrivals older than windowSize before now.
func (r *MessageRateStats) removeExpired(now time.Time) {
	cutoff := now.Add(-r.windowSize)

	expired := 0
	for _, at := range r.arrivals {
		if !at.Before(cutoff) {
			break
		}
		expired++
	}
	if expired > 0 {
		r.arrivals = append(r.arrivals[:0], r.arrivals[expired:]...)
	}
}
