package v2x

import (
	"time"

	"github.com/thesyncim/v2x/pkg/v2x/internal"
)

// PERCallback is invoked each time a sub-interval completes, with the PER
// computed over the window just before it rotated.
type PERCallback func(per PER, window [SubIntervalCount]SubInterval)

// PERTrackerConfig configures a PERTracker.
type PERTrackerConfig struct {
	// SubInterval is the duration of one window slot.
	// Default: 1 second (J2945/1 vPERSubInterval).
	SubInterval time.Duration
}

// DefaultPERTrackerConfig returns the J2945/1 configuration.
func DefaultPERTrackerConfig() PERTrackerConfig {
	return PERTrackerConfig{
		SubInterval: DefaultSubInterval,
	}
}

// PERTracker estimates the Packet Error Ratio of one remote transmitter.
//
// Feed it every message received from that transmitter via Record (or
// Observe). Each time a sub-interval completes, the PER over the full window
// is recomputed and becomes the tracker's current PER.
//
// Usage:
//
//	t := NewPERTracker(DefaultPERTrackerConfig(), nil)
//	t.Record(msg.MsgCount, time.Now())
//	if per := t.PER(); per.Available() {
//	    fmt.Printf("channel PER: %s\n", per)
//	}
//
// Preconditions: timestamps must not go backwards, and the transmitter must
// stay below RolloverSafeRate. PERTracker is not safe for concurrent use;
// callers observing one transmitter from several goroutines must serialize.
type PERTracker struct {
	config   PERTrackerConfig
	clock    internal.Clock
	window   PERWindow
	current  PER
	samples  uint64
	callback PERCallback
}

// NewPERTracker creates a tracker. If clock is nil, the system clock is used
// by Observe.
func NewPERTracker(config PERTrackerConfig, clock internal.Clock) *PERTracker {
	if config.SubInterval <= 0 {
		config.SubInterval = DefaultSubInterval
	}
	if clock == nil {
		clock = internal.SystemClock{}
	}
	return &PERTracker{
		config:  config,
		clock:   clock,
		current: PERUnavailable,
	}
}

// SetCallback registers a function called on every sub-interval rotation.
// Pass nil to disable.
func (t *PERTracker) SetCallback(cb PERCallback) {
	t.callback = cb
}

// Record accounts a message with counter seq received at now and returns
// the tracker's current PER. rotated reports whether this sample closed a
// sub-interval, in which case the returned PER is freshly computed.
func (t *PERTracker) Record(seq MsgCount, now time.Time) (per PER, rotated bool) {
	t.samples++

	var snapshot [SubIntervalCount]SubInterval
	if t.callback != nil {
		snapshot = t.window.Slots()
	}

	per, rotated = t.window.Record(seq, now, t.config.SubInterval)
	if !rotated {
		return t.current, false
	}

	t.current = per
	if t.callback != nil {
		t.callback(per, snapshot)
	}
	return per, true
}

// Observe is Record using the tracker's clock.
func (t *PERTracker) Observe(seq MsgCount) (PER, bool) {
	return t.Record(seq, t.clock.Now())
}

// PER returns the value computed at the most recent rotation, or
// PERUnavailable if no sub-interval has completed yet.
func (t *PERTracker) PER() PER {
	return t.current
}

// Calculate computes the PER over the window as it stands now, without
// waiting for the next rotation and without changing the tracker state.
func (t *PERTracker) Calculate() PER {
	return t.window.PER()
}

// Window returns a copy of the window ordered oldest first.
func (t *PERTracker) Window() [SubIntervalCount]SubInterval {
	return t.window.Slots()
}

// Samples returns the number of messages recorded since creation or Reset.
func (t *PERTracker) Samples() uint64 {
	return t.samples
}

// Reset clears the window and the current PER.
func (t *PERTracker) Reset() {
	t.window.Reset()
	t.current = PERUnavailable
	t.samples = 0
}
