// Package v2x implements the measurement primitives used by V2X broadcast
// congestion control: a rolling Packet Error Ratio (PER) estimate derived
// from a remote transmitter's 7-bit message counter, and the filtered
// path prediction (turning radius and confidence) carried in outbound
// safety broadcasts.
package v2x

import (
	"strconv"
	"time"
)

// MsgCount is the 7-bit, per-transmitter message counter carried in every
// broadcast. It is incremented on each transmission and wraps from 127 to 0.
type MsgCount uint8

// Constants describing the message counter and the PER observation window.
const (
	// MsgCountModulus is the number of distinct MsgCount values. All counter
	// arithmetic is performed modulo this value.
	MsgCountModulus = 128

	// MaxMsgCount is the largest valid MsgCount value.
	MaxMsgCount MsgCount = MsgCountModulus - 1

	// SubIntervalCount is the number of sub-intervals in a PER window
	// ("delta-K" in J2945/1).
	SubIntervalCount = 5

	// DefaultSubInterval is the duration of one PER sub-interval.
	DefaultSubInterval = time.Second

	// RolloverSafeRate is the highest broadcast rate, in messages per second,
	// at which a full window cannot contain more than MsgCountModulus messages.
	// Above this rate the counter may wrap more than once inside the window
	// ("double rollover") and the PER estimate is no longer meaningful.
	// It holds for DefaultSubInterval; see RolloverSafeRateFor.
	RolloverSafeRate = float64(MsgCountModulus) / (SubIntervalCount * 1.0)
)

// RolloverSafeRateFor returns the rollover-safe rate, in messages per
// second, of a window of SubIntervalCount slots of subInterval each. A
// non-positive subInterval uses DefaultSubInterval.
func RolloverSafeRateFor(subInterval time.Duration) float64 {
	if subInterval <= 0 {
		subInterval = DefaultSubInterval
	}
	return float64(MsgCountModulus) / (SubIntervalCount * subInterval.Seconds())
}

// PER is a Packet Error Ratio in whole percent. Valid ratios are 0..100;
// PERUnavailable signals that the window holds too few samples.
type PER uint8

// PERUnavailable is returned when fewer than two messages were received in
// the window. It is a valid result, not an error, and must not be clamped
// into the 0..100 range by callers.
const PERUnavailable PER = 101

// Available reports whether p carries an actual ratio.
func (p PER) Available() bool {
	return p <= 100
}

// String returns the ratio as a percentage, or "unavailable".
func (p PER) String() string {
	if !p.Available() {
		return "unavailable"
	}
	return strconv.Itoa(int(p)) + "%"
}
