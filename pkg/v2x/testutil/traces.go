// Package testutil provides synthetic broadcast and motion traces for tests
// and simulations of the v2x package.
package testutil

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/thesyncim/v2x/pkg/v2x"
	"github.com/thesyncim/v2x/pkg/v2x/internal"
)

// DefaultSSRC is the stream identifier used by trace generators.
const DefaultSSRC = 0x12345678

// Reception is one broadcast as seen by the receiver.
type Reception struct {
	ArrivalTime time.Time
	MsgCount    v2x.MsgCount
	SSRC        uint32
}

// LossPattern decides, for the i-th transmitted message, whether it is lost.
type LossPattern func(i int) bool

// NoLoss delivers every message.
func NoLoss(int) bool { return false }

// DropEvery loses every n-th message (the (n-1)th, (2n-1)th, ... by index).
func DropEvery(n int) LossPattern {
	return func(i int) bool {
		return n > 0 && i%n == n-1
	}
}

// RandomLoss loses each message independently with probability p, using a
// seeded generator so traces are reproducible.
func RandomLoss(p float64, seed uint64) LossPattern {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return func(int) bool {
		return rng.Float64() < p
	}
}

// BurstLoss loses burst consecutive messages out of every period.
func BurstLoss(period, burst int) LossPattern {
	return func(i int) bool {
		return period > 0 && i%period < burst
	}
}

// BroadcastTrace generates count transmissions spaced by interval, starting
// at counter start, and returns the receptions that survive loss. The clock
// advances by interval per transmission, lost or not.
//
// Parameters:
//   - clock: ManualClock for deterministic time control
//   - count: Number of transmitted messages
//   - interval: Time between transmissions (100ms for 10 Hz)
//   - start: MsgCount of the first transmission
//   - loss: Which transmissions are lost (nil for none)
func BroadcastTrace(clock *internal.ManualClock, count int, interval time.Duration, start v2x.MsgCount, loss LossPattern) []Reception {
	if loss == nil {
		loss = NoLoss
	}

	out := make([]Reception, 0, count)
	seq := start
	for i := 0; i < count; i++ {
		if !loss(i) {
			out = append(out, Reception{
				ArrivalTime: clock.Now(),
				MsgCount:    seq,
				SSRC:        DefaultSSRC,
			})
		}
		seq = seq.Next()
		clock.Advance(interval)
	}
	return out
}

// ContiguousTrace generates a loss-free 10 Hz broadcast.
func ContiguousTrace(clock *internal.ManualClock, count int) []Reception {
	return BroadcastTrace(clock, count, 100*time.Millisecond, 0, nil)
}

// RolloverTrace generates a loss-free 10 Hz broadcast that starts close to
// the counter wrap so the window spans 127 -> 0.
func RolloverTrace(clock *internal.ManualClock, count int) []Reception {
	return BroadcastTrace(clock, count, 100*time.Millisecond, 110, nil)
}

// DuplicatedTrace repeats every n-th reception immediately, as happens when a
// message is relayed or received on two channels.
func DuplicatedTrace(receptions []Reception, n int) []Reception {
	out := make([]Reception, 0, len(receptions)+len(receptions)/max(n, 1))
	for i, r := range receptions {
		out = append(out, r)
		if n > 0 && i%n == n-1 {
			out = append(out, r)
		}
	}
	return out
}

// Motion is one sample of host-vehicle motion fed to path prediction.
type Motion struct {
	At      time.Time
	Speed   float64 // m/s
	YawRate float64 // deg/s
}

// TurnTrace generates count motion samples at interval for a vehicle moving
// at speed that eases into and out of a turn peaking at peakYawRate. The yaw
// rate follows a half sine over the trace.
func TurnTrace(clock *internal.ManualClock, count int, interval time.Duration, speed, peakYawRate float64) []Motion {
	out := make([]Motion, count)
	for i := range out {
		phase := math.Pi * float64(i) / float64(max(count-1, 1))
		out[i] = Motion{
			At:      clock.Now(),
			Speed:   speed,
			YawRate: peakYawRate * math.Sin(phase),
		}
		clock.Advance(interval)
	}
	return out
}

// SwerveTrace generates count motion samples at interval for a vehicle
// weaving left and right: the yaw rate is a full sine of the given period.
func SwerveTrace(clock *internal.ManualClock, count int, interval time.Duration, speed, peakYawRate float64, period time.Duration) []Motion {
	out := make([]Motion, count)
	start := clock.Now()
	for i := range out {
		now := clock.Now()
		phase := 2 * math.Pi * float64(now.Sub(start)) / float64(period)
		out[i] = Motion{At: now, Speed: speed, YawRate: peakYawRate * math.Sin(phase)}
		clock.Advance(interval)
	}
	return out
}

// ConstantMotionTrace generates count identical motion samples at interval.
func ConstantMotionTrace(clock *internal.ManualClock, count int, interval time.Duration, speed, yawRate float64) []Motion {
	out := make([]Motion, count)
	for i := range out {
		out[i] = Motion{At: clock.Now(), Speed: speed, YawRate: yawRate}
		clock.Advance(interval)
	}
	return out
}
