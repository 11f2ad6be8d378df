package interceptor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/thesyncim/v2x/pkg/v2x"
	"github.com/thesyncim/v2x/pkg/v2x/internal"
)

// streamState tracks one remote transmitter.
//
// The PER tracker and rate meter are not safe for concurrent use, so every
// access goes through mu. lastPacketNanos is kept outside the lock because
// the cleanup loop polls it for every stream.
type streamState struct {
	ssrc uint32

	mu           sync.Mutex
	tracker      *v2x.PERTracker
	rate         *v2x.MessageRateStats
	lastMsgCount v2x.MsgCount
	received     uint64
	rateWarned   bool

	lastPacketNanos atomic.Int64 // Unix nanoseconds
}

// streamUpdate is the outcome of recording one packet.
type streamUpdate struct {
	per          v2x.PER
	rotated      bool
	rateHz       float64
	safeRate     float64
	rateExceeded bool // set once, on the first packet above safeRate
}

// newStreamState creates a new stream state for the given SSRC.
// The last packet time is initialized to now.
func newStreamState(ssrc uint32, config v2x.PERTrackerConfig, clock internal.Clock, now time.Time) *streamState {
	s := &streamState{
		ssrc:    ssrc,
		tracker: v2x.NewPERTracker(config, clock),
		rate:    v2x.NewMessageRateStats(v2x.MessageRateStatsConfigFor(config.SubInterval)),
	}
	s.UpdateLastPacket(now)
	return s
}

// record accounts one message received at now.
func (s *streamState) record(seq v2x.MsgCount, now time.Time) streamUpdate {
	s.UpdateLastPacket(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.received++
	s.lastMsgCount = seq
	s.rate.Update(now)

	u := streamUpdate{safeRate: s.rate.SafeRate()}
	u.per, u.rotated = s.tracker.Record(seq, now)

	if hz, ok := s.rate.Rate(now); ok {
		u.rateHz = hz
		exceeded := hz > u.safeRate
		u.rateExceeded = exceeded && !s.rateWarned
		s.rateWarned = exceeded
	}
	return u
}

// report returns the stream's current PER report. ok is false while the
// PER is unavailable.
func (s *streamState) report() (PERReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	per := s.tracker.PER()
	if !per.Available() {
		return PERReport{}, false
	}
	return PERReport{
		SSRC:         s.ssrc,
		PER:          per,
		LastMsgCount: s.lastMsgCount,
		Received:     s.received,
	}, true
}

// UpdateLastPacket stores the given time as the last packet arrival time.
func (s *streamState) UpdateLastPacket(t time.Time) {
	s.lastPacketNanos.Store(t.UnixNano())
}

// LastPacket returns the arrival time of the most recent packet.
// Used by the cleanup loop to detect inactive streams.
func (s *streamState) LastPacket() time.Time {
	return time.Unix(0, s.lastPacketNanos.Load())
}

// SSRC returns the stream's SSRC identifier.
func (s *streamState) SSRC() uint32 {
	return s.ssrc
}
