package v2x

import (
	"math"
	"time"
)

// SubInterval accumulates the messages received from one transmitter during
// one sub-interval of the PER window.
//
// A slot with Received == 0 has never been touched. A zero WindowStart means
// the slot has not been initialized.
type SubInterval struct {
	First       MsgCount  // counter of the first message seen in the slot
	Last        MsgCount  // counter of the most recent message seen in the slot
	Received    int       // number of messages seen, duplicates included
	WindowStart time.Time // when the slot was opened
}

// expected returns the number of distinct messages the slot's counter range
// covers.
func (s SubInterval) expected() int {
	return MsgCountSpan(s.First, s.Last)
}

// PERWindow is the fixed five-slot sliding window ("delta-K") used to
// estimate PER for a single remote transmitter.
//
// Slots are stored in a ring; head indexes the oldest slot. The zero value
// is an empty window ready for use. PERWindow is not safe for concurrent use.
type PERWindow struct {
	slots [SubIntervalCount]SubInterval
	head  int
}

// NewPERWindow returns a window pre-populated with the given slots, ordered
// oldest first. It is mostly useful for evaluating recorded snapshots.
func NewPERWindow(slots [SubIntervalCount]SubInterval) PERWindow {
	return PERWindow{slots: slots}
}

// Slots returns a copy of the window contents ordered oldest first.
func (w *PERWindow) Slots() [SubIntervalCount]SubInterval {
	var out [SubIntervalCount]SubInterval
	for i := range out {
		out[i] = w.slots[(w.head+i)%SubIntervalCount]
	}
	return out
}

// newest returns the slot currently accumulating messages.
func (w *PERWindow) newest() *SubInterval {
	return &w.slots[(w.head+SubIntervalCount-1)%SubIntervalCount]
}

// Record accounts one received message with counter seq at time now.
//
// When the newest slot has been open for at least subInterval, the PER of
// the window as it stands is computed and returned with rotated == true,
// the oldest slot is dropped, and a new slot is opened for seq. Otherwise
// the newest slot is extended in place and rotated is false.
//
// An uninitialized newest slot, or a now that precedes its start, opens the
// slot without rotating.
func (w *PERWindow) Record(seq MsgCount, now time.Time, subInterval time.Duration) (per PER, rotated bool) {
	newest := w.newest()

	if newest.WindowStart.IsZero() || now.Before(newest.WindowStart) {
		*newest = SubInterval{First: seq, Last: seq, Received: 1, WindowStart: now}
		return PERUnavailable, false
	}

	if now.Sub(newest.WindowStart) >= subInterval {
		per = w.PER()

		// The oldest slot becomes the newest one.
		w.head = (w.head + 1) % SubIntervalCount
		*w.newest() = SubInterval{First: seq, Last: seq, Received: 1, WindowStart: now}
		return per, true
	}

	newest.Last = seq
	newest.Received++
	return PERUnavailable, false
}

// PER computes the Packet Error Ratio over the current window contents
// without modifying it.
func (w *PERWindow) PER() PER {
	return ComputePER(w.Slots())
}

// Reset empties the window.
func (w *PERWindow) Reset() {
	*w = PERWindow{}
}

// ComputePER returns the Packet Error Ratio for a window of sub-intervals
// ordered oldest first, following J2945/1 6.3.8.1 and A.8.3.
//
// Expected messages are the counter span from the first message of the
// oldest non-empty slot to the last message of the newest non-empty slot.
// Duplicates inside a slot and a message counted on both sides of a slot
// boundary are added to the expected total so they do not lower the ratio.
// The result is rounded half away from zero and capped at 100.
// PERUnavailable is returned when fewer than two messages were received.
//
// The estimate assumes the counter wraps at most once across the window;
// more than 128 messages inside the window ("double rollover") is not
// detected. See RolloverSafeRate.
func ComputePER(slots [SubIntervalCount]SubInterval) PER {
	var (
		receivedTotal int
		expectedTotal int
		first, last   = -1, -1
	)

	for n, s := range slots {
		if s.Received <= 0 {
			continue
		}
		receivedTotal += s.Received

		if exp := s.expected(); s.Received > exp {
			expectedTotal += s.Received - exp
		}

		if last >= 0 && slots[last].Last == s.First {
			expectedTotal++
		}

		if first < 0 {
			first = n
		}
		last = n
	}

	if receivedTotal < 2 {
		return PERUnavailable
	}

	expectedTotal += MsgCountDelta(slots[first].First, slots[last].Last) + 1
	missed := expectedTotal - receivedTotal

	ratio := math.Round(float64(missed) / float64(expectedTotal) * 100)
	if ratio > 100 {
		ratio = 100
	}
	if ratio < 0 {
		ratio = 0
	}
	return PER(ratio)
}
