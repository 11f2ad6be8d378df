package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/thesyncim/v2x/pkg/v2x"
	"github.com/thesyncim/v2x/pkg/v2x/internal"
)

// NoExpectation marks a traced reception without a reference PER.
const NoExpectation = -1

// TracedReception is a single reception in a reference trace, together with
// the PER a conforming tracker reports right after processing it.
type TracedReception struct {
	// ArrivalTimeUs is the arrival time in microseconds since trace start.
	ArrivalTimeUs int64 `json:"arrival_time_us"`

	// MsgCount is the 7-bit message counter carried by the broadcast.
	MsgCount uint8 `json:"msg_count"`

	// SSRC identifies the transmitter.
	SSRC uint32 `json:"ssrc"`

	// ExpectedPER is the reference value, 0..101, or NoExpectation.
	ExpectedPER int `json:"expected_per"`
}

// ReferenceTrace is a recorded or synthetic reception log with expected PER
// values, replayed through a tracker for regression testing.
type ReferenceTrace struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Receptions  []TracedReception `json:"receptions"`
}

// NewClock returns a manual clock for driving trace generators from outside
// the v2x package tree.
func NewClock(start time.Time) *internal.ManualClock {
	return internal.NewManualClock(start)
}

// LoadTrace reads a reference trace from a JSON file.
//
// File format:
//
//	{
//	    "name": "trace_name",
//	    "description": "Description of the channel",
//	    "receptions": [
//	        {"arrival_time_us": 0, "msg_count": 17, "ssrc": 12345, "expected_per": -1},
//	        ...
//	    ]
//	}
func LoadTrace(path string) (*ReferenceTrace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace file %s: %w", path, err)
	}

	var trace ReferenceTrace
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, fmt.Errorf("failed to parse trace file %s: %w", path, err)
	}

	return &trace, nil
}

// SaveTrace writes a reference trace as indented JSON.
func SaveTrace(path string, trace *ReferenceTrace) error {
	data, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode trace %s: %w", trace.Name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write trace file %s: %w", path, err)
	}
	return nil
}

// ReceptionProcessor handles one reception and returns the PER the
// component under test reports afterwards.
type ReceptionProcessor func(arrivalTime time.Time, seq v2x.MsgCount, ssrc uint32) v2x.PER

// Replay feeds every reception to processor, advancing clock to each arrival
// time, and returns one PER per reception.
func (t *ReferenceTrace) Replay(processor ReceptionProcessor, clock *internal.ManualClock) []v2x.PER {
	results := make([]v2x.PER, len(t.Receptions))

	startTime := clock.Now()
	var lastArrivalUs int64

	for i, r := range t.Receptions {
		if r.ArrivalTimeUs > lastArrivalUs {
			clock.Advance(time.Duration(r.ArrivalTimeUs-lastArrivalUs) * time.Microsecond)
			lastArrivalUs = r.ArrivalTimeUs
		}

		arrival := startTime.Add(time.Duration(r.ArrivalTimeUs) * time.Microsecond)
		results[i] = processor(arrival, v2x.MsgCount(r.MsgCount), r.SSRC)
	}

	return results
}

// Mismatch is a reception whose reported PER differs from the reference.
type Mismatch struct {
	Index    int
	Expected v2x.PER
	Got      v2x.PER
}

// CompareResults returns every reception with an expectation that the
// replayed results do not meet. A length mismatch is reported as an error.
func CompareResults(results []v2x.PER, trace *ReferenceTrace) ([]Mismatch, error) {
	if len(results) != len(trace.Receptions) {
		return nil, fmt.Errorf("trace %s: %d results for %d receptions", trace.Name, len(results), len(trace.Receptions))
	}

	var mismatches []Mismatch
	for i, r := range trace.Receptions {
		if r.ExpectedPER == NoExpectation {
			continue
		}
		if want := v2x.PER(r.ExpectedPER); results[i] != want {
			mismatches = append(mismatches, Mismatch{Index: i, Expected: want, Got: results[i]})
		}
	}
	return mismatches, nil
}

// GenerateSyntheticTrace builds a trace of a 10 Hz transmitter with the
// given loss pattern and fills in the expected PER at every sub-interval
// rotation by evaluating ComputePER over the window it has built so far.
func GenerateSyntheticTrace(name string, count int, start v2x.MsgCount, loss LossPattern, ssrc uint32) *ReferenceTrace {
	clock := internal.NewManualClock(time.Time{})
	t0 := clock.Now()
	receptions := BroadcastTrace(clock, count, 100*time.Millisecond, start, loss)

	trace := &ReferenceTrace{
		Name:        name,
		Description: fmt.Sprintf("%d transmissions at 10 Hz starting at MsgCount %d", count, start),
		Receptions:  make([]TracedReception, len(receptions)),
	}

	var window v2x.PERWindow
	for i, r := range receptions {
		expected := NoExpectation
		if per, rotated := window.Record(r.MsgCount, r.ArrivalTime, v2x.DefaultSubInterval); rotated {
			expected = int(per)
		}
		trace.Receptions[i] = TracedReception{
			ArrivalTimeUs: r.ArrivalTime.Sub(t0).Microseconds(),
			MsgCount:      uint8(r.MsgCount),
			SSRC:          ssrc,
			ExpectedPER:   expected,
		}
	}
	return trace
}
