package v2x

// Allocation benchmarks for the per-message hot paths.
//
// How to run:
//
//	go test -bench=ZeroAlloc -benchmem ./pkg/v2x/...
//
// Expected output: 0 allocs/op. PERTracker.Record, ComputePER and the path
// prediction filters operate on fixed-size arrays and caller-owned state.

import (
	"testing"
	"time"
)

var (
	benchPER        PER
	benchPrediction PathPrediction
)

func BenchmarkPERTracker_Record_ZeroAlloc(b *testing.B) {
	b.ReportAllocs()

	tr := NewPERTracker(DefaultPERTrackerConfig(), nil)
	now := time.Unix(1000, 0)
	seq := MsgCount(0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		benchPER, _ = tr.Record(seq, now)
		seq = seq.Next()
		now = now.Add(100 * time.Millisecond)
	}
}

func BenchmarkComputePER_ZeroAlloc(b *testing.B) {
	b.ReportAllocs()

	slots := [SubIntervalCount]SubInterval{
		{First: 110, Last: 119, Received: 10},
		{First: 120, Last: 1, Received: 9},
		{First: 2, Last: 11, Received: 10},
		{First: 11, Last: 21, Received: 11},
		{First: 22, Last: 31, Received: 10},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		benchPER = ComputePER(slots)
	}
}

func BenchmarkPathPredictor_Update_ZeroAlloc(b *testing.B) {
	b.ReportAllocs()

	pp := NewPathPredictor(DefaultPathPredictionConfig())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		benchPrediction = pp.Update(0.5, float64(i%20))
	}
}
