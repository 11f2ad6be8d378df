// Soak test runner for long-duration PER and path prediction testing.
//
// This tool simulates a 10 Hz V2X transmitter with configurable loss and
// duplication, feeds the receptions to a PERTracker and drives a
// PathPredictor with a swerving host vehicle. It watches for memory leaks,
// counter wrap failures and out-of-range outputs over extended periods (up
// to 24 hours or more).
//
// Usage:
//
//	go run ./cmd/soak -duration 24h
//	go run ./cmd/soak -scenario lossy.yaml -simulated
//
// Flags set on the command line override values from the scenario file.
//
// Exposes pprof endpoint at :6060 for live profiling:
//
//	curl http://localhost:6060/debug/pprof/heap > heap.pprof
//	go tool pprof heap.pprof
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof" // Enable pprof endpoints
	"os"
	"os/signal"
	"runtime"
	"slices"
	"syscall"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/thesyncim/v2x/pkg/v2x"
	"github.com/thesyncim/v2x/pkg/v2x/testutil"
)

// heapLimitMB fails the run when the heap grows past it.
const heapLimitMB = 100

// perTolerance is how far, in percentage points, the mean PER may stray
// from the loss the transmitter actually applied.
const perTolerance = 5.0

// SoakResult contains the results of a soak test run.
type SoakResult struct {
	Duration         time.Duration
	Transmitted      int
	Received         int
	Duplicates       int
	Rollovers        int
	Rotations        int
	FinalPER         v2x.PER
	PER              Summary
	Radius           Summary // meters, curved predictions only
	Confidence       Summary // percent
	ActualLossPct    float64
	PeakHeapMB       float64
	TotalGCCycles    uint32
	SuspiciousEvents int
	Status           string
}

// Summary is a distribution of samples.
type Summary struct {
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
	P95    float64
}

func summarize(samples []float64) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	mean, std := stat.MeanStdDev(sorted, nil)
	return Summary{
		Count:  len(sorted),
		Min:    floats.Min(sorted),
		Max:    floats.Max(sorted),
		Mean:   mean,
		StdDev: std,
		P95:    stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
}

func main() {
	sc := DefaultScenario()

	scenarioPath := flag.String("scenario", "", "YAML scenario file")
	duration := flag.Duration("duration", sc.Duration, "Test duration (e.g., 1h, 24h)")
	rate := flag.Float64("rate", sc.RateHz, "Transmit rate in Hz")
	loss := flag.Float64("loss", sc.Loss.Probability, "Random loss probability [0, 1)")
	duplicate := flag.Int("duplicate-every", sc.DuplicateEvery, "Duplicate every n-th reception (0 disables)")
	simulated := flag.Bool("simulated", sc.Simulated, "Run on a simulated clock instead of wall time")
	pprofPort := flag.Int("pprof-port", 6060, "Port for pprof HTTP server")
	flag.Parse()

	if *scenarioPath != "" {
		loaded, err := LoadScenario(*scenarioPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		sc = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "duration":
			sc.Duration = *duration
		case "rate":
			sc.RateHz = *rate
		case "loss":
			sc.Loss.Probability = *loss
		case "duplicate-every":
			sc.DuplicateEvery = *duplicate
		case "simulated":
			sc.Simulated = *simulated
		}
	})
	if err := sc.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("V2X Soak Test Runner\n")
	fmt.Printf("====================\n")
	fmt.Printf("Duration:  %v\n", sc.Duration)
	fmt.Printf("Rate:      %.1f Hz\n", sc.RateHz)
	fmt.Printf("Loss:      %.1f%% random, burst %d/%d\n", sc.Loss.Probability*100, sc.Loss.BurstLength, sc.Loss.BurstPeriod)
	fmt.Printf("Simulated: %v\n", sc.Simulated)
	fmt.Printf("Pprof:     http://localhost:%d/debug/pprof/\n", *pprofPort)
	fmt.Printf("\n")

	// Start pprof server in background
	go func() {
		addr := fmt.Sprintf(":%d", *pprofPort)
		if err := http.ListenAndServe(addr, nil); err != nil {
			fmt.Printf("Warning: pprof server failed: %v\n", err)
		}
	}()

	// Set up graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result := runSoakTest(ctx, sc, os.Stdout)
	printSummary(os.Stdout, result)

	if result.Status == "PASS" {
		os.Exit(0)
	}
	os.Exit(1)
}

// ticker yields transmission times, either from the wall clock or from a
// simulated clock that advances one interval per call.
type ticker interface {
	Next(ctx context.Context) (time.Time, bool)
	Stop()
}

type wallTicker struct{ t *time.Ticker }

func (w wallTicker) Next(ctx context.Context) (time.Time, bool) {
	select {
	case <-ctx.Done():
		return time.Time{}, false
	case now := <-w.t.C:
		return now, true
	}
}

func (w wallTicker) Stop() { w.t.Stop() }

type simulatedTicker struct {
	clock interface {
		Now() time.Time
		Advance(time.Duration)
	}
	interval time.Duration
}

func (s simulatedTicker) Next(ctx context.Context) (time.Time, bool) {
	if ctx.Err() != nil {
		return time.Time{}, false
	}
	s.clock.Advance(s.interval)
	return s.clock.Now(), true
}

func (simulatedTicker) Stop() {}

func newTicker(sc Scenario) (ticker, time.Time) {
	if sc.Simulated {
		clock := testutil.NewClock(time.Time{})
		return simulatedTicker{clock: clock, interval: sc.Interval()}, clock.Now()
	}
	return wallTicker{t: time.NewTicker(sc.Interval())}, time.Now()
}

func runSoakTest(ctx context.Context, sc Scenario, out io.Writer) SoakResult {
	result := SoakResult{
		Status:   "PASS",
		FinalPER: v2x.PERUnavailable,
	}

	tracker := v2x.NewPERTracker(v2x.DefaultPERTrackerConfig(), nil)
	rate := v2x.NewMessageRateStats(v2x.DefaultMessageRateStatsConfig())
	predictor := v2x.NewPathPredictor(v2x.DefaultPathPredictionConfig())
	lost := sc.LossPattern()

	var (
		memStats      runtime.MemStats
		perSamples    []float64
		radiusSamples []float64
		confSamples   []float64
		lostCount     int
		rateWarned    bool
		seq           = v2x.MsgCount(sc.StartMsgCount)
	)

	tick, startTime := newTicker(sc)
	defer tick.Stop()
	lastStatusTime := startTime
	lastTick := startTime

	fmt.Fprintf(out, "[%s] Starting soak test...\n", formatDuration(0))

	record := func(now time.Time, elapsed time.Duration) {
		rate.Update(now)
		result.Received++

		per, rotated := tracker.Record(seq, now)
		if !rotated {
			return
		}
		result.Rotations++
		result.FinalPER = per

		if per.Available() {
			perSamples = append(perSamples, float64(per))
		}
		if per > v2x.PERUnavailable {
			fmt.Fprintf(out, "[%s] ERROR: PER out of range: %d\n", formatDuration(elapsed), per)
			result.SuspiciousEvents++
			result.Status = "FAIL"
		}
	}

	for i := 0; ; i++ {
		now, ok := tick.Next(ctx)
		if !ok {
			result.Duration = lastTick.Sub(startTime)
			break
		}
		lastTick = now
		elapsed := now.Sub(startTime)
		if elapsed >= sc.Duration {
			result.Duration = elapsed
			break
		}

		// Transmit
		result.Transmitted++
		if i > 0 && seq == 0 {
			result.Rollovers++
		}
		if lost(i) {
			lostCount++
		} else {
			record(now, elapsed)
			if sc.DuplicateEvery > 0 && result.Received%sc.DuplicateEvery == 0 {
				result.Duplicates++
				record(now, elapsed)
			}
		}
		seq = seq.Next()

		if rate.ExceedsRolloverSafeRate(now) && !rateWarned {
			hz, _ := rate.Rate(now)
			fmt.Fprintf(out, "[%s] WARNING: %.1f Hz exceeds %.1f Hz, counter wraps may be missed\n",
				formatDuration(elapsed), hz, rate.SafeRate())
			rateWarned = true
		}

		// Host vehicle motion, sampled at the broadcast rate
		pred := predictor.Update(sc.Motion.SpeedMps, sc.YawRate(elapsed))
		if pred.Confidence > 200 || pred.RadiusOfCurve < -v2x.RadiusOfCurvatureStraight {
			fmt.Fprintf(out, "[%s] ERROR: prediction out of range: %+v\n", formatDuration(elapsed), pred)
			result.SuspiciousEvents++
			result.Status = "FAIL"
		}
		confSamples = append(confSamples, pred.ConfidencePercent())
		if !pred.IsStraight() {
			radiusSamples = append(radiusSamples, pred.RadiusMeters())
		}

		// Periodic status output
		if now.Sub(lastStatusTime) >= sc.StatusInterval {
			lastStatusTime = now
			runtime.ReadMemStats(&memStats)

			heapMB := float64(memStats.HeapAlloc) / (1024 * 1024)
			if heapMB > result.PeakHeapMB {
				result.PeakHeapMB = heapMB
			}
			result.TotalGCCycles = memStats.NumGC

			fmt.Fprintf(out, "[%s] Sent: %d, Received: %d, PER: %s, Radius: %d, Confidence: %d, HeapAlloc: %.2f MB, NumGC: %d\n",
				formatDuration(elapsed),
				result.Transmitted,
				result.Received,
				result.FinalPER,
				pred.RadiusOfCurve,
				pred.Confidence,
				heapMB,
				memStats.NumGC)

			if heapMB > heapLimitMB {
				fmt.Fprintf(out, "[%s] ERROR: Memory limit exceeded: %.2f MB\n", formatDuration(elapsed), heapMB)
				result.Status = "FAIL"
			}
		}
	}

	result.PER = summarize(perSamples)
	result.Radius = summarize(radiusSamples)
	result.Confidence = summarize(confSamples)
	if result.Transmitted > 0 {
		result.ActualLossPct = 100 * float64(lostCount) / float64(result.Transmitted)
	}
	if result.PER.Count > 0 && !perWithinTolerance(result) {
		fmt.Fprintf(out, "ERROR: mean PER %.1f%% differs from applied loss %.1f%%\n", result.PER.Mean, result.ActualLossPct)
		result.Status = "FAIL"
	}
	return result
}

// perWithinTolerance compares the mean PER with the loss actually applied.
// Bursts longer than a window skew individual windows but not the mean.
func perWithinTolerance(result SoakResult) bool {
	diff := result.PER.Mean - result.ActualLossPct
	return diff <= perTolerance && diff >= -perTolerance
}

func printSummary(out io.Writer, result SoakResult) {
	fmt.Fprintf(out, "\n")
	fmt.Fprintf(out, "Soak Test Complete\n")
	fmt.Fprintf(out, "==================\n")
	fmt.Fprintf(out, "Duration:          %v\n", result.Duration.Round(time.Second))
	fmt.Fprintf(out, "Transmitted:       %d\n", result.Transmitted)
	fmt.Fprintf(out, "Received:          %d (%d duplicates)\n", result.Received, result.Duplicates)
	fmt.Fprintf(out, "Applied loss:      %.2f%%\n", result.ActualLossPct)
	fmt.Fprintf(out, "Counter wraps:     %d\n", result.Rollovers)
	fmt.Fprintf(out, "Window rotations:  %d\n", result.Rotations)
	fmt.Fprintf(out, "Final PER:         %s\n", result.FinalPER)
	printDistribution(out, "PER (%)", result.PER)
	printDistribution(out, "Radius (m)", result.Radius)
	printDistribution(out, "Confidence (%)", result.Confidence)
	fmt.Fprintf(out, "Peak HeapAlloc:    %.2f MB\n", result.PeakHeapMB)
	fmt.Fprintf(out, "Total GC cycles:   %d\n", result.TotalGCCycles)
	fmt.Fprintf(out, "Suspicious events: %d\n", result.SuspiciousEvents)
	fmt.Fprintf(out, "Status:            %s\n", result.Status)
	fmt.Fprintf(out, "\n")

	// Pass criteria
	fmt.Fprintf(out, "Pass Criteria:\n")
	fmt.Fprintf(out, "  - No panics:            %s\n", checkMark(true))
	fmt.Fprintf(out, "  - PER tracks loss:      %s\n", checkMark(result.PER.Count == 0 || perWithinTolerance(result)))
	fmt.Fprintf(out, "  - Peak memory < 100 MB: %s\n", checkMark(result.PeakHeapMB < heapLimitMB))
	fmt.Fprintf(out, "  - No range errors:      %s\n", checkMark(result.SuspiciousEvents == 0))
}

func printDistribution(out io.Writer, name string, s Summary) {
	if s.Count == 0 {
		fmt.Fprintf(out, "%-19s no samples\n", name+":")
		return
	}
	fmt.Fprintf(out, "%-19s n=%d min=%.1f mean=%.1f sd=%.1f p95=%.1f max=%.1f\n",
		name+":", s.Count, s.Min, s.Mean, s.StdDev, s.P95, s.Max)
}

func formatDuration(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func checkMark(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}
