package interceptor

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/thesyncim/v2x/pkg/v2x"
)

// ReportSchedulerConfig configures PER report scheduling.
type ReportSchedulerConfig struct {
	// Interval is the regular report interval (default: 1 second, one
	// PER sub-interval).
	Interval time.Duration

	// IncreaseThreshold is the rise, in PER points, of the worst stream
	// since the last report that triggers an immediate report.
	// Default: 10.
	IncreaseThreshold int

	// SenderSSRC is the SSRC to use in reports (this receiver's SSRC).
	SenderSSRC uint32
}

// DefaultReportSchedulerConfig returns default scheduler configuration.
func DefaultReportSchedulerConfig() ReportSchedulerConfig {
	return ReportSchedulerConfig{
		Interval:          v2x.DefaultSubInterval,
		IncreaseThreshold: 10,
		SenderSSRC:        0, // set by the interceptor
	}
}

// ReportScheduler decides when PER reports are sent. It sends at regular
// intervals and immediately when the channel degrades noticeably.
// ReportScheduler is not safe for concurrent use.
type ReportScheduler struct {
	config    ReportSchedulerConfig
	lastSent  time.Time
	lastWorst v2x.PER
}

// NewReportScheduler creates a scheduler. A non-positive Interval or
// IncreaseThreshold is replaced by its default.
func NewReportScheduler(config ReportSchedulerConfig) *ReportScheduler {
	def := DefaultReportSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.IncreaseThreshold <= 0 {
		config.IncreaseThreshold = def.IncreaseThreshold
	}
	return &ReportScheduler{
		config:    config,
		lastWorst: v2x.PERUnavailable,
	}
}

// worstPER returns the highest available PER among reports.
func worstPER(reports []PERReport) v2x.PER {
	worst := v2x.PERUnavailable
	for _, r := range reports {
		if !r.PER.Available() {
			continue
		}
		if !worst.Available() || r.PER > worst {
			worst = r.PER
		}
	}
	return worst
}

// ShouldSend determines if a report should be sent now. Returns true if
// there is something to report and either:
//   - the regular interval has elapsed since the last send
//   - the worst PER rose by at least IncreaseThreshold points
func (s *ReportScheduler) ShouldSend(reports []PERReport, now time.Time) bool {
	worst := worstPER(reports)
	if !worst.Available() {
		return false
	}

	if s.lastWorst.Available() && int(worst)-int(s.lastWorst) >= s.config.IncreaseThreshold {
		return true
	}

	return s.lastSent.IsZero() || now.Sub(s.lastSent) >= s.config.Interval
}

// BuildAndRecord creates the report packets and records the send. Each
// packet is a Receiver Report holding up to 31 report blocks.
// Call this after ShouldSend returns true.
func (s *ReportScheduler) BuildAndRecord(reports []PERReport, now time.Time) []rtcp.Packet {
	s.lastSent = now
	s.lastWorst = worstPER(reports)
	return newReceiverReports(s.config.SenderSSRC, reports)
}

// MaybeBuild combines ShouldSend and BuildAndRecord.
// Returns (packets, true) if a report should be sent, (nil, false) otherwise.
func (s *ReportScheduler) MaybeBuild(reports []PERReport, now time.Time) ([]rtcp.Packet, bool) {
	if !s.ShouldSend(reports, now) {
		return nil, false
	}
	return s.BuildAndRecord(reports, now), true
}

// LastSentPER returns the worst PER of the last report, or PERUnavailable
// if none has been sent.
func (s *ReportScheduler) LastSentPER() v2x.PER {
	return s.lastWorst
}

// LastSentTime returns when the last report was sent.
// Returns zero time if no report has been sent yet.
func (s *ReportScheduler) LastSentTime() time.Time {
	return s.lastSent
}

// Reset clears scheduler state.
func (s *ReportScheduler) Reset() {
	s.lastSent = time.Time{}
	s.lastWorst = v2x.PERUnavailable
}
