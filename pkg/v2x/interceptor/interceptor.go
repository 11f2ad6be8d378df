package interceptor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/thesyncim/v2x/pkg/v2x"
	"github.com/thesyncim/v2x/pkg/v2x/internal"
)

const (
	// minStreamTimeout is the shortest time an inactive stream is kept.
	// The effective timeout is never shorter than one full PER window.
	minStreamTimeout = 2 * time.Second

	// cleanupInterval is how often inactive streams are looked for.
	cleanupInterval = time.Second
)

// PERInterceptor is a Pion interceptor that estimates the Packet Error Ratio
// of every remote transmitter whose broadcasts are relayed over RTP. Each
// remote stream (SSRC) is one transmitter and gets its own PER window. The
// estimates are sent back as RTCP Receiver Reports.
//
// Usage:
//
//	i := NewPERInterceptor(WithReportInterval(time.Second))
//	// Add to interceptor registry via PERInterceptorFactory...
type PERInterceptor struct {
	interceptor.NoOp

	streams sync.Map // SSRC (uint32) -> *streamState
	bound   sync.Map // SSRC (uint32) -> struct{}, remote streams Pion has bound

	// Negotiated msg-count extension ID, first stream to provide it wins.
	msgCountExtID atomic.Uint32

	trackerConfig v2x.PERTrackerConfig
	streamTimeout time.Duration
	clock         internal.Clock
	log           logging.LeveledLogger

	// RTCP writer and report scheduling
	mu             sync.Mutex
	rtcpWriter     interceptor.RTCPWriter
	scheduler      *ReportScheduler
	reportInterval time.Duration
	senderSSRC     uint32
	onReport       func(reports []PERReport)
	onPER          func(ssrc uint32, per v2x.PER)

	// rotations wakes the report loop after a sub-interval completes so
	// a sharp PER increase is reported without waiting for the tick.
	rotations chan time.Time

	// Lifecycle
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	startOnce sync.Once // Ensures cleanup loop starts only once
}

// InterceptorOption is a functional option for configuring PERInterceptor.
type InterceptorOption func(*PERInterceptor)

// WithReportInterval sets the regular interval for sending PER reports.
// Default is 1 second.
func WithReportInterval(d time.Duration) InterceptorOption {
	return func(i *PERInterceptor) {
		i.reportInterval = d
	}
}

// WithSenderSSRC sets the sender SSRC used in PER reports.
func WithSenderSSRC(ssrc uint32) InterceptorOption {
	return func(i *PERInterceptor) {
		i.senderSSRC = ssrc
	}
}

// WithOnReport sets a callback invoked each time a PER report is sent.
func WithOnReport(fn func(reports []PERReport)) InterceptorOption {
	return func(i *PERInterceptor) {
		i.onReport = fn
	}
}

// WithOnPER sets a callback invoked whenever a stream completes a
// sub-interval and publishes a new PER.
func WithOnPER(fn func(ssrc uint32, per v2x.PER)) InterceptorOption {
	return func(i *PERInterceptor) {
		i.onPER = fn
	}
}

// WithSubInterval sets the duration of one PER window slot.
// Default is 1 second.
func WithSubInterval(d time.Duration) InterceptorOption {
	return func(i *PERInterceptor) {
		i.trackerConfig.SubInterval = d
	}
}

// WithLoggerFactory sets the logger factory. Default is
// logging.NewDefaultLoggerFactory().
func WithLoggerFactory(f logging.LoggerFactory) InterceptorOption {
	return func(i *PERInterceptor) {
		if f != nil {
			i.log = f.NewLogger("v2x-per")
		}
	}
}

// WithClock sets the clock used to timestamp packet arrivals.
func WithClock(c internal.Clock) InterceptorOption {
	return func(i *PERInterceptor) {
		if c != nil {
			i.clock = c
		}
	}
}

// NewPERInterceptor creates a new PER interceptor.
//
// Options can be provided to customize behavior:
//   - WithReportInterval: Set report sending interval (default 1s)
//   - WithSenderSSRC: Set sender SSRC for reports
//   - WithSubInterval: Set the PER window slot duration (default 1s)
func NewPERInterceptor(opts ...InterceptorOption) *PERInterceptor {
	i := &PERInterceptor{
		trackerConfig:  v2x.DefaultPERTrackerConfig(),
		clock:          internal.SystemClock{},
		reportInterval: time.Second,
		rotations:      make(chan time.Time, 1),
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.log == nil {
		i.log = logging.NewDefaultLoggerFactory().NewLogger("v2x-per")
	}
	if i.reportInterval <= 0 {
		i.reportInterval = time.Second
	}
	if i.trackerConfig.SubInterval <= 0 {
		i.trackerConfig.SubInterval = v2x.DefaultSubInterval
	}
	i.streamTimeout = max(minStreamTimeout, v2x.SubIntervalCount*i.trackerConfig.SubInterval)

	schedulerConfig := DefaultReportSchedulerConfig()
	schedulerConfig.Interval = i.reportInterval
	schedulerConfig.SenderSSRC = i.senderSSRC
	i.scheduler = NewReportScheduler(schedulerConfig)

	return i
}

// Close shuts down the interceptor and releases resources.
func (i *PERInterceptor) Close() error {
	i.closeOnce.Do(func() {
		close(i.closed)
	})
	i.wg.Wait()
	return nil
}

// BindRTCPWriter is called by Pion when the RTCP writer is ready.
// It captures the writer for sending PER reports and starts the report loop.
func (i *PERInterceptor) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	i.mu.Lock()
	i.rtcpWriter = writer
	i.mu.Unlock()

	i.wg.Add(1)
	go i.reportLoop()

	return writer
}

// BindRemoteStream is called by Pion when a new remote stream is detected.
// It looks up the msg-count extension ID and wraps the reader to observe
// packets.
func (i *PERInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	i.startOnce.Do(func() {
		i.wg.Add(1)
		go i.cleanupLoop()
	})

	extID := FindMsgCountID(info.RTPHeaderExtensions)
	if extID != 0 {
		i.msgCountExtID.CompareAndSwap(0, uint32(extID))
	}

	state := newStreamState(info.SSRC, i.trackerConfig, i.clock, i.clock.Now())
	i.bound.Store(info.SSRC, struct{}{})
	i.streams.Store(info.SSRC, state)
	i.log.Debugf("bound stream ssrc=%d msg-count-ext=%d", info.SSRC, extID)

	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err == nil && n > 0 {
			i.processRTP(b[:n], info.SSRC)
		}
		return n, a, err
	})
}

// UnbindRemoteStream is called by Pion when a remote stream is removed.
func (i *PERInterceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	i.bound.Delete(info.SSRC)
	i.streams.Delete(info.SSRC)
	i.log.Debugf("unbound stream ssrc=%d", info.SSRC)
}

// processRTP parses an RTP packet and feeds its MsgCount to the stream's
// PER tracker.
func (i *PERInterceptor) processRTP(raw []byte, ssrc uint32) {
	var header rtp.Header
	if _, err := header.Unmarshal(raw); err != nil {
		return
	}

	state, ok := i.loadOrResume(ssrc)
	if !ok {
		return
	}

	now := i.clock.Now()
	seq := MsgCountFromHeader(&header, uint8(i.msgCountExtID.Load()))
	u := state.record(seq, now)

	if u.rateExceeded {
		i.log.Warnf("stream ssrc=%d at %.1f Hz exceeds %.1f Hz, PER may miss a counter wrap",
			ssrc, u.rateHz, u.safeRate)
	}

	if !u.rotated {
		return
	}
	i.log.Debugf("stream ssrc=%d PER=%s", ssrc, u.per)
	if i.onPER != nil {
		i.onPER(ssrc, u.per)
	}

	select {
	case i.rotations <- now:
	default:
	}
}

// loadOrResume returns the state of a bound stream. A bound stream whose
// state timed out gets a fresh one.
func (i *PERInterceptor) loadOrResume(ssrc uint32) (*streamState, bool) {
	if value, ok := i.streams.Load(ssrc); ok {
		return value.(*streamState), true
	}
	if _, ok := i.bound.Load(ssrc); !ok {
		return nil, false
	}
	state := newStreamState(ssrc, i.trackerConfig, i.clock, i.clock.Now())
	value, loaded := i.streams.LoadOrStore(ssrc, state)
	if !loaded {
		i.log.Debugf("stream ssrc=%d resumed", ssrc)
	}
	return value.(*streamState), true
}

// PER returns the current PER of the stream with the given SSRC.
// ok is false if the stream is not tracked.
func (i *PERInterceptor) PER(ssrc uint32) (per v2x.PER, ok bool) {
	value, ok := i.streams.Load(ssrc)
	if !ok {
		return v2x.PERUnavailable, false
	}
	state := value.(*streamState)

	state.mu.Lock()
	defer state.mu.Unlock()
	return state.tracker.PER(), true
}

// Reports returns the current report of every stream with an available PER.
func (i *PERInterceptor) Reports() []PERReport {
	var reports []PERReport
	i.streams.Range(func(_, value any) bool {
		if r, ok := value.(*streamState).report(); ok {
			reports = append(reports, r)
		}
		return true
	})
	return reports
}

// reportLoop sends PER reports on every tick of the report interval and
// after sub-interval rotations.
func (i *PERInterceptor) reportLoop() {
	defer i.wg.Done()

	ticker := time.NewTicker(i.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-ticker.C:
			i.maybeSendReport(i.clock.Now())
		case now := <-i.rotations:
			i.maybeSendReport(now)
		}
	}
}

// maybeSendReport checks if a report is due and sends it via the RTCPWriter.
func (i *PERInterceptor) maybeSendReport(now time.Time) {
	reports := i.Reports()

	i.mu.Lock()
	writer := i.rtcpWriter
	var (
		pkts []rtcp.Packet
		send bool
	)
	if writer != nil {
		pkts, send = i.scheduler.MaybeBuild(reports, now)
	}
	i.mu.Unlock()

	if !send {
		return
	}

	if _, err := writer.Write(pkts, nil); err != nil {
		i.log.Errorf("failed to send PER report: %v", err)
		return
	}

	if i.onReport != nil {
		i.onReport(reports)
	}
}

// cleanupLoop periodically removes streams that stopped sending.
func (i *PERInterceptor) cleanupLoop() {
	defer i.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-ticker.C:
			i.cleanupInactiveStreams(i.clock.Now())
		}
	}
}

// cleanupInactiveStreams removes streams that haven't received packets
// for longer than the stream timeout. A removed stream that is still bound
// starts over when its packets resume.
func (i *PERInterceptor) cleanupInactiveStreams(now time.Time) {
	i.streams.Range(func(key, value any) bool {
		state := value.(*streamState)
		if now.Sub(state.LastPacket()) > i.streamTimeout {
			i.streams.Delete(key)
			i.log.Debugf("stream ssrc=%d timed out", state.SSRC())
		}
		return true
	})
}
