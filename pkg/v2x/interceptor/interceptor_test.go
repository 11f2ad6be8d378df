package interceptor

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/v2x/pkg/v2x"
	"github.com/thesyncim/v2x/pkg/v2x/internal"
)

// makeRTP creates an RTP packet relaying one broadcast. If extID is 0 the
// msg-count extension is omitted.
func makeRTP(ssrc uint32, extID uint8, seqNum uint16, msgCount v2x.MsgCount) []byte {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seqNum,
			Timestamp:      uint32(seqNum) * 9000,
			SSRC:           ssrc,
		},
		Payload: []byte{0x00, 0x01, 0x02, 0x03},
	}
	if extID != 0 {
		_ = SetMsgCount(&pkt.Header, extID, msgCount)
	}

	data, _ := pkt.Marshal()
	return data
}

// mockRTPReader is a test reader that returns pre-defined packets.
type mockRTPReader struct {
	packets [][]byte
	index   int
}

func (m *mockRTPReader) Read(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	if m.index >= len(m.packets) {
		return 0, nil, nil
	}
	pkt := m.packets[m.index]
	m.index++
	n := copy(b, pkt)
	return n, a, nil
}

// mockRTCPWriter is a test RTCPWriter that captures written packets.
type mockRTCPWriter struct {
	mu      sync.Mutex
	packets []rtcp.Packet
	err     error
}

func (m *mockRTCPWriter) Write(pkts []rtcp.Packet, _ interceptor.Attributes) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.packets = append(m.packets, pkts...)
	return len(pkts), nil
}

func (m *mockRTCPWriter) receiverReports() []*rtcp.ReceiverReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*rtcp.ReceiverReport
	for _, pkt := range m.packets {
		if rr, ok := pkt.(*rtcp.ReceiverReport); ok {
			out = append(out, rr)
		}
	}
	return out
}

// feed reads count packets through reader, one every interval of clock time.
// Messages whose index satisfies drop are never delivered.
func feed(t *testing.T, clock *internal.ManualClock, ssrc uint32, extID uint8, count int, interval time.Duration, drop func(int) bool, bind func(*mockRTPReader) interceptor.RTPReader) {
	t.Helper()

	reader := &mockRTPReader{}
	wrapped := bind(reader)
	buf := make([]byte, 1500)

	seq := v2x.MsgCount(0)
	for n := 0; n < count; n++ {
		if drop == nil || !drop(n) {
			reader.packets = append(reader.packets, makeRTP(ssrc, extID, uint16(n), seq))
			_, _, err := wrapped.Read(buf, nil)
			require.NoError(t, err)
		}
		seq = seq.Next()
		clock.Advance(interval)
	}
}

func streamInfo(ssrc uint32, extID uint8) *interceptor.StreamInfo {
	info := &interceptor.StreamInfo{SSRC: ssrc}
	if extID != 0 {
		info.RTPHeaderExtensions = []interceptor.RTPHeaderExtension{{URI: MsgCountURI, ID: int(extID)}}
	}
	return info
}

func TestNewPERInterceptor(t *testing.T) {
	t.Run("default options", func(t *testing.T) {
		i := NewPERInterceptor()
		defer i.Close()

		assert.Equal(t, time.Second, i.reportInterval)
		assert.Equal(t, v2x.DefaultSubInterval, i.trackerConfig.SubInterval)
		assert.NotNil(t, i.log)
		assert.NotNil(t, i.scheduler)
		assert.NotNil(t, i.closed)
	})

	t.Run("with custom options", func(t *testing.T) {
		i := NewPERInterceptor(
			WithReportInterval(500*time.Millisecond),
			WithSenderSSRC(0x12345678),
			WithSubInterval(200*time.Millisecond),
		)
		defer i.Close()

		assert.Equal(t, 500*time.Millisecond, i.reportInterval)
		assert.Equal(t, uint32(0x12345678), i.senderSSRC)
		assert.Equal(t, 200*time.Millisecond, i.trackerConfig.SubInterval)
		assert.Equal(t, uint32(0x12345678), i.scheduler.config.SenderSSRC)
	})

	t.Run("non-positive interval uses default", func(t *testing.T) {
		i := NewPERInterceptor(WithReportInterval(0))
		defer i.Close()
		assert.Equal(t, time.Second, i.reportInterval)
	})
}

func TestBindRemoteStream_ExtractsExtensionID(t *testing.T) {
	t.Run("extracts msg-count ID", func(t *testing.T) {
		i := NewPERInterceptor()
		defer i.Close()

		wrapped := i.BindRemoteStream(streamInfo(12345, 3), &mockRTPReader{})
		assert.NotNil(t, wrapped)
		assert.Equal(t, uint32(3), i.msgCountExtID.Load())
	})

	t.Run("first stream wins for extension ID", func(t *testing.T) {
		i := NewPERInterceptor()
		defer i.Close()

		_ = i.BindRemoteStream(streamInfo(11111, 3), &mockRTPReader{})
		_ = i.BindRemoteStream(streamInfo(22222, 7), &mockRTPReader{})
		assert.Equal(t, uint32(3), i.msgCountExtID.Load())
	})

	t.Run("no extension keeps zero", func(t *testing.T) {
		i := NewPERInterceptor()
		defer i.Close()

		_ = i.BindRemoteStream(streamInfo(11111, 0), &mockRTPReader{})
		assert.Equal(t, uint32(0), i.msgCountExtID.Load())
	})
}

func TestProcessRTP_UsesMsgCountExtension(t *testing.T) {
	clock := internal.NewManualClock(time.Time{})
	i := NewPERInterceptor(WithClock(clock))
	defer i.Close()

	const ssrc = 0xA1
	reader := &mockRTPReader{packets: [][]byte{makeRTP(ssrc, 5, 1000, 42)}}
	wrapped := i.BindRemoteStream(streamInfo(ssrc, 5), reader)

	buf := make([]byte, 1500)
	n, _, err := wrapped.Read(buf, nil)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	value, ok := i.streams.Load(uint32(ssrc))
	require.True(t, ok)
	state := value.(*streamState)
	assert.Equal(t, v2x.MsgCount(42), state.lastMsgCount)
	assert.Equal(t, uint64(1), state.received)
}

func TestProcessRTP_FallsBackToSequenceNumber(t *testing.T) {
	clock := internal.NewManualClock(time.Time{})
	i := NewPERInterceptor(WithClock(clock))
	defer i.Close()

	const ssrc = 0xA2
	reader := &mockRTPReader{packets: [][]byte{makeRTP(ssrc, 0, 1000, 0)}}
	wrapped := i.BindRemoteStream(streamInfo(ssrc, 0), reader)

	buf := make([]byte, 1500)
	_, _, err := wrapped.Read(buf, nil)
	require.NoError(t, err)

	value, _ := i.streams.Load(uint32(ssrc))
	assert.Equal(t, v2x.MsgCount(1000%128), value.(*streamState).lastMsgCount)
}

func TestProcessRTP_InvalidPacketIgnored(t *testing.T) {
	i := NewPERInterceptor()
	defer i.Close()

	const ssrc = 0xA3
	reader := &mockRTPReader{packets: [][]byte{{0x80}}}
	wrapped := i.BindRemoteStream(streamInfo(ssrc, 0), reader)

	buf := make([]byte, 1500)
	n, _, err := wrapped.Read(buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "reader output is passed through unchanged")

	value, _ := i.streams.Load(uint32(ssrc))
	assert.Equal(t, uint64(0), value.(*streamState).received)
}

func TestPER_TrackedPerStream(t *testing.T) {
	clock := internal.NewManualClock(time.Time{})

	var (
		mu      sync.Mutex
		updates = map[uint32]int{}
	)
	i := NewPERInterceptor(
		WithClock(clock),
		WithOnPER(func(ssrc uint32, _ v2x.PER) {
			mu.Lock()
			updates[ssrc]++
			mu.Unlock()
		}),
	)
	defer i.Close()

	const clean, lossy = 0xB1, 0xB2
	cleanReader := &mockRTPReader{}
	lossyReader := &mockRTPReader{}
	cleanWrapped := i.BindRemoteStream(streamInfo(clean, 3), cleanReader)
	lossyWrapped := i.BindRemoteStream(streamInfo(lossy, 3), lossyReader)

	buf := make([]byte, 1500)
	seq := v2x.MsgCount(0)
	for n := 0; n < 61; n++ {
		cleanReader.packets = append(cleanReader.packets, makeRTP(clean, 3, uint16(n), seq))
		_, _, err := cleanWrapped.Read(buf, nil)
		require.NoError(t, err)

		if n%2 == 0 {
			lossyReader.packets = append(lossyReader.packets, makeRTP(lossy, 3, uint16(n), seq))
			_, _, err := lossyWrapped.Read(buf, nil)
			require.NoError(t, err)
		}

		seq = seq.Next()
		clock.Advance(100 * time.Millisecond)
	}

	per, ok := i.PER(clean)
	require.True(t, ok)
	assert.Equal(t, v2x.PER(0), per)

	per, ok = i.PER(lossy)
	require.True(t, ok)
	assert.InDelta(t, 50, int(per), 2)

	_, ok = i.PER(0xFFFF)
	assert.False(t, ok)

	mu.Lock()
	assert.Equal(t, 6, updates[clean])
	assert.Equal(t, 6, updates[lossy])
	mu.Unlock()
}

func TestReports_OnlyAvailableStreams(t *testing.T) {
	clock := internal.NewManualClock(time.Time{})
	i := NewPERInterceptor(WithClock(clock))
	defer i.Close()

	feed(t, clock, 0xC1, 3, 30, 100*time.Millisecond, nil, func(r *mockRTPReader) interceptor.RTPReader {
		return i.BindRemoteStream(streamInfo(0xC1, 3), r)
	})
	_ = i.BindRemoteStream(streamInfo(0xC2, 3), &mockRTPReader{})

	reports := i.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, uint32(0xC1), reports[0].SSRC)
	assert.Equal(t, v2x.PER(0), reports[0].PER)
	assert.Equal(t, v2x.MsgCount(29), reports[0].LastMsgCount)
	assert.Equal(t, uint64(30), reports[0].Received)
}

func TestUnbindRemoteStream(t *testing.T) {
	i := NewPERInterceptor()
	defer i.Close()

	info := streamInfo(12345, 0)
	_ = i.BindRemoteStream(info, &mockRTPReader{})
	_, ok := i.streams.Load(uint32(12345))
	require.True(t, ok)

	i.UnbindRemoteStream(info)
	_, ok = i.streams.Load(uint32(12345))
	assert.False(t, ok)
}

func TestCleanupInactiveStreams(t *testing.T) {
	clock := internal.NewManualClock(time.Time{})
	i := NewPERInterceptor(WithClock(clock))
	defer i.Close()

	_ = i.BindRemoteStream(streamInfo(1, 0), &mockRTPReader{})
	clock.Advance(time.Second)
	_ = i.BindRemoteStream(streamInfo(2, 0), &mockRTPReader{})

	clock.Advance(4500 * time.Millisecond)
	i.cleanupInactiveStreams(clock.Now())

	_, ok := i.streams.Load(uint32(1))
	assert.False(t, ok, "stream idle for 5.5s is removed")
	_, ok = i.streams.Load(uint32(2))
	assert.True(t, ok, "stream idle for 4.5s is kept")
}

func TestStreamTimeout_CoversPERWindow(t *testing.T) {
	assert.Equal(t, 5*time.Second, NewPERInterceptor().streamTimeout)
	assert.Equal(t, 2*time.Second, NewPERInterceptor(WithSubInterval(100*time.Millisecond)).streamTimeout)
	assert.Equal(t, 10*time.Second, NewPERInterceptor(WithSubInterval(2*time.Second)).streamTimeout)
}

// readMessages delivers msg-counts first, first+1, ... through reader, one
// every interval of clock time.
func readMessages(t *testing.T, clock *internal.ManualClock, reader *mockRTPReader, wrapped interceptor.RTPReader, ssrc uint32, first v2x.MsgCount, count int, interval time.Duration) {
	t.Helper()

	buf := make([]byte, 1500)
	seq := first
	for n := 0; n < count; n++ {
		reader.packets = append(reader.packets, makeRTP(ssrc, 3, uint16(seq), seq))
		_, _, err := wrapped.Read(buf, nil)
		require.NoError(t, err)
		seq = seq.Next()
		clock.Advance(interval)
	}
}

func TestProcessRTP_OutageShorterThanWindowCountsAsLoss(t *testing.T) {
	clock := internal.NewManualClock(time.Time{})
	i := NewPERInterceptor(WithClock(clock))
	defer i.Close()

	const ssrc = 0xA7
	reader := &mockRTPReader{}
	wrapped := i.BindRemoteStream(streamInfo(ssrc, 3), reader)

	// 3 s at 10 Hz, then a 3 s outage that swallows 30 messages.
	readMessages(t, clock, reader, wrapped, ssrc, 0, 30, 100*time.Millisecond)
	clock.Advance(3 * time.Second)
	i.cleanupInactiveStreams(clock.Now())

	_, ok := i.streams.Load(uint32(ssrc))
	require.True(t, ok, "stream idle for less than a PER window is kept")

	readMessages(t, clock, reader, wrapped, ssrc, 60, 50, 100*time.Millisecond)

	per, ok := i.PER(ssrc)
	require.True(t, ok)
	require.True(t, per.Available())
	assert.Greater(t, int(per), 0, "messages lost during the outage count")
}

func TestProcessRTP_ResumesStreamAfterTimeout(t *testing.T) {
	clock := internal.NewManualClock(time.Time{})
	i := NewPERInterceptor(WithClock(clock))
	defer i.Close()

	const ssrc = 0xA8
	reader := &mockRTPReader{}
	wrapped := i.BindRemoteStream(streamInfo(ssrc, 3), reader)

	readMessages(t, clock, reader, wrapped, ssrc, 0, 30, 100*time.Millisecond)
	clock.Advance(10 * time.Second)
	i.cleanupInactiveStreams(clock.Now())

	_, ok := i.PER(ssrc)
	require.False(t, ok, "stream idle for longer than a PER window is dropped")

	readMessages(t, clock, reader, wrapped, ssrc, 5, 30, 100*time.Millisecond)

	per, ok := i.PER(ssrc)
	require.True(t, ok, "bound stream is tracked again once packets resume")
	assert.Equal(t, v2x.PER(0), per)

	reports := i.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, uint64(30), reports[0].Received)
}

func TestProcessRTP_UnboundStreamNotResumed(t *testing.T) {
	clock := internal.NewManualClock(time.Time{})
	i := NewPERInterceptor(WithClock(clock))
	defer i.Close()

	const ssrc = 0xA9
	info := streamInfo(ssrc, 3)
	reader := &mockRTPReader{}
	wrapped := i.BindRemoteStream(info, reader)
	i.UnbindRemoteStream(info)

	readMessages(t, clock, reader, wrapped, ssrc, 0, 10, 100*time.Millisecond)

	_, ok := i.PER(ssrc)
	assert.False(t, ok)
}

func TestMaybeSendReport(t *testing.T) {
	clock := internal.NewManualClock(time.Time{})

	var reported [][]PERReport
	i := NewPERInterceptor(
		WithClock(clock),
		WithSenderSSRC(0xFEED),
		WithOnReport(func(reports []PERReport) {
			reported = append(reported, reports)
		}),
	)
	defer i.Close()

	t.Run("no writer bound", func(t *testing.T) {
		i.maybeSendReport(clock.Now())
		assert.Empty(t, reported)
	})

	writer := &mockRTCPWriter{}
	i.mu.Lock()
	i.rtcpWriter = writer
	i.mu.Unlock()

	t.Run("nothing to report", func(t *testing.T) {
		i.maybeSendReport(clock.Now())
		assert.Empty(t, writer.receiverReports())
	})

	feed(t, clock, 0xD1, 3, 30, 100*time.Millisecond, func(n int) bool { return n%4 == 3 }, func(r *mockRTPReader) interceptor.RTPReader {
		return i.BindRemoteStream(streamInfo(0xD1, 3), r)
	})

	t.Run("sends receiver report", func(t *testing.T) {
		i.maybeSendReport(clock.Now())

		rrs := writer.receiverReports()
		require.Len(t, rrs, 1)
		assert.Equal(t, uint32(0xFEED), rrs[0].SSRC)
		require.Len(t, rrs[0].Reports, 1)

		block := rrs[0].Reports[0]
		assert.Equal(t, uint32(0xD1), block.SSRC)
		per, _ := i.PER(0xD1)
		assert.Equal(t, FractionLostFromPER(per), block.FractionLost)

		require.Len(t, reported, 1)
		assert.Equal(t, per, reported[0][0].PER)
	})

	t.Run("respects interval", func(t *testing.T) {
		i.maybeSendReport(clock.Now())
		assert.Len(t, writer.receiverReports(), 1)

		clock.Advance(time.Second)
		i.maybeSendReport(clock.Now())
		assert.Len(t, writer.receiverReports(), 2)
	})
}

func TestMaybeSendReport_ManyStreams(t *testing.T) {
	clock := internal.NewManualClock(time.Time{})
	i := NewPERInterceptor(WithClock(clock), WithSenderSSRC(0xFEED))
	defer i.Close()

	const streams = 40
	readers := make([]*mockRTPReader, streams)
	wrapped := make([]interceptor.RTPReader, streams)
	for n := range streams {
		readers[n] = &mockRTPReader{}
		wrapped[n] = i.BindRemoteStream(streamInfo(uint32(0x1000+n), 3), readers[n])
	}

	buf := make([]byte, 1500)
	for k := range 20 {
		for n := range streams {
			ssrc := uint32(0x1000 + n)
			readers[n].packets = append(readers[n].packets, makeRTP(ssrc, 3, uint16(k), v2x.MsgCount(k)))
			_, _, err := wrapped[n].Read(buf, nil)
			require.NoError(t, err)
		}
		clock.Advance(100 * time.Millisecond)
	}
	require.Len(t, i.Reports(), streams)

	writer := &mockRTCPWriter{}
	i.mu.Lock()
	i.rtcpWriter = writer
	i.mu.Unlock()

	i.maybeSendReport(clock.Now())

	rrs := writer.receiverReports()
	require.Len(t, rrs, 2)
	assert.Len(t, rrs[0].Reports, 31)
	assert.Len(t, rrs[1].Reports, 9)

	seen := make(map[uint32]bool)
	for _, rr := range rrs {
		assert.Equal(t, uint32(0xFEED), rr.SSRC)
		for _, block := range rr.Reports {
			seen[block.SSRC] = true
		}
	}
	assert.Len(t, seen, streams)

	data, err := rtcp.Marshal([]rtcp.Packet{rrs[0], rrs[1]})
	require.NoError(t, err)
	_, parsed, err := ParsePERReport(data)
	require.NoError(t, err)
	assert.Len(t, parsed, streams)
}

func TestMaybeSendReport_WriteErrorIsLogged(t *testing.T) {
	clock := internal.NewManualClock(time.Time{})
	var buf bytes.Buffer
	lf := &logging.DefaultLoggerFactory{
		Writer:          &buf,
		DefaultLogLevel: logging.LogLevelError,
		ScopeLevels:     map[string]logging.LogLevel{},
	}

	called := false
	i := NewPERInterceptor(
		WithClock(clock),
		WithLoggerFactory(lf),
		WithOnReport(func([]PERReport) { called = true }),
	)
	defer i.Close()

	feed(t, clock, 0xE1, 3, 20, 100*time.Millisecond, nil, func(r *mockRTPReader) interceptor.RTPReader {
		return i.BindRemoteStream(streamInfo(0xE1, 3), r)
	})

	i.mu.Lock()
	i.rtcpWriter = &mockRTCPWriter{err: errors.New("transport closed")}
	i.mu.Unlock()

	i.maybeSendReport(clock.Now())
	assert.Contains(t, buf.String(), "transport closed")
	assert.False(t, called, "callback only fires after a successful write")
}

func TestProcessRTP_WarnsAboveRolloverSafeRate(t *testing.T) {
	clock := internal.NewManualClock(time.Time{})
	var buf bytes.Buffer
	lf := &logging.DefaultLoggerFactory{
		Writer:          &buf,
		DefaultLogLevel: logging.LogLevelWarn,
		ScopeLevels:     map[string]logging.LogLevel{},
	}

	i := NewPERInterceptor(WithClock(clock), WithLoggerFactory(lf))
	defer i.Close()

	// 50 Hz.
	feed(t, clock, 0xF1, 3, 100, 20*time.Millisecond, nil, func(r *mockRTPReader) interceptor.RTPReader {
		return i.BindRemoteStream(streamInfo(0xF1, 3), r)
	})

	out := buf.String()
	assert.Contains(t, out, "exceeds")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("exceeds")), "warned once while the rate stays high")
}

func TestProcessRTP_SafeRateFollowsSubInterval(t *testing.T) {
	tests := []struct {
		name        string
		subInterval time.Duration
		interval    time.Duration
		count       int
		warn        bool
	}{
		{"50 Hz with 200ms slots", 200 * time.Millisecond, 20 * time.Millisecond, 100, false},
		{"10 Hz with 5s slots", 5 * time.Second, 100 * time.Millisecond, 100, true},
		{"10 Hz with 1s slots", time.Second, 100 * time.Millisecond, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := internal.NewManualClock(time.Time{})
			var buf bytes.Buffer
			lf := &logging.DefaultLoggerFactory{
				Writer:          &buf,
				DefaultLogLevel: logging.LogLevelWarn,
				ScopeLevels:     map[string]logging.LogLevel{},
			}

			i := NewPERInterceptor(WithClock(clock), WithLoggerFactory(lf), WithSubInterval(tt.subInterval))
			defer i.Close()

			feed(t, clock, 0xF2, 3, tt.count, tt.interval, nil, func(r *mockRTPReader) interceptor.RTPReader {
				return i.BindRemoteStream(streamInfo(0xF2, 3), r)
			})

			if tt.warn {
				assert.Contains(t, buf.String(), "exceeds 5.1 Hz")
			} else {
				assert.NotContains(t, buf.String(), "exceeds")
			}
		})
	}
}

func TestBindRTCPWriter_StartsReportLoop(t *testing.T) {
	clock := internal.NewManualClock(time.Time{})
	i := NewPERInterceptor(WithClock(clock), WithReportInterval(20*time.Millisecond))
	defer i.Close()

	feed(t, clock, 0x51, 3, 30, 100*time.Millisecond, nil, func(r *mockRTPReader) interceptor.RTPReader {
		return i.BindRemoteStream(streamInfo(0x51, 3), r)
	})

	writer := &mockRTCPWriter{}
	returned := i.BindRTCPWriter(writer)
	assert.Equal(t, writer, returned, "BindRTCPWriter should return the same writer")

	require.Eventually(t, func() bool {
		return len(writer.receiverReports()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	rr := writer.receiverReports()[0]
	require.Len(t, rr.Reports, 1)
	assert.Equal(t, uint8(0), rr.Reports[0].FractionLost)
}

func TestClose(t *testing.T) {
	i := NewPERInterceptor()
	_ = i.BindRemoteStream(streamInfo(1, 0), &mockRTPReader{})
	i.BindRTCPWriter(&mockRTCPWriter{})

	done := make(chan struct{})
	go func() {
		assert.NoError(t, i.Close())
		assert.NoError(t, i.Close(), "Close is idempotent")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop background loops")
	}
}
