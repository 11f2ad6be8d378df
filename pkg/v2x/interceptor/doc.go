// Package interceptor provides a Pion WebRTC interceptor that measures the
// Packet Error Ratio of relayed V2X broadcasts.
//
// A gateway that forwards the safety broadcasts of nearby transmitters over
// RTP sends one stream (SSRC) per transmitter and stamps every packet with
// the broadcast's 7-bit MsgCount. This interceptor tracks PER per stream over
// the five-second sliding window and reports it back in RTCP Receiver
// Reports, where FractionLost carries the PER.
//
// # Quick Start
//
//	api, err := interceptor.NewAPI(
//	    interceptor.WithFactoryReportInterval(time.Second),
//	    interceptor.WithFactoryOnReport(func(reports []interceptor.PERReport) {
//	        for _, r := range reports {
//	            log.Printf("ssrc=%d PER=%s", r.SSRC, r.PER)
//	        }
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//	pc, err := api.NewPeerConnection(webrtc.Configuration{})
//
// # How It Works
//
// 1. When a remote stream is bound (BindRemoteStream), the interceptor looks
// up the negotiated ID of the msg-count header extension (MsgCountURI) and
// creates a PER tracker for the stream.
//
// 2. For each incoming RTP packet, the MsgCount is read from the extension,
// or from the low 7 bits of the RTP sequence number when the extension was
// not negotiated, and recorded with the arrival time.
//
// 3. When the RTCP writer is bound (BindRTCPWriter), a background goroutine
// sends Receiver Reports at the configured interval, and immediately when
// the worst stream's PER jumps by the scheduler's IncreaseThreshold.
//
// 4. Streams silent for a full PER window (at least 2 seconds) are removed.
// A stream that is still bound starts a new window when its packets resume.
//
// More than 31 streams are reported in several Receiver Reports written
// together.
//
// # Rate limit
//
// PER is only meaningful while a transmitter sends at most 128 messages per
// PER window: 25.6 messages per second with 1 second sub-intervals
// (v2x.RolloverSafeRateFor). Faster streams are logged at warn level.
package interceptor
