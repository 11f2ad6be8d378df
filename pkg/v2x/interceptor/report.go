package interceptor

import (
	"errors"
	"fmt"
	"math"

	"github.com/pion/rtcp"

	"github.com/thesyncim/v2x/pkg/v2x"
)

// maxReportBlocks is the number of reception report blocks one Receiver
// Report can carry (5-bit report count).
const maxReportBlocks = 31

// ErrNoReports is returned by ParsePERReport when the compound packet holds
// no Receiver Report.
var ErrNoReports = errors.New("no receiver report in packet")

// PERReport is the PER of one remote transmitter as carried in RTCP.
type PERReport struct {
	// SSRC identifies the transmitter's relayed stream.
	SSRC uint32

	// PER is the most recent windowed Packet Error Ratio.
	PER v2x.PER

	// LastMsgCount is the counter of the newest message received.
	LastMsgCount v2x.MsgCount

	// Received counts messages seen on the stream. It is not transmitted.
	Received uint64
}

// FractionLostFromPER scales a PER percentage to the 8-bit RTCP fraction
// lost field (loss * 256), rounding half away from zero and saturating at
// 255.
func FractionLostFromPER(per v2x.PER) uint8 {
	if !per.Available() {
		return 0
	}
	return uint8(math.Min(math.Round(float64(per)*256/100), math.MaxUint8))
}

// PERFromFractionLost inverts FractionLostFromPER. Every PER in 0..100
// survives the round trip.
func PERFromFractionLost(fractionLost uint8) v2x.PER {
	return v2x.PER(math.Min(math.Round(float64(fractionLost)*100/256), 100))
}

// newReceiverReports builds the RTCP packets carrying reports, one Receiver
// Report per maxReportBlocks transmitters. No reports yield a single empty
// Receiver Report.
func newReceiverReports(senderSSRC uint32, reports []PERReport) []rtcp.Packet {
	pkts := make([]rtcp.Packet, 0, len(reports)/maxReportBlocks+1)
	for {
		n := min(len(reports), maxReportBlocks)
		rr := &rtcp.ReceiverReport{
			SSRC:    senderSSRC,
			Reports: make([]rtcp.ReceptionReport, 0, n),
		}
		for _, r := range reports[:n] {
			rr.Reports = append(rr.Reports, rtcp.ReceptionReport{
				SSRC:               r.SSRC,
				FractionLost:       FractionLostFromPER(r.PER),
				LastSequenceNumber: uint32(r.LastMsgCount),
			})
		}
		pkts = append(pkts, rr)

		reports = reports[n:]
		if len(reports) == 0 {
			return pkts
		}
	}
}

// BuildPERReport creates a compound RTCP packet with one reception report
// block per transmitter and returns the marshaled bytes. Reports beyond 31
// spill into further Receiver Reports from the same sender.
//
// Parameters:
//   - senderSSRC: SSRC of this RTCP packet sender (the receiving endpoint)
//   - reports: PER per transmitter
func BuildPERReport(senderSSRC uint32, reports []PERReport) ([]byte, error) {
	data, err := rtcp.Marshal(newReceiverReports(senderSSRC, reports))
	if err != nil {
		return nil, fmt.Errorf("marshal PER report: %w", err)
	}
	return data, nil
}

// ParsePERReport decodes the Receiver Reports of a compound RTCP packet. The
// sender is taken from the first Receiver Report, and the blocks of every
// Receiver Report from that sender are returned in order.
// Useful for senders adapting their broadcast and for tests.
func ParsePERReport(data []byte) (senderSSRC uint32, reports []PERReport, err error) {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return 0, nil, fmt.Errorf("unmarshal PER report: %w", err)
	}

	found := false
	for _, pkt := range pkts {
		rr, ok := pkt.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		if !found {
			found = true
			senderSSRC = rr.SSRC
			reports = make([]PERReport, 0, len(rr.Reports))
		} else if rr.SSRC != senderSSRC {
			continue
		}
		for _, block := range rr.Reports {
			reports = append(reports, PERReport{
				SSRC:         block.SSRC,
				PER:          PERFromFractionLost(block.FractionLost),
				LastMsgCount: v2x.MsgCount(block.LastSequenceNumber & msgCountMask),
			})
		}
	}
	if !found {
		return 0, nil, ErrNoReports
	}
	return senderSSRC, reports, nil
}
