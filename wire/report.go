package wire

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"
)

// ReportBlock is one reception-quality summary for a single SSRC, carried
// inside a receiver report (spec §3 "Outbound Stream", §6 "report block").
type ReportBlock struct {
	SSRC               uint32
	FractionLost       uint8 // numerator over 256, per spec §8 scenario 5
	CumulativeLost     uint32
	HighestSeq         uint32
	Jitter             uint32
	LastSenderReport   uint32 // middle 32 bits of the NTP timestamp from the peer's last SR
	DelaySinceLastSR   uint32 // in units of 1/65536 second
}

// BuildReceiverReport constructs a wire-ready receiver report summarizing
// one or more inbound streams, per spec §4.1 "periodically ... synthesizes
// and sends a receiver report summarizing each inbound stream". Grounded
// on livekit-livekit's pkg/sfu/buffer.go buildReceptionReport, rebuilt here
// on top of github.com/pion/rtcp's typed ReceptionReport/ReceiverReport
// (the teacher lists pion/rtcp only as an indirect dependency; this is the
// concrete home promoting it to direct use).
func BuildReceiverReport(reporterSSRC uint32, blocks []ReportBlock) ([]byte, error) {
	reports := make([]rtcp.ReceptionReport, 0, len(blocks))
	for _, b := range blocks {
		reports = append(reports, rtcp.ReceptionReport{
			SSRC:               b.SSRC,
			FractionLost:       b.FractionLost,
			TotalLost:          b.CumulativeLost,
			LastSequenceNumber: b.HighestSeq,
			Jitter:             b.Jitter,
			LastSenderReport:   b.LastSenderReport,
			Delay:              b.DelaySinceLastSR,
		})
	}

	rr := &rtcp.ReceiverReport{
		SSRC:    reporterSSRC,
		Reports: reports,
	}

	buf, err := rr.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal receiver report: %w", err)
	}
	return buf, nil
}

// BuildSenderReport constructs a sender report for an outbound stream,
// carrying the NTP/RTP timestamp pair peers use to compute round-trip
// time off a subsequent receiver report's LastSenderReport/Delay fields.
func BuildSenderReport(ssrc uint32, ntpTime uint64, rtpTime uint32, packetCount, octetCount uint32) ([]byte, error) {
	sr := &rtcp.SenderReport{
		SSRC:        ssrc,
		NTPTime:     ntpTime,
		RTPTime:     rtpTime,
		PacketCount: packetCount,
		OctetCount:  octetCount,
	}
	buf, err := sr.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sender report: %w", err)
	}
	return buf, nil
}

// ParseControlPacket unmarshals an inbound control datagram into one or
// more RTCP-style packets. Malformed input is a Protocol-class error.
func ParseControlPacket(buf []byte) ([]rtcp.Packet, error) {
	pkts, err := rtcp.Unmarshal(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return pkts, nil
}

// NTPNow returns the current time as a 64-bit NTP timestamp (seconds since
// 1900 in the high 32 bits, fractional seconds in the low 32 bits), the
// format sender reports carry and receiver reports echo back truncated to
// their middle 32 bits.
func NTPNow() uint64 {
	return ToNTP(time.Now())
}

const ntpEpochOffset = 2208988800 // seconds between 1900-01-01 and 1970-01-01

// ToNTP converts a wall-clock time to a 64-bit NTP timestamp.
func ToNTP(t time.Time) uint64 {
	secs := uint64(t.Unix()+ntpEpochOffset) << 32
	frac := uint64(float64(t.Nanosecond()) * (1 << 32) / 1e9)
	return secs | frac
}

// MiddleBits extracts the middle 32 bits of a 64-bit NTP timestamp, the
// form carried as ReceptionReport.LastSenderReport (spec §6).
func MiddleBits(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

// ComputeRTT implements spec §4.1's round-trip time formula:
//
//	rtt = now_in_1/65536s − last_sender_report_timestamp − delay_since_last_sr
//
// lastSR and dlsr are both in the report's native units (lastSR: middle 32
// bits of an NTP timestamp; dlsr: 1/65536 second ticks). now must be the
// current instant. Returns (0, false) if lastSR is zero, meaning no prior
// sender-report echo exists yet (spec: "else left undefined").
func ComputeRTT(now time.Time, lastSR, dlsr uint32) (time.Duration, bool) {
	if lastSR == 0 {
		return 0, false
	}

	nowCompact := MiddleBits(ToNTP(now))
	deltaTicks := int64(nowCompact) - int64(lastSR) - int64(dlsr)
	seconds := float64(deltaTicks) / 65536.0
	return time.Duration(seconds * float64(time.Second)), true
}
