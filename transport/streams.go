package transport

import (
	"sync"
	"time"

	"github.com/opd-ai/rtcmedia/wire"
)

// InboundStream holds per-SSRC receive-side bookkeeping (spec §3 "Inbound
// Stream"): the reorder buffer, highest sequence observed, base
// anchor, and cumulative statistics. Grounded on av/rtp/session.go's
// Statistics struct, generalized to the spec's full field set.
type InboundStream struct {
	SSRC uint32

	buffer  *reorderBuffer
	jitter  wire.JitterEstimator

	created time.Time

	Received   uint64
	Lost       uint64
	LastSRTime uint32 // middle 32 bits of last sender report's NTP time, 0 if none
	LastSRRecv time.Time
}

// OutboundStream holds per-SSRC send-side bookkeeping plus the most
// recent reception-quality metrics reported back by the remote peer
// (spec §3 "Outbound Stream").
//
// NextDatagram is called from the Coordinator's own fan-out goroutine,
// while send-state fields (sequence/timestamp/packet and octet counts)
// are read back by the Transport Endpoint's independent RTCP goroutine
// when building sender reports. The two fields groups therefore need
// their own mutex: send-state is guarded by mu below, while the
// reception-quality fields are only ever touched by the Endpoint itself
// under its own lock and stay plain fields.
type OutboundStream struct {
	SSRC        uint32
	PayloadType uint8

	mu          sync.Mutex
	nextSeq     uint16
	nextTS      uint32
	packetsSent uint64
	octetsSent  uint64
	lastSRSent  uint32 // middle 32 bits of the NTP time on our own last SR

	FractionLost   uint8
	CumulativeLost uint32
	HighestSeq     uint32
	RemoteJitter   uint32
	RTT            time.Duration
	HaveRTT        bool
}

// NewOutboundStream creates outbound bookkeeping for a freshly started
// session stream (spec §3 "created at session start").
func NewOutboundStream(ssrc uint32, payloadType uint8) *OutboundStream {
	return &OutboundStream{SSRC: ssrc, PayloadType: payloadType}
}

// NextDatagram assigns the next sequence number and returns a datagram
// carrying the given timestamp, marker and payload. Spec §3:
// "the packetizer fragments one access unit into one or more datagrams
// that share a timestamp; the marker bit is set on the last datagram".
func (o *OutboundStream) NextDatagram(timestamp uint32, marker bool, payload []byte) wire.Datagram {
	o.mu.Lock()
	defer o.mu.Unlock()

	d := wire.Datagram{
		SSRC:        o.SSRC,
		PayloadType: o.PayloadType,
		Sequence:    o.nextSeq,
		Timestamp:   timestamp,
		Marker:      marker,
		Payload:     payload,
	}
	o.nextSeq++
	o.nextTS = timestamp
	o.packetsSent++
	o.octetsSent += uint64(len(payload))
	return d
}

// SendState returns the most recent timestamp and cumulative packet/octet
// counts, for use by the Endpoint's sender-report builder.
func (o *OutboundStream) SendState() (lastTS uint32, packetsSent, octetsSent uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextTS, o.packetsSent, o.octetsSent
}

// SetLastSRSent records the middle 32 bits of the NTP time on the sender
// report this endpoint just transmitted. The RTT estimate is computed from
// the last-SR value the peer echoes in its receiver report; this stored
// value is not read for it.
func (o *OutboundStream) SetLastSRSent(middle uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastSRSent = middle
}
