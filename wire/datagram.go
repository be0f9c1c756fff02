// Package wire implements the media datagram wire format (§3, §6) and the
// control-datagram report codecs (§4.1), built on github.com/pion/rtp and
// github.com/pion/rtcp the way av/rtp/packet.go uses pion/rtp directly
// rather than hand-rolling a header parser.
package wire

import (
	"fmt"

	"github.com/pion/rtp"
)

// Datagram is one media wire-format record: SSRC, payload type, sequence
// number, media timestamp, marker bit, and opaque payload (spec §3 "Media
// Datagram"). Sequence and timestamp are assigned by the sender's outbound
// stream and preserved verbatim on the wire.
type Datagram struct {
	SSRC        uint32
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	Marker      bool
	Payload     []byte
}

// Marshal serializes the datagram to its wire representation using the
// standard 12-byte RTP-style header (spec §6).
func (d Datagram) Marshal() ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         d.Marker,
			PayloadType:    d.PayloadType,
			SequenceNumber: d.Sequence,
			Timestamp:      d.Timestamp,
			SSRC:           d.SSRC,
		},
		Payload: d.Payload,
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal datagram: %w", err)
	}
	return buf, nil
}

// Unmarshal parses a wire-format media datagram. Malformed input is a
// Protocol-class error per spec §7 and must be dropped by the caller, not
// retried.
func Unmarshal(buf []byte) (Datagram, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return Datagram{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Datagram{
		SSRC:        pkt.SSRC,
		PayloadType: pkt.PayloadType,
		Sequence:    pkt.SequenceNumber,
		Timestamp:   pkt.Timestamp,
		Marker:      pkt.Marker,
		Payload:     pkt.Payload,
	}, nil
}
