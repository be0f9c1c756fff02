// Package mediaagent implements the Media Agent (spec §4.4): it owns the
// capture ingress worker plus one encoder/decoder worker pair per active
// codec, bridging raw frames and decoded frames to the Coordinator. It
// never sees payload types or SSRCs — only codec identifiers and access
// units/chunks. Grounded on av/manager.go's Manager (owning struct,
// callback fields, Run Flag style state gate) and av/video/processor.go's
// encoder/decoder interface shape.
package mediaagent

import (
	"time"

	"github.com/opd-ai/rtcmedia/codecpipe"
)

// RawFrame is one captured frame tagged with the wall-clock time it was
// read, per spec §4.4 "enqueues raw frames tagged with a wall-clock
// timestamp".
type RawFrame struct {
	CapturedAt time.Time
	Data       []byte
}

// DecodedFrame is one decoder output ready for the render sink.
type DecodedFrame struct {
	Timestamp uint32
	Data      []byte
}

// CaptureSource abstracts the camera/microphone reader, grounded on the
// teacher's interface-based device abstraction (av/manager.go's
// TransportInterface pattern, applied here to capture instead of
// signaling).
type CaptureSource interface {
	Capture() ([]byte, error)
}

// Encoder converts a raw frame into one encoded access unit.
// forceKeyframe is set on the first frame after a transition into
// Running and on an explicit picture-loss-indication (spec §4.4).
type Encoder interface {
	Encode(frame RawFrame, forceKeyframe bool) (codecpipe.AccessUnit, error)
}

// Decoder converts one reassembled chunk into a decoded frame.
type Decoder interface {
	Decode(chunk codecpipe.Chunk) (DecodedFrame, error)
}
