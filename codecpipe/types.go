// Package codecpipe implements the (de)packetizer workers that convert
// codec access units to and from wire-sized datagram payloads for a
// single codec/payload type (spec "Packetizer / Depacketizer Workers").
package codecpipe

// AccessUnit is a codec-level payload boundary: one picture's worth of
// compressed video, or one logical frame for a generic codec.
type AccessUnit struct {
	Timestamp uint32
	Keyframe  bool
	Data      []byte
}

// Chunk is the output of a depacketizer: exactly one reassembled access
// unit plus the codec identifier it belongs to. Chunks never carry a
// payload-type field; that knowledge stops at the coordinator.
type Chunk struct {
	CodecID string
	Unit    AccessUnit
}

// Fragment is one datagram payload produced by a packetizer for a single
// access unit. Marker is set on the last fragment of the unit and is
// mirrored onto the transport datagram's marker bit by the coordinator.
type Fragment struct {
	Timestamp uint32
	Marker    bool
	Payload   []byte
}

// InboundFragment is one post-reorder datagram payload handed to a
// depacketizer by the coordinator. Lost is set when the transport's
// reorder buffer released this sequence slot as a loss rather than real
// data; Payload is empty in that case.
type InboundFragment struct {
	Sequence  uint32
	Timestamp uint32
	Marker    bool
	Payload   []byte
	Lost      bool
}

// DefaultPayloadBudget is the default maximum fragment payload size
// (MTU-overhead budget), matching the transport endpoint's own framing
// overhead assumptions.
const DefaultPayloadBudget = 1200

// defaultQueueSize is the bounded channel depth used by packetizer and
// depacketizer workers unless the caller overrides it.
const defaultQueueSize = 64
