package coordinator

import "errors"

// ErrUnknownPayloadType names the case of an inbound datagram whose payload
// type has no registered depacketizer (spec §4.3 "unknown pt on inbound").
// OnIncomingDatagram does not return it; it counts the drop instead
// (UnknownPayloadTypeDrops).
var ErrUnknownPayloadType = errors.New("coordinator: unknown payload type")

// ErrUnknownCodec names the case of an encoded unit for a codec with no
// registered packetizer (spec §4.3 "missing packetizer for codec on
// outbound ... a configuration error, not a transient one"). OnEncodedUnit
// does not return it; it logs and counts the drop (UnknownCodecDrops).
var ErrUnknownCodec = errors.New("coordinator: unknown codec")
