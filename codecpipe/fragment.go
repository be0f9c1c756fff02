package codecpipe

import "fmt"

// Fragment descriptor byte, prepended to every fragment payload. Modeled
// on the teacher's VP8 payload descriptor (X|N|S bits), reduced to the
// three bits this pipeline actually needs.
const (
	descStart byte = 0x80
	descEnd   byte = 0x40
	descKey   byte = 0x20
)

// fragmentUnit splits an access unit's data into an ordered list of
// fragment payloads, each within budget bytes including the one-byte
// descriptor header. The first fragment carries descStart (and descKey
// when the unit is a keyframe); the last carries descEnd and has Marker
// set, which the coordinator copies onto the transport marker bit (spec
// 4.2 "the last datagram of the unit sets the transport marker bit").
func fragmentUnit(unit AccessUnit, budget int) ([]Fragment, error) {
	if budget <= 1 {
		return nil, fmt.Errorf("codecpipe: payload budget too small: %d", budget)
	}
	maxChunk := budget - 1

	if len(unit.Data) == 0 {
		return []Fragment{{
			Timestamp: unit.Timestamp,
			Marker:    true,
			Payload:   []byte{descStart | descEnd | keyBit(unit.Keyframe)},
		}}, nil
	}

	n := (len(unit.Data) + maxChunk - 1) / maxChunk
	frags := make([]Fragment, n)
	for i := 0; i < n; i++ {
		start := i * maxChunk
		end := start + maxChunk
		if end > len(unit.Data) {
			end = len(unit.Data)
		}

		desc := byte(0)
		if i == 0 {
			desc |= descStart | keyBit(unit.Keyframe)
		}
		last := i == n-1
		if last {
			desc |= descEnd
		}

		payload := make([]byte, 1+(end-start))
		payload[0] = desc
		copy(payload[1:], unit.Data[start:end])

		frags[i] = Fragment{
			Timestamp: unit.Timestamp,
			Marker:    last,
			Payload:   payload,
		}
	}
	return frags, nil
}

func keyBit(keyframe bool) byte {
	if keyframe {
		return descKey
	}
	return 0
}

// parseFragment splits a fragment payload into its descriptor bits and
// data slice.
func parseFragment(payload []byte) (start, end, keyframe bool, data []byte, err error) {
	if len(payload) < 1 {
		return false, false, false, nil, fmt.Errorf("codecpipe: empty fragment payload")
	}
	desc := payload[0]
	return desc&descStart != 0, desc&descEnd != 0, desc&descKey != 0, payload[1:], nil
}
