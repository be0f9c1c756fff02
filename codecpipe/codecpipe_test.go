package codecpipe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toInbound(seq uint32, f Fragment) InboundFragment {
	return InboundFragment{
		Sequence:  seq,
		Timestamp: f.Timestamp,
		Marker:    f.Marker,
		Payload:   f.Payload,
	}
}

func TestFragmentUnitRoundTrip(t *testing.T) {
	unit := AccessUnit{
		Timestamp: 12345,
		Keyframe:  true,
		Data:      bytes.Repeat([]byte{0xAB}, 3*DefaultPayloadBudget+17),
	}

	frags, err := fragmentUnit(unit, DefaultPayloadBudget)
	require.NoError(t, err)
	require.True(t, len(frags) > 1)

	d := NewDepacketizer("vp8", 0, 0)
	var got *Chunk
	for i, f := range frags {
		c := d.process(toInbound(uint32(i), f))
		if c != nil {
			got = c
		}
	}

	require.NotNil(t, got)
	assert.Equal(t, unit.Timestamp, got.Unit.Timestamp)
	assert.True(t, got.Unit.Keyframe)
	assert.Equal(t, unit.Data, got.Unit.Data)
	assert.Equal(t, "vp8", got.CodecID)
}

func TestFragmentUnitRoundTripSingleFragment(t *testing.T) {
	unit := AccessUnit{Timestamp: 7, Keyframe: false, Data: []byte("hello")}

	frags, err := fragmentUnit(unit, DefaultPayloadBudget)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.True(t, frags[0].Marker)

	d := NewDepacketizer("vp8", 0, 0)
	c := d.process(toInbound(0, frags[0]))
	require.NotNil(t, c)
	assert.Equal(t, unit.Data, c.Unit.Data)
	assert.False(t, c.Unit.Keyframe)
}

func TestFragmentUnitEmptyPayload(t *testing.T) {
	unit := AccessUnit{Timestamp: 1, Keyframe: false, Data: nil}

	frags, err := fragmentUnit(unit, DefaultPayloadBudget)
	require.NoError(t, err)
	require.Len(t, frags, 1)

	d := NewDepacketizer("vp8", 0, 0)
	c := d.process(toInbound(0, frags[0]))
	require.NotNil(t, c)
	assert.Empty(t, c.Unit.Data)
}

func TestFragmentUnitBudgetTooSmall(t *testing.T) {
	_, err := fragmentUnit(AccessUnit{Data: []byte("x")}, 1)
	assert.Error(t, err)
}

// TestDepacketizerLossMidUnitDiscontinuity exercises a Lost fragment
// arriving mid-assembly: the in-progress unit must be discarded and a
// loss event recorded, with no chunk produced from the stale bytes.
func TestDepacketizerLossMidUnitDiscontinuity(t *testing.T) {
	unit := AccessUnit{Timestamp: 99, Keyframe: true, Data: bytes.Repeat([]byte{0x01}, 3000)}
	frags, err := fragmentUnit(unit, 500)
	require.NoError(t, err)
	require.True(t, len(frags) >= 3)

	d := NewDepacketizer("vp8", 0, 0)

	c := d.process(toInbound(0, frags[0]))
	assert.Nil(t, c)

	lost := d.process(InboundFragment{Sequence: 1, Lost: true})
	assert.Nil(t, lost)
	assert.Equal(t, uint64(1), d.LossEvents())

	// Remaining fragments of the abandoned unit must not complete a chunk.
	for i := 2; i < len(frags); i++ {
		c := d.process(toInbound(uint32(i), frags[i]))
		assert.Nil(t, c)
	}
}

// TestDepacketizerResyncsOnNextStart verifies that after a discontinuity,
// the depacketizer waits for the next start fragment and then correctly
// reassembles that next unit.
func TestDepacketizerResyncsOnNextStart(t *testing.T) {
	first := AccessUnit{Timestamp: 1, Keyframe: true, Data: bytes.Repeat([]byte{0xAA}, 2000)}
	second := AccessUnit{Timestamp: 2, Keyframe: false, Data: []byte("next unit payload")}

	firstFrags, err := fragmentUnit(first, 500)
	require.NoError(t, err)
	secondFrags, err := fragmentUnit(second, 500)
	require.NoError(t, err)

	d := NewDepacketizer("vp8", 0, 0)

	seq := uint32(0)
	// Only the first fragment of the first unit arrives, then it's lost.
	_ = d.process(toInbound(seq, firstFrags[0]))
	seq++
	d.process(InboundFragment{Sequence: seq, Lost: true})
	seq++

	// A continuation fragment of the abandoned unit (not a start) must be
	// dropped silently while waiting for the next start.
	if len(firstFrags) > 2 {
		c := d.process(toInbound(seq, firstFrags[2]))
		assert.Nil(t, c)
		seq++
	}

	var got *Chunk
	for _, f := range secondFrags {
		c := d.process(toInbound(seq, f))
		seq++
		if c != nil {
			got = c
		}
	}

	require.NotNil(t, got)
	assert.Equal(t, second.Data, got.Unit.Data)
	assert.Equal(t, second.Timestamp, got.Unit.Timestamp)
}

// TestDepacketizerMidUnitTimestampChangeResyncsImmediately covers the case
// where a new unit's start fragment arrives before the previous unit ended,
// with no explicit Lost fragment in between: the depacketizer must flush
// the stale unit immediately and begin assembling the new one from that
// very fragment, rather than waiting for a later start.
func TestDepacketizerMidUnitTimestampChangeResyncsImmediately(t *testing.T) {
	stale := AccessUnit{Timestamp: 10, Keyframe: true, Data: bytes.Repeat([]byte{0x02}, 2000)}
	fresh := AccessUnit{Timestamp: 20, Keyframe: false, Data: []byte("fresh unit")}

	staleFrags, err := fragmentUnit(stale, 500)
	require.NoError(t, err)
	freshFrags, err := fragmentUnit(fresh, 500)
	require.NoError(t, err)
	require.True(t, len(staleFrags) >= 2)

	d := NewDepacketizer("vp8", 0, 0)

	// Start assembling the stale unit, but never finish it.
	assert.Nil(t, d.process(toInbound(0, staleFrags[0])))

	// The fresh unit's start fragment arrives directly, no Lost marker.
	var got *Chunk
	for i, f := range freshFrags {
		c := d.process(toInbound(uint32(10+i), f))
		if c != nil {
			got = c
		}
	}

	require.NotNil(t, got)
	assert.Equal(t, fresh.Data, got.Unit.Data)
	assert.Equal(t, uint64(1), d.LossEvents())
}

func TestPacketizerDropsOldestOnBackpressure(t *testing.T) {
	p := NewPacketizer("vp8", DefaultPayloadBudget, 1, 2)

	small := func(ts uint32) Fragment {
		return Fragment{Timestamp: ts, Marker: true, Payload: []byte{descStart | descEnd}}
	}

	p.publish(small(1))
	p.publish(small(2))
	p.publish(small(3))

	assert.Equal(t, uint64(1), p.Dropped())

	out := p.Output()
	first := <-out
	second := <-out
	assert.Equal(t, uint32(2), first.Timestamp)
	assert.Equal(t, uint32(3), second.Timestamp)
}

func TestDepacketizerDropsOldestOnBackpressure(t *testing.T) {
	d := NewDepacketizer("vp8", 1, 2)

	d.publish(Chunk{CodecID: "vp8", Unit: AccessUnit{Timestamp: 1}})
	d.publish(Chunk{CodecID: "vp8", Unit: AccessUnit{Timestamp: 2}})
	d.publish(Chunk{CodecID: "vp8", Unit: AccessUnit{Timestamp: 3}})

	assert.Equal(t, uint64(1), d.Dropped())

	out := d.Output()
	first := <-out
	second := <-out
	assert.Equal(t, uint32(2), first.Unit.Timestamp)
	assert.Equal(t, uint32(3), second.Unit.Timestamp)
}

func TestParseFragmentEmptyPayload(t *testing.T) {
	_, _, _, _, err := parseFragment(nil)
	assert.Error(t, err)
}
