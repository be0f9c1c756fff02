package codecpipe

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcmedia/state"
)

// Depacketizer reassembles one codec's datagram payload stream back into
// access units, running on its own worker. Grounded on
// av/video/rtp.go's RTPDepacketizer, rewritten around the spec's
// post-reorder contract: every sequence number in the stream arrives
// exactly once, either as real payload or flagged Lost, so there is no
// need to separately detect sequence gaps — a Lost entry (or a
// mid-unit timestamp change) is the only discontinuity signal.
type Depacketizer struct {
	codecID string

	in  chan InboundFragment
	out chan Chunk

	dropped    atomic.Uint64
	lossEvents atomic.Uint64

	assembling    bool
	waitForStart  bool
	unitTimestamp uint32
	keyframe      bool
	buf           []byte
}

// NewDepacketizer creates a depacketizer for codecID with the given
// channel depths (0 uses defaultQueueSize).
func NewDepacketizer(codecID string, inSize, outSize int) *Depacketizer {
	if inSize <= 0 {
		inSize = defaultQueueSize
	}
	if outSize <= 0 {
		outSize = defaultQueueSize
	}
	return &Depacketizer{
		codecID: codecID,
		in:      make(chan InboundFragment, inSize),
		out:     make(chan Chunk, outSize),
	}
}

// Input is the channel the coordinator enqueues post-reorder fragments on.
func (d *Depacketizer) Input() chan InboundFragment { return d.in }

// Output is the channel the coordinator drains reassembled chunks from.
func (d *Depacketizer) Output() <-chan Chunk { return d.out }

// Dropped returns the count of chunks dropped due to output back-pressure.
func (d *Depacketizer) Dropped() uint64 { return d.dropped.Load() }

// LossEvents returns the count of in-progress units discarded due to a
// sequence discontinuity.
func (d *Depacketizer) LossEvents() uint64 { return d.lossEvents.Load() }

// Run consumes inbound fragments until ctx is cancelled or its input
// channel is closed.
func (d *Depacketizer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fr, ok := <-d.in:
			if !ok {
				return nil
			}
			if chunk := d.process(fr); chunk != nil {
				d.publish(*chunk)
			}
		}
	}
}

// process feeds one inbound fragment through the reassembly state
// machine, returning a completed chunk if this fragment finished one.
func (d *Depacketizer) process(fr InboundFragment) *Chunk {
	if fr.Lost {
		d.onDiscontinuity()
		return nil
	}

	start, end, keyframe, data, err := parseFragment(fr.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Depacketizer.process",
			"codec":    d.codecID,
			"error":    err,
		}).Warn("dropping malformed fragment")
		return nil
	}

	if d.waitForStart {
		if !start {
			return nil
		}
		d.waitForStart = false
	}

	if start {
		if d.assembling {
			// A new unit began before the previous one ended: resynchronize
			// immediately instead of waiting for a gap to surface later.
			d.lossEvents.Add(1)
		}
		d.reset()
		d.assembling = true
		d.unitTimestamp = fr.Timestamp
		d.keyframe = keyframe
	}

	if !d.assembling {
		return nil
	}

	if fr.Timestamp != d.unitTimestamp {
		// A continuation fragment that doesn't belong to the unit in
		// progress: resynchronize and wait for the next start.
		d.onDiscontinuity()
		return nil
	}

	d.buf = append(d.buf, data...)

	if end || fr.Marker {
		unit := AccessUnit{Timestamp: d.unitTimestamp, Keyframe: d.keyframe, Data: d.buf}
		d.reset()
		return &Chunk{CodecID: d.codecID, Unit: unit}
	}
	return nil
}

// onDiscontinuity discards any in-progress unit and resynchronizes at
// the next start fragment (spec 4.2 "the depacketizer resynchronizes at
// the next start fragment").
func (d *Depacketizer) onDiscontinuity() {
	if d.assembling {
		d.lossEvents.Add(1)
	}
	d.reset()
	d.waitForStart = true
}

func (d *Depacketizer) reset() {
	d.assembling = false
	d.unitTimestamp = 0
	d.keyframe = false
	d.buf = nil
}

func (d *Depacketizer) publish(c Chunk) {
	state.DropOldestSend(d.out, c, &d.dropped)
}
