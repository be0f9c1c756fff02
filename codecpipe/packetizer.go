package codecpipe

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcmedia/state"
)

// Packetizer fragments access units of one codec into an ordered stream
// of datagram payloads, running on its own worker (spec 4.2 "Worker
// model"). Grounded on av/video/rtp.go's RTPPacketizer, generalized into
// a channel-driven worker instead of a call-and-return API.
type Packetizer struct {
	codecID       string
	payloadBudget int

	in  chan AccessUnit
	out chan Fragment

	dropped atomic.Uint64
}

// NewPacketizer creates a packetizer for codecID with the given payload
// budget and channel depths (0 uses defaultQueueSize).
func NewPacketizer(codecID string, payloadBudget, inSize, outSize int) *Packetizer {
	if payloadBudget <= 0 {
		payloadBudget = DefaultPayloadBudget
	}
	if inSize <= 0 {
		inSize = defaultQueueSize
	}
	if outSize <= 0 {
		outSize = defaultQueueSize
	}
	return &Packetizer{
		codecID:       codecID,
		payloadBudget: payloadBudget,
		in:            make(chan AccessUnit, inSize),
		out:           make(chan Fragment, outSize),
	}
}

// Input is the channel the coordinator enqueues encoded access units on.
func (p *Packetizer) Input() chan AccessUnit { return p.in }

// Output is the channel the coordinator drains datagram payloads from.
func (p *Packetizer) Output() <-chan Fragment { return p.out }

// Dropped returns the count of fragments dropped due to output
// back-pressure.
func (p *Packetizer) Dropped() uint64 { return p.dropped.Load() }

// Run consumes access units until ctx is cancelled or its input channel
// is closed, fragmenting each one and publishing fragments without ever
// blocking the producer: on output overflow the oldest queued fragment
// is dropped (spec 4.2 "it never blocks the Coordinator").
func (p *Packetizer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case unit, ok := <-p.in:
			if !ok {
				return nil
			}
			frags, err := fragmentUnit(unit, p.payloadBudget)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Packetizer.Run",
					"codec":    p.codecID,
					"error":    err,
				}).Warn("dropping unfragmentable access unit")
				continue
			}
			for _, f := range frags {
				p.publish(f)
			}
		}
	}
}

func (p *Packetizer) publish(f Fragment) {
	state.DropOldestSend(p.out, f, &p.dropped)
}
