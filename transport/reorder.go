package transport

import (
	"time"

	"github.com/gammazero/deque"

	"github.com/opd-ai/rtcmedia/state"
	"github.com/opd-ai/rtcmedia/wire"
)

// ReorderWindow is the default power-of-two reorder buffer size (spec
// §4.1 "W is a power-of-two window, default 64").
const ReorderWindow = 64

// MaxHold is the default deadline applied to a buffered slot before it is
// released as lost (spec §4.1 "default 40 ms").
const MaxHold = 40 * time.Millisecond

// ReleasedDatagram is one datagram (or a loss marker) emitted by the
// reorder buffer's release pass, in ascending sequence order.
type ReleasedDatagram struct {
	Sequence uint32 // extended sequence (unwrapped)
	Datagram wire.Datagram
	Lost     bool
}

type slot struct {
	filled   bool
	deadline time.Time
	dgram    wire.Datagram
}

// reorderBuffer absorbs out-of-order arrivals for one inbound stream (one
// SSRC), indexed by seq mod W with a deadline per slot, per spec §4.1
// "Receive path". Grounded on av/rtp/session.go's per-stream state
// container pattern, generalized from a simple jitter buffer into a real
// windowed reorder buffer; the release-pass queue uses
// github.com/gammazero/deque (adopted from livekit-livekit's bounded-queue
// usage) to accumulate one release pass's output without reallocating.
type reorderBuffer struct {
	window   uint32
	maxHold  time.Duration
	tp       state.TimeProvider
	slots    []slot
	nextSeq  uint32 // next extended sequence expected to release
	haveBase bool
	firstSeq uint32 // first extended sequence ever observed, for Expected()
	lastSeen uint32 // highest extended sequence observed (for cycle tracking)
	cycles   uint32 // RTP cycle counter, 16 bits worth per wrap
}

// Expected returns the count of sequence numbers that should have arrived
// by now, from the first observed sequence through the highest seen.
func (rb *reorderBuffer) Expected() uint64 {
	if !rb.haveBase {
		return 0
	}
	return uint64(rb.lastSeen) - uint64(rb.firstSeq) + 1
}

func newReorderBuffer(window uint32, maxHold time.Duration, tp state.TimeProvider) *reorderBuffer {
	if tp == nil {
		tp = state.DefaultTimeProvider{}
	}
	return &reorderBuffer{
		window:  window,
		maxHold: maxHold,
		tp:      tp,
		slots:   make([]slot, window),
	}
}

// extend unwraps a 16-bit wire sequence number into a monotonically
// increasing 32-bit extended sequence, detecting wraparound the way
// livekit-livekit's sfu.Buffer tracks cycles/baseSN.
func (rb *reorderBuffer) extend(seq uint16) uint32 {
	if !rb.haveBase {
		rb.haveBase = true
		rb.nextSeq = uint32(seq)
		rb.firstSeq = uint32(seq)
		rb.lastSeen = uint32(seq)
		return uint32(seq)
	}

	candidate := rb.cycles | uint32(seq)
	// Detect forward wrap: incoming seq looks much smaller than the last
	// 16-bit value we saw, but a huge jump backward is implausible.
	lastLow := uint16(rb.lastSeen)
	if seq < lastLow && lastLow-seq > 0x8000 {
		rb.cycles += 0x10000
		candidate = rb.cycles | uint32(seq)
	} else if seq > lastLow && seq-lastLow > 0x8000 {
		// Looks like a late, pre-wrap packet; compute against previous cycle.
		candidate = (rb.cycles - 0x10000) | uint32(seq)
	}

	if candidate > rb.lastSeen {
		rb.lastSeen = candidate
	}
	return candidate
}

// Insert places an arrived datagram into its slot. Any slot between the
// current release cursor and this arrival that is still empty is a
// revealed gap: its deadline starts now, so a loss that is never filled
// still expires instead of stalling the release pass forever.
func (rb *reorderBuffer) Insert(d wire.Datagram) {
	extSeq := rb.extend(d.Sequence)
	now := rb.tp.Now()
	if extSeq < rb.nextSeq {
		if rb.nextSeq != rb.firstSeq || rb.lastSeen-extSeq >= rb.window {
			// Already released or too late for the window; drop silently,
			// the release pass already accounted for this sequence as lost
			// or will never wait on it.
			return
		}
		// Nothing released yet: an earlier sequence arriving after the
		// first one moves the stream's base back instead of being dropped,
		// and the still-empty slots it uncovers start their deadlines now.
		for s := extSeq + 1; s < rb.nextSeq; s++ {
			if gi := s % rb.window; !rb.slots[gi].filled && rb.slots[gi].deadline.IsZero() {
				rb.slots[gi].deadline = now.Add(rb.maxHold)
			}
		}
		rb.nextSeq = extSeq
		rb.firstSeq = extSeq
	}

	// Only the window's worth of slots immediately before extSeq are
	// addressable distinct indices; a gap wider than that revisits the
	// same rb.window slots over and over, each already deadlined on its
	// first touch, so starting any earlier just burns cycles on a large
	// forward jump (sender restart, long pause, or a garbled sequence).
	start := rb.nextSeq
	if extSeq-start > rb.window {
		start = extSeq - rb.window
	}
	for s := start; s < extSeq; s++ {
		gapIdx := s % rb.window
		if !rb.slots[gapIdx].filled && rb.slots[gapIdx].deadline.IsZero() {
			rb.slots[gapIdx].deadline = now.Add(rb.maxHold)
		}
	}

	idx := extSeq % rb.window
	rb.slots[idx] = slot{
		filled:   true,
		deadline: now.Add(rb.maxHold),
		dgram:    d,
	}
}

// ReleasePass emits, in ascending sequence order, every slot whose
// datagram has arrived or whose deadline has passed, per spec §4.1. It
// never stalls: a gap past its deadline is emitted as lost and the cursor
// advances regardless.
func (rb *reorderBuffer) ReleasePass() []ReleasedDatagram {
	if !rb.haveBase {
		return nil
	}

	var out deque.Deque[ReleasedDatagram]
	now := rb.tp.Now()

	for {
		idx := rb.nextSeq % rb.window
		s := rb.slots[idx]

		switch {
		case s.filled:
			out.PushBack(ReleasedDatagram{Sequence: rb.nextSeq, Datagram: s.dgram})
			rb.slots[idx] = slot{}
			rb.nextSeq++
		case !s.deadline.IsZero() && !now.Before(s.deadline):
			out.PushBack(ReleasedDatagram{Sequence: rb.nextSeq, Lost: true})
			rb.slots[idx] = slot{}
			rb.nextSeq++
		default:
			// Nothing ready and no expired deadline at this slot: stop,
			// there is nothing more to release this pass.
			return drain(&out)
		}

		if rb.nextSeq > rb.lastSeen+rb.window {
			// Safety valve: never spin past the whole window in one pass.
			break
		}
	}

	return drain(&out)
}

func drain(q *deque.Deque[ReleasedDatagram]) []ReleasedDatagram {
	if q.Len() == 0 {
		return nil
	}
	out := make([]ReleasedDatagram, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, q.PopFront())
	}
	return out
}
