// Package coordinator implements the Media Transport Coordinator (spec
// §4.3): it maintains the payload-type → depacketizer and codec →
// packetizer mappings built at session start, bridges the Transport
// Endpoint and the Media Agent, and gates outbound production on the Run
// Flag. Grounded on av/rtp/transport.go's TransportIntegration (RWMutex-
// guarded routing maps, constructor-time registration, logrus-on-boundary
// logging) generalized from friend-number routing to payload-type/codec
// routing, and on av/manager.go's TransportInterface bridging abstraction.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/rtcmedia/codecpipe"
	"github.com/opd-ai/rtcmedia/state"
	"github.com/opd-ai/rtcmedia/transport"
	"github.com/opd-ai/rtcmedia/wire"
)

const defaultChunkQueueSize = 64

// Endpoint is the slice of the Transport Endpoint the Coordinator needs:
// per-SSRC outbound sequencing and the sender channel. Kept as an
// interface, mirroring the teacher's transport.Transport abstraction, so
// the Coordinator can be tested without a real socket.
type Endpoint interface {
	EnsureOutboundStream(ssrc uint32, payloadType uint8) *transport.OutboundStream
	Outbound() chan<- wire.Datagram
}

type outboundRoute struct {
	ssrc        uint32
	payloadType uint8
}

// Coordinator is the Media Transport Coordinator of spec §4.3.
type Coordinator struct {
	runFlag  *state.RunFlag
	endpoint Endpoint

	mu            sync.RWMutex
	depacketizers map[uint8]*codecpipe.Depacketizer  // payload type -> depacketizer
	packetizers   map[string]*codecpipe.Packetizer   // codec -> packetizer
	routes        map[string]outboundRoute           // codec -> ssrc/payload type
	ssrcToPT      map[uint32]uint8                   // learned from inbound traffic, for routing Lost events

	chunks chan codecpipe.Chunk

	unknownPTDrops    atomic.Uint64
	unknownCodecDrops atomic.Uint64
	runGateDrops      atomic.Uint64
	queueDrops        atomic.Uint64
}

// New creates a Coordinator bound to runFlag and endpoint. Depacketizers
// and packetizers are registered afterward via RegisterInbound/
// RegisterOutbound, mirroring CreateSession's "built at session start"
// registration in the teacher.
func New(runFlag *state.RunFlag, endpoint Endpoint, chunkQueueSize int) *Coordinator {
	if chunkQueueSize <= 0 {
		chunkQueueSize = defaultChunkQueueSize
	}
	return &Coordinator{
		runFlag:       runFlag,
		endpoint:      endpoint,
		depacketizers: make(map[uint8]*codecpipe.Depacketizer),
		packetizers:   make(map[string]*codecpipe.Packetizer),
		routes:        make(map[string]outboundRoute),
		ssrcToPT:      make(map[uint32]uint8),
		chunks:        make(chan codecpipe.Chunk, chunkQueueSize),
	}
}

// RegisterInbound adds a depacketizer for payload type pt, per the
// negotiated descriptor (spec §4.3 "payload-type → depacketizer").
func (c *Coordinator) RegisterInbound(pt uint8, dep *codecpipe.Depacketizer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depacketizers[pt] = dep
}

// RegisterOutbound adds a packetizer for codec, plus the SSRC/payload
// type its datagrams are framed with (spec §4.3 "codec-id → packetizer").
func (c *Coordinator) RegisterOutbound(codec string, pkt *codecpipe.Packetizer, ssrc uint32, payloadType uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packetizers[codec] = pkt
	c.routes[codec] = outboundRoute{ssrc: ssrc, payloadType: payloadType}
}

// Chunks returns the channel the Media Agent drains reassembled chunks
// from. Chunks carry only a codec identifier, never a payload type (spec
// §4.3 "payload types never leave this component").
func (c *Coordinator) Chunks() <-chan codecpipe.Chunk { return c.chunks }

// UnknownPayloadTypeDrops returns the count of inbound datagrams dropped
// for an unrecognized payload type.
func (c *Coordinator) UnknownPayloadTypeDrops() uint64 { return c.unknownPTDrops.Load() }

// UnknownCodecDrops returns the count of outbound units dropped for an
// unrecognized codec.
func (c *Coordinator) UnknownCodecDrops() uint64 { return c.unknownCodecDrops.Load() }

// RunGateDrops returns the count of outbound units dropped because the
// Run Flag was false (spec §4.3 "State gating").
func (c *Coordinator) RunGateDrops() uint64 { return c.runGateDrops.Load() }

// OnIncomingDatagram routes one inbound datagram to its depacketizer by
// payload type (spec §4.3 "on_incoming_datagram"). lost is set when the
// Transport Endpoint's reorder buffer released this slot as a loss; in
// that case pt is unknown (the datagram never arrived) so the SSRC's last
// observed payload type is used instead.
func (c *Coordinator) OnIncomingDatagram(ssrc uint32, pt uint8, payload []byte, marker bool, ts uint32, lost bool) {
	c.mu.Lock()
	if lost {
		learned, ok := c.ssrcToPT[ssrc]
		if !ok {
			c.mu.Unlock()
			c.unknownPTDrops.Add(1)
			return
		}
		pt = learned
	} else {
		c.ssrcToPT[ssrc] = pt
	}
	dep, ok := c.depacketizers[pt]
	c.mu.Unlock()

	if !ok {
		c.unknownPTDrops.Add(1)
		return
	}

	c.enqueueFragment(dep, codecpipe.InboundFragment{
		Timestamp: ts,
		Marker:    marker,
		Payload:   payload,
		Lost:      lost,
	})
}

func (c *Coordinator) enqueueFragment(dep *codecpipe.Depacketizer, fr codecpipe.InboundFragment) {
	select {
	case dep.Input() <- fr:
		return
	default:
	}
	select {
	case <-dep.Input():
		c.queueDrops.Add(1)
	default:
	}
	select {
	case dep.Input() <- fr:
	default:
		c.queueDrops.Add(1)
	}
}

// OnEncodedUnit routes one encoded access unit to its packetizer by codec
// (spec §4.3 "on_encoded_unit"), dropping it silently (with a counter) if
// the Run Flag is false.
func (c *Coordinator) OnEncodedUnit(codec string, unit codecpipe.AccessUnit) {
	if !c.runFlag.Running() {
		c.runGateDrops.Add(1)
		return
	}

	c.mu.RLock()
	pkt, ok := c.packetizers[codec]
	c.mu.RUnlock()

	if !ok {
		c.unknownCodecDrops.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Coordinator.OnEncodedUnit",
			"codec":    codec,
		}).Warn("no packetizer registered for codec")
		return
	}

	c.enqueueUnit(pkt, unit)
}

func (c *Coordinator) enqueueUnit(pkt *codecpipe.Packetizer, unit codecpipe.AccessUnit) {
	select {
	case pkt.Input() <- unit:
		return
	default:
	}
	select {
	case <-pkt.Input():
		c.queueDrops.Add(1)
	default:
	}
	select {
	case pkt.Input() <- unit:
	default:
		c.queueDrops.Add(1)
	}
}

// Run starts every registered (de)packetizer worker plus the fan-in/
// fan-out goroutines bridging them to the chunk channel and the
// Transport Endpoint, joining them with an errgroup the way the teacher's
// zsiec/prism-inspired worker supervision does (adopted in
// transport/endpoint.go). It blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	c.mu.RLock()
	deps := make([]*codecpipe.Depacketizer, 0, len(c.depacketizers))
	for _, d := range c.depacketizers {
		deps = append(deps, d)
	}
	pkts := make(map[string]*codecpipe.Packetizer, len(c.packetizers))
	for codec, p := range c.packetizers {
		pkts[codec] = p
	}
	routes := make(map[string]outboundRoute, len(c.routes))
	for codec, r := range c.routes {
		routes[codec] = r
	}
	c.mu.RUnlock()

	for _, d := range deps {
		d := d
		group.Go(func() error { return d.Run(ctx) })
		group.Go(func() error { return c.fanInChunks(ctx, d) })
	}
	for codec, p := range pkts {
		p := p
		route := routes[codec]
		group.Go(func() error { return p.Run(ctx) })
		group.Go(func() error { return c.fanOutFragments(ctx, p, route) })
	}

	return group.Wait()
}

func (c *Coordinator) fanInChunks(ctx context.Context, dep *codecpipe.Depacketizer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-dep.Output():
			if !ok {
				return nil
			}
			c.publishChunk(chunk)
		}
	}
}

func (c *Coordinator) publishChunk(chunk codecpipe.Chunk) {
	state.DropOldestSend(c.chunks, chunk, &c.queueDrops)
}

func (c *Coordinator) fanOutFragments(ctx context.Context, pkt *codecpipe.Packetizer, route outboundRoute) error {
	out := c.endpoint.EnsureOutboundStream(route.ssrc, route.payloadType)
	for {
		select {
		case <-ctx.Done():
			return nil
		case frag, ok := <-pkt.Output():
			if !ok {
				return nil
			}
			d := out.NextDatagram(frag.Timestamp, frag.Marker, frag.Payload)
			select {
			case c.endpoint.Outbound() <- d:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
