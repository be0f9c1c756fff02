// Package transport implements the Transport Endpoint (spec §4.1): it
// sends/receives framed media datagrams over an already-connected,
// authenticated net.PacketConn, runs the per-SSRC reorder/jitter buffer,
// and exposes reception-quality metrics. Connectivity establishment and
// key agreement are external collaborators (spec §1, §9); this package
// only consumes their output (a ready socket, a symmetric key).
//
// Grounded on transport/udp.go's UDPTransport (context-cancelled receive
// loop launched as `go transport.processPackets()`), generalized from
// Tox's custom packet framing to RTP-style media datagrams, and on
// av/rtp/session.go's per-stream Statistics container.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/rtcmedia/session"
	"github.com/opd-ai/rtcmedia/state"
	"github.com/opd-ai/rtcmedia/wire"
)

const (
	frameTypeMedia   byte = 0x01
	frameTypeControl byte = 0x02

	nonceLen = 8
	maxFrame = 2048
)

// Config tunes the Transport Endpoint. Mirrors the teacher's
// DefaultQualityThresholds/CallTimeout pattern of a plain struct with a
// Default constructor rather than an external config-file format.
type Config struct {
	ReorderWindow   uint32
	MaxHold         time.Duration
	ReleaseInterval time.Duration // periodic reorder-buffer release-pass tick
	SendQueueSize   int
	RecvQueueSize   int
	RTCPInterval    time.Duration
	RTCPJitterFrac  float64 // +/- fraction applied to RTCPInterval, spec §4.1 "jittered +/-15%"
	WriteRetries    int
	WriteRetryDelay time.Duration
}

// DefaultReleaseInterval bounds how long a buffered slot can sit past its
// deadline when no further datagram arrives to trigger a release pass
// (spec §5 "event-loop-driven (deadline-per-slot)", §4.1 "no stall").
const DefaultReleaseInterval = 10 * time.Millisecond

// DefaultConfig returns the spec's default tunables (§4.1, §4.2).
func DefaultConfig() Config {
	return Config{
		ReorderWindow:   ReorderWindow,
		MaxHold:         MaxHold,
		ReleaseInterval: DefaultReleaseInterval,
		SendQueueSize:   256,
		RecvQueueSize:   256,
		RTCPInterval:    time.Second,
		RTCPJitterFrac:  0.15,
		WriteRetries:    3,
		WriteRetryDelay: 5 * time.Millisecond,
	}
}

// InboundEvent is emitted once per valid received media datagram, in
// post-reorder order (spec §4.1 "Receive path").
type InboundEvent struct {
	SSRC        uint32
	PayloadType uint8
	Payload     []byte
	Marker      bool
	Timestamp   uint32
	Lost        bool // true when this slot timed out; Payload is empty
}

// MetricsSnapshot is one outbound SSRC's current reception-quality
// metrics as last reported by the remote peer (spec §4.5).
type MetricsSnapshot struct {
	SSRC           uint32
	FractionLost   uint8
	CumulativeLost uint32
	HighestSeq     uint32
	Jitter         uint32
	RTT            time.Duration
	HaveRTT        bool
}

// Endpoint is the Transport Endpoint of spec §4.1.
type Endpoint struct {
	conn       net.PacketConn
	remoteAddr net.Addr
	sendKey    session.Key
	recvKey    session.Key
	cfg        Config
	tp         state.TimeProvider

	mu           sync.Mutex
	inStreams    map[uint32]*InboundStream
	outStreams   map[uint32]*OutboundStream
	sendNonce    atomic.Uint64

	inboundEvents chan InboundEvent
	outboundIn    chan wire.Datagram
	errors        chan error

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	unknownSSRCDrops atomic.Uint64
	malformedDrops   atomic.Uint64
	decryptDrops     atomic.Uint64
}

// NewEndpoint constructs an Endpoint over an already-connected,
// authenticated socket with the derived send/receive keys.
func NewEndpoint(conn net.PacketConn, remoteAddr net.Addr, sendKey, recvKey session.Key, cfg Config, tp state.TimeProvider) *Endpoint {
	if tp == nil {
		tp = state.DefaultTimeProvider{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	return &Endpoint{
		conn:          conn,
		remoteAddr:    remoteAddr,
		sendKey:       sendKey,
		recvKey:       recvKey,
		cfg:           cfg,
		tp:            tp,
		inStreams:     make(map[uint32]*InboundStream),
		outStreams:    make(map[uint32]*OutboundStream),
		inboundEvents: make(chan InboundEvent, cfg.RecvQueueSize),
		outboundIn:    make(chan wire.Datagram, cfg.SendQueueSize),
		errors:        make(chan error, 8),
		ctx:           ctx,
		cancel:        cancel,
		group:         group,
	}
}

// Events returns the channel of inbound-packet events, post-reorder.
func (e *Endpoint) Events() <-chan InboundEvent { return e.inboundEvents }

// Errors returns the channel of transport errors (spec §5 "Poisoning"):
// the receive worker reports a socket read failure here once and then
// stops, and every datagram whose write still fails after WriteRetries
// retries is reported here as well. Sends are non-blocking, so an error
// arriving while the channel is full is dropped.
func (e *Endpoint) Errors() <-chan error { return e.errors }

// Outbound returns the channel the Coordinator enqueues encoded,
// already-packetized datagrams onto for transmission.
func (e *Endpoint) Outbound() chan<- wire.Datagram { return e.outboundIn }

// Start launches the receiver, sender, RTCP scheduler, and reorder-buffer
// release-pass workers.
func (e *Endpoint) Start() {
	e.group.Go(e.receiveLoop)
	e.group.Go(e.sendLoop)
	e.group.Go(e.rtcpLoop)
	e.group.Go(e.releaseLoop)
}

// Stop cancels all workers and waits up to 100ms for drain, per spec §5
// "Cancellation". Safe to call more than once: cancelling an
// already-cancelled context is a no-op and e.group.Wait() tolerates
// concurrent callers, so a fatal Engine teardown and a later graceful
// Stop can both reach here without double-closing anything.
func (e *Endpoint) Stop() {
	e.cancel()
	done := make(chan struct{})
	go func() {
		_ = e.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.Stop",
		}).Warn("transport workers did not drain within deadline")
	}
}

func (e *Endpoint) receiveLoop() error {
	buf := make([]byte, maxFrame)
	for {
		select {
		case <-e.ctx.Done():
			return nil
		default:
		}

		// The socket's read deadline must track the real wall clock
		// regardless of any injectable TimeProvider used elsewhere for
		// testable reorder/metrics timing: net.PacketConn interprets the
		// deadline against actual OS time, not e.tp's logical clock.
		e.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := e.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case e.errors <- fmt.Errorf("transport closed: %w", err):
			default:
			}
			return err
		}

		e.handleFrame(append([]byte(nil), buf[:n]...))
	}
}

func (e *Endpoint) handleFrame(frame []byte) {
	if len(frame) < 1+nonceLen {
		e.malformedDrops.Add(1)
		return
	}

	kind := frame[0]
	nonce := binary.BigEndian.Uint64(frame[1 : 1+nonceLen])
	ct := frame[1+nonceLen:]

	plain, err := e.recvKey.Open(nonce, nil, ct)
	if err != nil {
		e.decryptDrops.Add(1)
		logrus.WithFields(logrus.Fields{"function": "Endpoint.handleFrame"}).Debug("dropping undecryptable datagram")
		return
	}

	switch kind {
	case frameTypeMedia:
		e.handleMedia(plain)
	case frameTypeControl:
		e.handleControl(plain)
	default:
		e.malformedDrops.Add(1)
	}
}

func (e *Endpoint) handleMedia(plain []byte) {
	d, err := wire.Unmarshal(plain)
	if err != nil {
		e.malformedDrops.Add(1)
		return
	}

	e.mu.Lock()
	in, ok := e.inStreams[d.SSRC]
	if !ok {
		in = &InboundStream{
			SSRC:    d.SSRC,
			buffer:  newReorderBuffer(e.cfg.ReorderWindow, e.cfg.MaxHold, e.tp),
			created: e.tp.Now(),
		}
		e.inStreams[d.SSRC] = in
	}
	in.buffer.Insert(d)
	in.Received++
	e.mu.Unlock()

	e.releaseReady(d.SSRC, in)
}

// releaseReady runs one release pass over in's reorder buffer and emits
// whatever it yields. The pass itself (and the Lost/jitter bookkeeping it
// feeds) runs under e.mu, since both the receive path and the periodic
// releaseLoop tick call this for the same stream and reorderBuffer is not
// itself safe for concurrent use.
func (e *Endpoint) releaseReady(ssrc uint32, in *InboundStream) {
	e.mu.Lock()
	released := in.buffer.ReleasePass()
	for _, r := range released {
		if r.Lost {
			in.Lost++
			continue
		}
		// Arrival tick is wall-clock microseconds while r.Datagram.Timestamp
		// is in the sender's media-clock units; JitterEstimator's transit
		// delta mixes the two clock rates. Accepted approximation, same as
		// the teacher's av/metrics.go placeholder.
		in.jitter.Update(e.tp.Now().UnixNano()/1000, r.Datagram.Timestamp)
	}
	e.mu.Unlock()

	for _, r := range released {
		if r.Lost {
			e.emit(InboundEvent{SSRC: ssrc, Lost: true})
			continue
		}
		e.emit(InboundEvent{
			SSRC:        r.Datagram.SSRC,
			PayloadType: r.Datagram.PayloadType,
			Payload:     r.Datagram.Payload,
			Marker:      r.Datagram.Marker,
			Timestamp:   r.Datagram.Timestamp,
		})
	}
}

// releaseLoop periodically forces a release pass over every inbound
// stream, independent of datagram arrival. Without this, a slot's expired
// deadline only surfaces on the next arrival for that SSRC (releaseReady
// is otherwise only called from handleMedia); a gap followed by silence
// would leave already-buffered higher-sequence datagrams stalled past
// MaxHold indefinitely (spec §5 "event-loop-driven (deadline-per-slot)").
func (e *Endpoint) releaseLoop() error {
	interval := e.cfg.ReleaseInterval
	if interval <= 0 {
		interval = DefaultReleaseInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return nil
		case <-ticker.C:
			e.releaseAllReady()
		}
	}
}

func (e *Endpoint) releaseAllReady() {
	e.mu.Lock()
	streams := make([]*InboundStream, 0, len(e.inStreams))
	for _, in := range e.inStreams {
		streams = append(streams, in)
	}
	e.mu.Unlock()

	for _, in := range streams {
		e.releaseReady(in.SSRC, in)
	}
}

// emit delivers an event with drop-oldest back-pressure (spec §5).
func (e *Endpoint) emit(ev InboundEvent) {
	select {
	case e.inboundEvents <- ev:
	default:
		select {
		case <-e.inboundEvents:
		default:
		}
		select {
		case e.inboundEvents <- ev:
		default:
		}
	}
}

func (e *Endpoint) sendLoop() error {
	for {
		select {
		case <-e.ctx.Done():
			return nil
		case d, ok := <-e.outboundIn:
			if !ok {
				return nil
			}
			e.sendOne(d)
		}
	}
}

func (e *Endpoint) sendOne(d wire.Datagram) {
	// Registers the stream for RTCP sender-report bookkeeping even if the
	// caller sent a datagram directly through Outbound() without going
	// through EnsureOutboundStream first (every other caller's entry
	// point, e.g. the Coordinator's fan-out path).
	e.EnsureOutboundStream(d.SSRC, d.PayloadType)

	plain, err := d.Marshal()
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "Endpoint.sendOne", "error": err.Error()}).Error("failed to marshal outbound datagram")
		return
	}

	frame := e.sealFrame(frameTypeMedia, plain)

	for attempt := 0; attempt <= e.cfg.WriteRetries; attempt++ {
		if _, err := e.conn.WriteTo(frame, e.remoteAddr); err != nil {
			if attempt == e.cfg.WriteRetries {
				select {
				case e.errors <- fmt.Errorf("transport write failed: %w", err):
				default:
				}
				return
			}
			time.Sleep(e.cfg.WriteRetryDelay * time.Duration(attempt+1))
			continue
		}
		break
	}
}

func (e *Endpoint) sealFrame(kind byte, plain []byte) []byte {
	nonce := e.sendNonce.Add(1)
	var nonceBuf [nonceLen]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)

	ct := e.sendKey.Seal(nonce, nil, plain)

	frame := make([]byte, 0, 1+nonceLen+len(ct))
	frame = append(frame, kind)
	frame = append(frame, nonceBuf[:]...)
	frame = append(frame, ct...)
	return frame
}

func (e *Endpoint) handleControl(plain []byte) {
	pkts, err := wire.ParseControlPacket(plain)
	if err != nil {
		e.malformedDrops.Add(1)
		return
	}

	for _, p := range pkts {
		switch pkt := p.(type) {
		case *rtcp.ReceiverReport:
			e.applyControlPacket(pkt)
		case *rtcp.SenderReport:
			e.applySenderReport(pkt)
		}
	}
}

// applySenderReport records the peer's sender-report timestamp against
// the matching inbound stream, so our next receiver report can echo
// last_sr/delay_since_last_sr back to them (spec §4.1).
func (e *Endpoint) applySenderReport(sr *rtcp.SenderReport) {
	e.mu.Lock()
	defer e.mu.Unlock()

	in, ok := e.inStreams[sr.SSRC]
	if !ok {
		e.unknownSSRCDrops.Add(1)
		return
	}
	in.LastSRTime = wire.MiddleBits(sr.NTPTime)
	in.LastSRRecv = e.tp.Now()
}

func (e *Endpoint) rtcpLoop() error {
	interval := e.cfg.RTCPInterval
	for {
		jitterFrac := (rand.Float64()*2 - 1) * e.cfg.RTCPJitterFrac
		wait := time.Duration(float64(interval) * (1 + jitterFrac))

		select {
		case <-e.ctx.Done():
			return nil
		case <-time.After(wait):
			e.sendReceiverReports()
			e.sendSenderReports()
		}
	}
}

func (e *Endpoint) sendReceiverReports() {
	e.mu.Lock()
	blocks := make([]wire.ReportBlock, 0, len(e.inStreams))
	for ssrc, in := range e.inStreams {
		blocks = append(blocks, wire.ReportBlock{
			SSRC:             ssrc,
			FractionLost:     fractionLost(in),
			CumulativeLost:   uint32(in.Lost),
			HighestSeq:       in.buffer.lastSeen,
			Jitter:           in.jitter.Value(),
			LastSenderReport: in.LastSRTime,
			DelaySinceLastSR: delaySinceLastSR(in, e.tp),
		})
	}
	e.mu.Unlock()

	if len(blocks) == 0 {
		return
	}

	buf, err := wire.BuildReceiverReport(reporterSSRC(blocks), blocks)
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "Endpoint.sendReceiverReports", "error": err.Error()}).Warn("failed to build receiver report")
		return
	}

	frame := e.sealFrame(frameTypeControl, buf)
	if _, err := e.conn.WriteTo(frame, e.remoteAddr); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Endpoint.sendReceiverReports", "error": err.Error()}).Debug("receiver report send failed")
	}
}

// sendSenderReports emits a sender report per outbound stream so the
// remote peer can echo last_sr/dlsr in its next receiver report, which is
// what lets this endpoint later compute RTT for that SSRC (spec §4.1).
func (e *Endpoint) sendSenderReports() {
	e.mu.Lock()
	streams := make([]*OutboundStream, 0, len(e.outStreams))
	for _, s := range e.outStreams {
		streams = append(streams, s)
	}
	e.mu.Unlock()

	now := e.tp.Now()
	ntp := wire.ToNTP(now)

	for _, s := range streams {
		lastTS, packetsSent, octetsSent := s.SendState()
		buf, err := wire.BuildSenderReport(s.SSRC, ntp, lastTS, uint32(packetsSent), uint32(octetsSent))
		if err != nil {
			continue
		}
		frame := e.sealFrame(frameTypeControl, buf)
		if _, err := e.conn.WriteTo(frame, e.remoteAddr); err != nil {
			logrus.WithFields(logrus.Fields{"function": "Endpoint.sendSenderReports", "error": err.Error()}).Debug("sender report send failed")
			continue
		}
		s.SetLastSRSent(wire.MiddleBits(ntp))
	}
}

func reporterSSRC(blocks []wire.ReportBlock) uint32 {
	if len(blocks) == 0 {
		return 0
	}
	return blocks[0].SSRC
}

func fractionLost(in *InboundStream) uint8 {
	expected := in.buffer.Expected()
	if expected == 0 || in.Lost == 0 {
		return 0
	}
	frac := float64(in.Lost) / float64(expected) * 256.0
	if frac > 255 {
		frac = 255
	}
	return uint8(frac)
}

func delaySinceLastSR(in *InboundStream, tp state.TimeProvider) uint32 {
	if in.LastSRRecv.IsZero() {
		return 0
	}
	d := tp.Since(in.LastSRRecv)
	return uint32(d.Seconds() * 65536)
}

// applyControlPacket folds a parsed reception report into the matching
// outbound stream's metrics (spec §4.1 "Control datagrams").
func (e *Endpoint) applyControlPacket(p rtcp.Packet) {
	rr, ok := p.(*rtcp.ReceiverReport)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range rr.Reports {
		out, ok := e.outStreams[r.SSRC]
		if !ok {
			e.unknownSSRCDrops.Add(1)
			continue
		}
		out.FractionLost = r.FractionLost
		out.CumulativeLost = r.TotalLost
		out.HighestSeq = r.LastSequenceNumber
		out.RemoteJitter = r.Jitter

		rtt, haveRTT := wire.ComputeRTT(e.tp.Now(), r.LastSenderReport, r.Delay)
		if haveRTT {
			out.RTT = rtt
			out.HaveRTT = true
		}
	}
}

// Snapshot returns the current metrics for every outbound SSRC (spec
// §4.5 "exposes a metrics snapshot per outbound SSRC").
func (e *Endpoint) Snapshot() []MetricsSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]MetricsSnapshot, 0, len(e.outStreams))
	for _, s := range e.outStreams {
		out = append(out, MetricsSnapshot{
			SSRC:           s.SSRC,
			FractionLost:   s.FractionLost,
			CumulativeLost: s.CumulativeLost,
			HighestSeq:     s.HighestSeq,
			Jitter:         s.RemoteJitter,
			RTT:            s.RTT,
			HaveRTT:        s.HaveRTT,
		})
	}
	return out
}

// EnsureOutboundStream returns (creating if necessary) the outbound
// stream bookkeeping for ssrc/payloadType, for use by a caller (the
// Coordinator's fan-out) that assigns sequence/timestamp via NextDatagram
// before enqueueing the datagram on Outbound.
func (e *Endpoint) EnsureOutboundStream(ssrc uint32, payloadType uint8) *OutboundStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	out, ok := e.outStreams[ssrc]
	if !ok {
		out = NewOutboundStream(ssrc, payloadType)
		e.outStreams[ssrc] = out
	}
	return out
}
