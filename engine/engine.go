// Package engine implements the Engine of spec §4.5: the single owner of
// the Connection State and the Run Flag, the sole publisher of
// state-transition events to the application surface, and the only
// component that knows about both the signaling and media planes.
//
// Grounded on av/manager.go's role as the top-level coordinator of state,
// signaling, and transport, generalized from ToxAV's friend-number/call
// bookkeeping to this core's single-session event router, and on
// av/quality.go's threshold-based quality assessment layered on top of
// raw metrics.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcmedia/signaling"
	"github.com/opd-ai/rtcmedia/state"
	"github.com/opd-ai/rtcmedia/transport"
)

const (
	defaultMetricsInterval = time.Second
	defaultEventQueueSize  = 32
)

// Endpoint is the slice of the Transport Endpoint the Engine needs: the
// inbound event and error streams, a metrics snapshot, and start/stop.
// Kept as an interface so the Engine can be tested without a real socket.
type Endpoint interface {
	Events() <-chan transport.InboundEvent
	Errors() <-chan error
	Snapshot() []transport.MetricsSnapshot
	Start()
	Stop()
}

// MediaRouter is the Coordinator-facing side of the receive path (spec
// §4.5 "Routing rule"); coordinator.Coordinator satisfies this directly.
type MediaRouter interface {
	OnIncomingDatagram(ssrc uint32, pt uint8, payload []byte, marker bool, ts uint32, lost bool)
}

// AdaptationHook is an optional callback invoked after every metrics
// tick, mirroring av/adaptation.go's BitrateAdapter without implementing
// bitrate control itself (a Non-goal): it only reports the classified
// quality alongside the raw snapshot.
type AdaptationHook func(quality QualityLevel, snap transport.MetricsSnapshot)

// EventKind distinguishes the Event variants Poll can return.
type EventKind int

const (
	// EventStateChanged reports a new Connection State.
	EventStateChanged EventKind = iota
	// EventMetrics carries one outbound SSRC's periodic metrics.
	EventMetrics
	// EventSignalingMessage passes through a signaling message not
	// consumed internally by the Engine's keep-alive/hang-up handling.
	EventSignalingMessage
	// EventError reports a non-fatal or fatal error condition.
	EventError
	// EventClosed is emitted exactly once, after the session has finished
	// transitioning to Closing and all workers have been signalled to stop.
	EventClosed
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "StateChanged"
	case EventMetrics:
		return "Metrics"
	case EventSignalingMessage:
		return "SignalingMessage"
	case EventError:
		return "Error"
	case EventClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// MetricsEvent is the payload of an EventMetrics event (spec §4.5
// "Metrics polling"), supplemented with a computed QualityLevel.
type MetricsEvent struct {
	SSRC           uint32
	FractionLost   uint8
	CumulativeLost uint32
	HighestSeq     uint32
	Jitter         uint32
	RTT            time.Duration
	HaveRTT        bool
	Quality        QualityLevel
}

// Event is the application-level event returned by Poll.
type Event struct {
	Kind      EventKind
	State     state.ConnState
	Metrics   *MetricsEvent
	Signaling signaling.Message
	Err       error
}

// Config tunes one Engine instance.
type Config struct {
	LocalID  string
	RemoteID string

	MetricsInterval   time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	CallTimeout       time.Duration
	QualityThresholds *QualityThresholds
	EventQueueSize    int
}

// DefaultConfig returns sane defaults, with the keep-alive timeout
// matching signaling.DefaultPingTimeout and the liveness timeout matching
// the teacher's av.CallTimeout (10s of no frames ⇒ teardown).
func DefaultConfig(localID, remoteID string) Config {
	return Config{
		LocalID:           localID,
		RemoteID:          remoteID,
		MetricsInterval:   defaultMetricsInterval,
		PingInterval:      signaling.DefaultPingTimeout / 3,
		PingTimeout:       signaling.DefaultPingTimeout,
		CallTimeout:       10 * time.Second,
		QualityThresholds: DefaultQualityThresholds(),
		EventQueueSize:    defaultEventQueueSize,
	}
}

// Engine is the Engine of spec §4.5.
type Engine struct {
	id  uuid.UUID
	cfg Config

	machine *state.Machine
	runFlag *state.RunFlag
	tp      state.TimeProvider

	endpoint Endpoint
	router   MediaRouter
	signal   signaling.Adapter

	adaptationHook AdaptationHook

	out       chan Event
	outMu     sync.RWMutex // guards out against a send racing pump's close
	outClosed bool
	cancel    context.CancelFunc
	teardown  sync.Once
}

// New constructs an Engine bound to the given Transport Endpoint,
// MediaRouter, and signaling Adapter. endpoint, router, and signal may be
// nil for tests exercising a subset of the event router; tp defaults to
// the wall clock.
func New(cfg Config, endpoint Endpoint, router MediaRouter, signal signaling.Adapter, tp state.TimeProvider) *Engine {
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = defaultMetricsInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = signaling.DefaultPingTimeout / 3
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = signaling.DefaultPingTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.QualityThresholds == nil {
		cfg.QualityThresholds = DefaultQualityThresholds()
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = defaultEventQueueSize
	}
	if tp == nil {
		tp = state.DefaultTimeProvider{}
	}

	return &Engine{
		id:       uuid.New(),
		cfg:      cfg,
		machine:  state.NewMachine(),
		runFlag:  state.NewRunFlag(),
		tp:       tp,
		endpoint: endpoint,
		router:   router,
		signal:   signal,
		out:      make(chan Event, cfg.EventQueueSize),
	}
}

// ID returns this session's unique identifier, used for multi-session
// bookkeeping in an application embedding more than one Engine.
func (e *Engine) ID() uuid.UUID { return e.id }

// State returns the current Connection State.
func (e *Engine) State() state.ConnState { return e.machine.Current() }

// RunFlag returns the Run Flag shared with the Coordinator and Media
// Agent, so the application can wire them to the same instance at
// construction time.
func (e *Engine) RunFlag() *state.RunFlag { return e.runFlag }

// SetAdaptationHook installs (or clears, with nil) the optional
// post-metrics-tick callback.
func (e *Engine) SetAdaptationHook(hook AdaptationHook) { e.adaptationHook = hook }

// SetRouter installs the Coordinator inbound media is forwarded to. It
// exists because the Coordinator's own constructor needs the Engine's Run
// Flag (RunFlag), so the two are built in two steps: New with a nil
// router, then SetRouter once the Coordinator exists. Must be called
// before Start.
func (e *Engine) SetRouter(router MediaRouter) { e.router = router }

// AcceptRemoteDescription transitions Idle -> Negotiating.
func (e *Engine) AcceptRemoteDescription() error {
	return e.machine.AcceptRemoteDescription()
}

// NominateCandidatePair transitions Negotiating -> IceNominated, invoked
// once the external connectivity-check layer reports a succeeding pair
// (spec §3, connectivity establishment itself is an external collaborator).
func (e *Engine) NominateCandidatePair() error {
	return e.machine.NominateCandidatePair()
}

// StartMediaSending transitions IceNominated -> Running, flips the Run
// Flag to true (waking any worker parked on its wake channel), and
// publishes a state-change event (spec §4.5 "Lifecycle commands").
func (e *Engine) StartMediaSending() error {
	if err := e.machine.StartMediaSending(); err != nil {
		return err
	}
	e.runFlag.Set(true)
	e.publish(Event{Kind: EventStateChanged, State: state.Running})
	return nil
}

// Start launches the Engine's event-router goroutine and returns a
// context derived from parent that the application should pass to the
// Coordinator and Media Agent Run calls; Stop cancels it, which ends every
// worker run under it (spec §5 "Cancellation"). Stop does not wait for
// those workers to exit.
func (e *Engine) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel
	if e.endpoint != nil {
		e.endpoint.Start()
	}
	go e.pump(ctx)
	return ctx
}

// Stop is the graceful "stop" lifecycle command: it flips the Run Flag to
// false, notifies the peer, closes the signaling adapter and the
// Transport Endpoint (whose Stop waits up to its own drain deadline for
// the endpoint's workers), cancels the context handed out by Start
// without waiting for the workers run under it, and transitions to
// Closing (spec §4.5 "Lifecycle commands"). Safe to call more than once,
// and safe to call after a fatal condition has already torn the session
// down (e.g. an application that always calls Stop on the way out,
// regardless of whether the peer already hung up): only the first of
// Stop/fatal to run does any work, since both end by publishing the
// terminal Closed event and cancelling the worker context exactly once.
func (e *Engine) Stop(reason string) {
	e.teardown.Do(func() {
		e.runFlag.Set(false)

		if e.signal != nil {
			_ = e.signal.Send(signaling.Bye{From: e.cfg.LocalID, To: e.cfg.RemoteID, Reason: reason})
			_ = e.signal.Close()
		}
		if e.endpoint != nil {
			e.endpoint.Stop()
		}

		e.machine.Close()
		e.publish(Event{Kind: EventStateChanged, State: state.Closing})
		e.publish(Event{Kind: EventClosed})

		if e.cancel != nil {
			e.cancel()
		}
	})
}

// Poll returns the next application-level event, blocking until one is
// available or ctx is cancelled (spec §4.5 "Event router").
func (e *Engine) Poll(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-e.out:
		if !ok {
			return Event{}, ErrEngineClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (e *Engine) pump(ctx context.Context) {
	metricsTicker := time.NewTicker(e.cfg.MetricsInterval)
	defer metricsTicker.Stop()
	pingTicker := time.NewTicker(e.cfg.PingInterval)
	defer pingTicker.Stop()
	livenessTicker := time.NewTicker(e.cfg.CallTimeout / 2)
	defer livenessTicker.Stop()

	lastFrameAt := e.tp.Now()
	lastPongAt := e.tp.Now()

	var endpointEvents <-chan transport.InboundEvent
	var endpointErrors <-chan error
	if e.endpoint != nil {
		endpointEvents = e.endpoint.Events()
		endpointErrors = e.endpoint.Errors()
	}
	var signalInbound <-chan signaling.Message
	if e.signal != nil {
		signalInbound = e.signal.Inbound()
	}

	for {
		select {
		case <-ctx.Done():
			// publish() can be called from any application goroutine, not
			// just pump's own (e.g. StartMediaSending), so closing e.out
			// here still needs outMu to keep that close from racing a
			// send already in flight elsewhere.
			e.closeOut()
			return

		case ev, ok := <-endpointEvents:
			if !ok {
				endpointEvents = nil
				continue
			}
			lastFrameAt = e.tp.Now()
			if e.router != nil {
				e.router.OnIncomingDatagram(ev.SSRC, ev.PayloadType, ev.Payload, ev.Marker, ev.Timestamp, ev.Lost)
			}

		case err, ok := <-endpointErrors:
			if !ok {
				endpointErrors = nil
				continue
			}
			e.fatal(fmt.Errorf("transport: %w", err))

		case msg, ok := <-signalInbound:
			if !ok {
				signalInbound = nil
				e.fatal(fmt.Errorf("signaling channel closed"))
				continue
			}
			e.handleSignalingMessage(msg, &lastPongAt)

		case <-pingTicker.C:
			e.sendPing()

		case <-livenessTicker.C:
			if e.machine.Current() == state.Running && e.tp.Since(lastFrameAt) > e.cfg.CallTimeout {
				e.fatal(fmt.Errorf("no frames received in %s", e.cfg.CallTimeout))
				continue
			}
			if e.signal != nil && e.tp.Since(lastPongAt) > e.cfg.PingTimeout {
				e.fatal(fmt.Errorf("signaling keep-alive timed out after %s", e.cfg.PingTimeout))
			}

		case <-metricsTicker.C:
			e.emitMetrics()
		}
	}
}

func (e *Engine) handleSignalingMessage(msg signaling.Message, lastPongAt *time.Time) {
	switch m := msg.(type) {
	case signaling.Ping:
		if e.signal != nil {
			if err := e.signal.Send(signaling.Pong{From: e.cfg.LocalID, To: e.cfg.RemoteID}); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Engine.handleSignalingMessage",
					"error":    err.Error(),
				}).Warn("failed to answer ping with pong")
			}
		}
	case signaling.Pong:
		*lastPongAt = e.tp.Now()
	case signaling.Bye:
		e.publish(Event{Kind: EventSignalingMessage, Signaling: m})
		e.fatal(fmt.Errorf("peer hung up: %s", m.Reason))
	default:
		e.publish(Event{Kind: EventSignalingMessage, Signaling: msg})
	}
}

func (e *Engine) sendPing() {
	if e.signal == nil {
		return
	}
	if err := e.signal.Send(signaling.Ping{From: e.cfg.LocalID, To: e.cfg.RemoteID}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.sendPing",
			"error":    err.Error(),
		}).Warn("failed to send keep-alive ping")
	}
}

func (e *Engine) emitMetrics() {
	if e.endpoint == nil {
		return
	}
	for _, snap := range e.endpoint.Snapshot() {
		quality := e.cfg.QualityThresholds.Classify(snap)
		me := MetricsEvent{
			SSRC:           snap.SSRC,
			FractionLost:   snap.FractionLost,
			CumulativeLost: snap.CumulativeLost,
			HighestSeq:     snap.HighestSeq,
			Jitter:         snap.Jitter,
			RTT:            snap.RTT,
			HaveRTT:        snap.HaveRTT,
			Quality:        quality,
		}
		e.publish(Event{Kind: EventMetrics, Metrics: &me})
		if e.adaptationHook != nil {
			e.adaptationHook(quality, snap)
		}
	}
}

// fatal handles any condition spec §7 classifies as "Fatal transport" or
// "Configuration": it logs, flips the Run Flag false, stops the Transport
// Endpoint, transitions to Closing, and emits both an error event and the
// terminal Closed event (spec §5 "Poisoning", §7 "Propagation"). Stopping
// the endpoint here (not just cancelling the worker context) is required
// because the endpoint's receive/send/RTCP goroutines run on their own
// context, independent of the one handed out by Start. Shares Stop's
// teardown guard, so a fatal condition racing an application-initiated
// Stop (or a second fatal condition arriving before the first finishes
// tearing down) only ever runs the teardown once.
func (e *Engine) fatal(err error) {
	e.teardown.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function":  "Engine.fatal",
			"engine_id": e.id.String(),
			"error":     err.Error(),
		}).Error("fatal engine error, transitioning to Closing")

		e.runFlag.Set(false)
		if e.endpoint != nil {
			e.endpoint.Stop()
		}
		e.machine.Close()
		e.publish(Event{Kind: EventError, Err: err})
		e.publish(Event{Kind: EventStateChanged, State: state.Closing})
		e.publish(Event{Kind: EventClosed})

		if e.cancel != nil {
			e.cancel()
		}
	})
}

// publish is the Engine's own bounded, drop-oldest event queue, matching
// the back-pressure policy every other worker channel in this module
// uses (spec §5 "Back-pressure"). Safe to call concurrently with pump's
// close of e.out on shutdown: outMu excludes a send from the close.
func (e *Engine) publish(ev Event) {
	e.outMu.RLock()
	defer e.outMu.RUnlock()
	if e.outClosed {
		return
	}
	state.DropOldestSend[Event](e.out, ev, nil)
}

// closeOut closes e.out exactly once, excluding any publish already in
// flight so nothing can send on a closed channel.
func (e *Engine) closeOut() {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	if !e.outClosed {
		e.outClosed = true
		close(e.out)
	}
}
