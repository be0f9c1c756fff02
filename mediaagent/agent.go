package mediaagent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/rtcmedia/codecpipe"
	"github.com/opd-ai/rtcmedia/state"
)

const (
	defaultCaptureQueueSize = 4
	defaultFrameQueueSize   = 64
)

// EncodedUnitSink is the Coordinator-facing side of the encode path
// (spec §4.4 "event to Coordinator"); coordinator.Coordinator satisfies
// this directly.
type EncodedUnitSink interface {
	OnEncodedUnit(codec string, unit codecpipe.AccessUnit)
}

// ChunkSource is the Coordinator-facing side of the decode path;
// coordinator.Coordinator satisfies this directly.
type ChunkSource interface {
	Chunks() <-chan codecpipe.Chunk
}

// Config tunes one Agent instance, mirroring the teacher's plain-struct-
// plus-Default-constructor configuration style.
type Config struct {
	Codec         string
	FrameInterval time.Duration
	CaptureQueue  int
	DecodedQueue  int
}

// DefaultConfig returns sane defaults for a 30fps video codec.
func DefaultConfig(codec string) Config {
	return Config{
		Codec:         codec,
		FrameInterval: time.Second / 30,
		CaptureQueue:  defaultCaptureQueueSize,
		DecodedQueue:  defaultFrameQueueSize,
	}
}

// Agent is the Media Agent of spec §4.4: it owns the capture ingress
// worker and the encoder/decoder worker pair for one codec, never seeing
// payload types or SSRCs.
type Agent struct {
	cfg     Config
	runFlag *state.RunFlag
	tp      state.TimeProvider

	capture CaptureSource
	encoder Encoder
	decoder Decoder

	sink   EncodedUnitSink
	chunks ChunkSource

	captureIn chan RawFrame
	chunkIn   <-chan codecpipe.Chunk
	frameOut  chan DecodedFrame
	pli       chan keyframeRequest

	droppedCaptureFrames atomic.Uint64
	decodeFailures       atomic.Uint64
	testPatternFallbacks atomic.Uint64
}

// New constructs an Agent for one codec. capture/encoder/decoder may be
// nil only if the corresponding path is unused by the caller (e.g. a
// receive-only agent has no capture source).
func New(cfg Config, runFlag *state.RunFlag, tp state.TimeProvider, capture CaptureSource, encoder Encoder, decoder Decoder, sink EncodedUnitSink, chunks ChunkSource) *Agent {
	if cfg.CaptureQueue <= 0 {
		cfg.CaptureQueue = defaultCaptureQueueSize
	}
	if cfg.DecodedQueue <= 0 {
		cfg.DecodedQueue = defaultFrameQueueSize
	}
	if tp == nil {
		tp = state.DefaultTimeProvider{}
	}
	a := &Agent{
		cfg:       cfg,
		runFlag:   runFlag,
		tp:        tp,
		capture:   capture,
		encoder:   encoder,
		decoder:   decoder,
		sink:      sink,
		chunks:    chunks,
		captureIn: make(chan RawFrame, cfg.CaptureQueue),
		frameOut:  make(chan DecodedFrame, cfg.DecodedQueue),
		pli:       make(chan keyframeRequest, 1),
	}
	if chunks != nil {
		a.chunkIn = chunks.Chunks()
	}
	return a
}

// Frames returns the channel the render sink drains decoded frames from.
func (a *Agent) Frames() <-chan DecodedFrame { return a.frameOut }

// DroppedCaptureFrames returns the count of captured frames dropped due
// to encoder input back-pressure (spec §4.4 "on overflow the oldest
// frame is dropped").
func (a *Agent) DroppedCaptureFrames() uint64 { return a.droppedCaptureFrames.Load() }

// DecodeFailures returns the count of chunks skipped due to decode
// errors (spec §4.4 "frame is skipped and a counter incremented").
func (a *Agent) DecodeFailures() uint64 { return a.decodeFailures.Load() }

// Run launches the capture, encode, and decode workers, joined with an
// errgroup the way transport/endpoint.go and coordinator/coordinator.go
// join their own worker sets. It blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	if a.capture != nil && a.encoder != nil {
		group.Go(func() error { return a.captureLoop(ctx) })
		group.Go(func() error { return a.encodeLoop(ctx) })
	}
	if a.decoder != nil {
		group.Go(func() error { return a.decodeLoop(ctx) })
	}

	return group.Wait()
}

// captureLoop polls the capture device at the configured frame interval,
// never touching the device while the Run Flag is false (spec §4.4
// "Capture ingress").
func (a *Agent) captureLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !a.runFlag.Running() {
				continue
			}
			a.captureOne()
		}
	}
}

func (a *Agent) captureOne() {
	data, err := a.capture.Capture()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Agent.captureOne",
			"codec":    a.cfg.Codec,
			"error":    err.Error(),
		}).Warn("capture device open/poll failed, falling back to test pattern")
		a.testPatternFallbacks.Add(1)
		data = syntheticTestPattern()
	}

	a.publishCapture(RawFrame{CapturedAt: a.tp.Now(), Data: data})
}

// syntheticTestPattern returns a minimal deterministic stand-in frame so
// the encode path keeps running when the real device is unavailable
// (spec §4.4 "falls back to a synthetic test pattern").
func syntheticTestPattern() []byte {
	return []byte{0x00}
}

func (a *Agent) publishCapture(f RawFrame) {
	state.DropOldestSend(a.captureIn, f, &a.droppedCaptureFrames)
}

// encodeLoop consumes captured frames, applying a forced-keyframe flag on
// the first frame after a transition into Running and on every explicit
// picture-loss-indication (spec §4.4 "Encode path").
func (a *Agent) encodeLoop(ctx context.Context) error {
	forceNext := true
	runWake := a.runFlag.Chan()
	wasRunning := a.runFlag.Running()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-runWake:
			runWake = a.runFlag.Chan()
			running := a.runFlag.Running()
			if running && !wasRunning {
				forceNext = true
			}
			wasRunning = running
		case req := <-a.pli:
			logrus.WithFields(logrus.Fields{
				"function": "Agent.encodeLoop",
				"codec":    a.cfg.Codec,
				"reason":   req.reason,
			}).Debug("forcing keyframe on picture-loss-indication")
			forceNext = true
		case frame, ok := <-a.captureIn:
			if !ok {
				return nil
			}
			unit, err := a.encoder.Encode(frame, forceNext)
			forceNext = false
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Agent.encodeLoop",
					"codec":    a.cfg.Codec,
					"error":    err.Error(),
				}).Warn("frame encode failed, dropping frame")
				continue
			}
			a.sink.OnEncodedUnit(a.cfg.Codec, unit)
		}
	}
}

// decodeLoop emits decoded frames strictly in the order chunks arrive;
// it never reorders (spec §4.4 "Decode path").
func (a *Agent) decodeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-a.chunkIn:
			if !ok {
				return nil
			}
			frame, err := a.decoder.Decode(chunk)
			if err != nil {
				a.decodeFailures.Add(1)
				logrus.WithFields(logrus.Fields{
					"function": "Agent.decodeLoop",
					"codec":    a.cfg.Codec,
					"error":    err.Error(),
				}).Debug("chunk decode failed, skipping")
				continue
			}
			a.publishFrame(frame)
		}
	}
}

func (a *Agent) publishFrame(f DecodedFrame) {
	state.DropOldestSend[DecodedFrame](a.frameOut, f, nil)
}
