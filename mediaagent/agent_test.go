package mediaagent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/rtcmedia/codecpipe"
	"github.com/opd-ai/rtcmedia/state"
)

type fakeCapture struct {
	mu      sync.Mutex
	fail    bool
	n       int
}

func (f *fakeCapture) Capture() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("device unavailable")
	}
	f.n++
	return []byte{byte(f.n)}, nil
}

type encodedCall struct {
	data          []byte
	forceKeyframe bool
}

type fakeEncoder struct {
	mu    sync.Mutex
	calls []encodedCall
}

func (e *fakeEncoder) Encode(frame RawFrame, forceKeyframe bool) (codecpipe.AccessUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, encodedCall{data: frame.Data, forceKeyframe: forceKeyframe})
	return codecpipe.AccessUnit{Keyframe: forceKeyframe, Data: frame.Data}, nil
}

func (e *fakeEncoder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *fakeEncoder) firstCall() encodedCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[0]
}

type fakeSink struct {
	mu    sync.Mutex
	units []codecpipe.AccessUnit
}

func (s *fakeSink) OnEncodedUnit(codec string, unit codecpipe.AccessUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, unit)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

type fakeChunkSource struct {
	ch chan codecpipe.Chunk
}

func newFakeChunkSource() *fakeChunkSource {
	return &fakeChunkSource{ch: make(chan codecpipe.Chunk, 16)}
}

func (f *fakeChunkSource) Chunks() <-chan codecpipe.Chunk { return f.ch }

type fakeDecoder struct {
	failTimestamps map[uint32]bool
}

func (d *fakeDecoder) Decode(chunk codecpipe.Chunk) (DecodedFrame, error) {
	if d.failTimestamps[chunk.Unit.Timestamp] {
		return DecodedFrame{}, errors.New("decode failed")
	}
	return DecodedFrame{Timestamp: chunk.Unit.Timestamp, Data: chunk.Unit.Data}, nil
}

func TestAgentCaptureGatedByRunFlag(t *testing.T) {
	capture := &fakeCapture{}
	encoder := &fakeEncoder{}
	runFlag := state.NewRunFlag() // starts false

	cfg := DefaultConfig("vp8")
	cfg.FrameInterval = 5 * time.Millisecond
	a := New(cfg, runFlag, nil, capture, encoder, nil, &fakeSink{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, encoder.callCount(), "capture must not poll while Run Flag is false")

	runFlag.Set(true)
	assert.Eventually(t, func() bool { return encoder.callCount() > 0 }, time.Second, 5*time.Millisecond)
}

func TestAgentForcesKeyframeOnFirstFrame(t *testing.T) {
	capture := &fakeCapture{}
	encoder := &fakeEncoder{}
	runFlag := state.NewRunFlag()
	runFlag.Set(true)

	cfg := DefaultConfig("vp8")
	cfg.FrameInterval = 5 * time.Millisecond
	a := New(cfg, runFlag, nil, capture, encoder, nil, &fakeSink{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	assert.Eventually(t, func() bool { return encoder.callCount() > 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, encoder.firstCall().forceKeyframe)
}

func TestAgentForcesKeyframeOnPictureLossIndication(t *testing.T) {
	capture := &fakeCapture{}
	encoder := &fakeEncoder{}
	runFlag := state.NewRunFlag()
	runFlag.Set(true)

	cfg := DefaultConfig("vp8")
	cfg.FrameInterval = 5 * time.Millisecond
	a := New(cfg, runFlag, nil, capture, encoder, nil, &fakeSink{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	assert.Eventually(t, func() bool { return encoder.callCount() > 0 }, time.Second, 5*time.Millisecond)

	a.RequestKeyframe("pli")
	time.Sleep(20 * time.Millisecond)

	// The first call is forced by the first-frame rule; only a later
	// forced call shows the picture-loss-indication took effect.
	found := false
	encoder.mu.Lock()
	for i, c := range encoder.calls {
		if i > 0 && c.forceKeyframe {
			found = true
		}
	}
	count := len(encoder.calls)
	encoder.mu.Unlock()

	assert.True(t, found)
	assert.True(t, count >= 2, "expected at least the initial forced frame plus one post-PLI frame")
}

func TestAgentCaptureFallsBackToTestPatternOnDeviceFailure(t *testing.T) {
	capture := &fakeCapture{fail: true}
	encoder := &fakeEncoder{}
	sink := &fakeSink{}
	runFlag := state.NewRunFlag()
	runFlag.Set(true)

	cfg := DefaultConfig("vp8")
	cfg.FrameInterval = 5 * time.Millisecond
	a := New(cfg, runFlag, nil, capture, encoder, nil, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	assert.Eventually(t, func() bool { return sink.count() > 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, a.testPatternFallbacks.Load() > 0)
}

func TestAgentDecodeOrderPreservedAndFailuresSkipped(t *testing.T) {
	chunks := newFakeChunkSource()
	decoder := &fakeDecoder{failTimestamps: map[uint32]bool{2: true}}
	runFlag := state.NewRunFlag()

	a := New(DefaultConfig("vp8"), runFlag, nil, nil, nil, decoder, nil, chunks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	chunks.ch <- codecpipe.Chunk{CodecID: "vp8", Unit: codecpipe.AccessUnit{Timestamp: 1, Data: []byte("a")}}
	chunks.ch <- codecpipe.Chunk{CodecID: "vp8", Unit: codecpipe.AccessUnit{Timestamp: 2, Data: []byte("b")}}
	chunks.ch <- codecpipe.Chunk{CodecID: "vp8", Unit: codecpipe.AccessUnit{Timestamp: 3, Data: []byte("c")}}

	var got []uint32
	for i := 0; i < 2; i++ {
		select {
		case f := <-a.Frames():
			got = append(got, f.Timestamp)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for decoded frame %d", i)
		}
	}

	assert.Equal(t, []uint32{1, 3}, got)
	assert.Equal(t, uint64(1), a.DecodeFailures())
}
