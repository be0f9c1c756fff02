package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rtcmedia/session"
	"github.com/opd-ai/rtcmedia/wire"
)

func newLoopbackPair(t *testing.T) (net.PacketConn, net.PacketConn) {
	t.Helper()
	a, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	b, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func newEndpointPair(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()
	connA, connB := newLoopbackPair(t)

	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	sendA, recvA, err := session.DeriveKeys(secret, true)
	require.NoError(t, err)
	sendB, recvB, err := session.DeriveKeys(secret, false)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.RTCPInterval = time.Hour // keep RTCP out of the way of these tests

	epA := NewEndpoint(connA, connB.LocalAddr(), sendA, recvA, cfg, nil)
	epB := NewEndpoint(connB, connA.LocalAddr(), sendB, recvB, cfg, nil)

	epA.Start()
	epB.Start()
	t.Cleanup(func() {
		epA.Stop()
		epB.Stop()
	})

	return epA, epB
}

func TestEndpointSendReceiveRoundTrip(t *testing.T) {
	epA, epB := newEndpointPair(t)

	d := wire.Datagram{
		SSRC:        42,
		PayloadType: 96,
		Sequence:    0,
		Timestamp:   1000,
		Marker:      true,
		Payload:     []byte("hello media"),
	}
	epA.Outbound() <- d

	select {
	case ev := <-epB.Events():
		require.False(t, ev.Lost)
		require.Equal(t, d.SSRC, ev.SSRC)
		require.Equal(t, d.PayloadType, ev.PayloadType)
		require.Equal(t, d.Payload, ev.Payload)
		require.Equal(t, d.Marker, ev.Marker)
		require.Equal(t, d.Timestamp, ev.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
}

func TestEndpointReceivesOutOfOrder(t *testing.T) {
	epA, epB := newEndpointPair(t)

	send := func(seq uint16) {
		epA.Outbound() <- wire.Datagram{
			SSRC:        7,
			PayloadType: 96,
			Sequence:    seq,
			Timestamp:   uint32(seq) * 90,
			Payload:     []byte{byte(seq)},
		}
	}

	send(0)
	send(2)
	send(1)

	got := make([]byte, 0, 3)
	for i := 0; i < 3; i++ {
		select {
		case ev := <-epB.Events():
			if !ev.Lost {
				got = append(got, ev.Payload[0])
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	require.Equal(t, []byte{0, 1, 2}, got)
}

func TestEndpointReleasesStalledGapWithoutFurtherArrivals(t *testing.T) {
	// A gap followed by silence (no further datagram for that SSRC) must
	// still release past max_hold on its own, driven by the periodic
	// release-pass ticker rather than the next arrival.
	connA, connB := newLoopbackPair(t)

	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	sendA, recvA, err := session.DeriveKeys(secret, true)
	require.NoError(t, err)
	sendB, recvB, err := session.DeriveKeys(secret, false)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.RTCPInterval = time.Hour
	cfg.MaxHold = 20 * time.Millisecond
	cfg.ReleaseInterval = 5 * time.Millisecond

	epA := NewEndpoint(connA, connB.LocalAddr(), sendA, recvA, cfg, nil)
	epB := NewEndpoint(connB, connA.LocalAddr(), sendB, recvB, cfg, nil)
	epA.Start()
	epB.Start()
	t.Cleanup(func() {
		epA.Stop()
		epB.Stop()
	})

	// Sequence 1 never arrives; only 0 and 2 are sent.
	epA.Outbound() <- wire.Datagram{SSRC: 5, PayloadType: 96, Sequence: 0, Payload: []byte{0}}
	epA.Outbound() <- wire.Datagram{SSRC: 5, PayloadType: 96, Sequence: 2, Payload: []byte{2}}

	var gotLost, got2 bool
	deadline := time.After(time.Second)
	for !gotLost || !got2 {
		select {
		case ev := <-epB.Events():
			if ev.Lost {
				gotLost = true
				continue
			}
			if len(ev.Payload) == 1 && ev.Payload[0] == 2 {
				got2 = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for stalled gap to release without a further arrival")
		}
	}
}

func TestEndpointRejectsUndecryptableFrame(t *testing.T) {
	epA, epB := newEndpointPair(t)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	garbage := make([]byte, 32)
	_, err = conn.WriteTo(garbage, epA.remoteAddr) // epA.remoteAddr is B's listening address
	require.NoError(t, err)

	// The legitimate datagram must still arrive even after the garbage.
	epA.Outbound() <- wire.Datagram{SSRC: 1, PayloadType: 96, Sequence: 0, Payload: []byte("x")}

	select {
	case ev := <-epB.Events():
		require.Equal(t, []byte("x"), ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event after garbage frame")
	}
	require.Equal(t, uint64(1), epB.decryptDrops.Load())
}

func TestEndpointSnapshotReflectsReceiverReport(t *testing.T) {
	epA, epB := newEndpointPair(t)

	epA.Outbound() <- wire.Datagram{SSRC: 99, PayloadType: 96, Sequence: 7, Payload: []byte("a")}
	select {
	case <-epB.Events():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial datagram")
	}

	epB.sendReceiverReports()

	require.Eventually(t, func() bool {
		for _, snap := range epA.Snapshot() {
			// HighestSeq is only set from B's receiver report.
			if snap.SSRC == 99 && snap.HighestSeq == 7 {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
