package wire

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiverReportRoundTrip(t *testing.T) {
	blocks := []ReportBlock{
		{
			SSRC:             0xAA,
			FractionLost:     32,
			CumulativeLost:   5,
			HighestSeq:       1000,
			Jitter:           100,
			LastSenderReport: 0x11223344,
			DelaySinceLastSR: 0x5566,
		},
	}

	buf, err := BuildReceiverReport(0x1, blocks)
	require.NoError(t, err)

	pkts, err := ParseControlPacket(buf)
	require.NoError(t, err)
	require.Len(t, pkts, 1)

	rr, ok := pkts[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	assert.Equal(t, uint32(0x1), rr.SSRC)
	require.Len(t, rr.Reports, 1)
	assert.Equal(t, uint8(32), rr.Reports[0].FractionLost)
	assert.Equal(t, uint32(5), rr.Reports[0].TotalLost)
	assert.Equal(t, uint32(100), rr.Reports[0].Jitter)
}

func TestComputeRTT(t *testing.T) {
	// Scenario from spec §8.5: forged remote receiver report with
	// last_sr=T, dlsr=D; rtt = now - T - D in seconds (+/- 1ms).
	now := time.Now()
	lastSR := MiddleBits(ToNTP(now.Add(-2 * time.Second)))
	dlsr := uint32(0) // no additional delay reported

	rtt, ok := ComputeRTT(now, lastSR, dlsr)
	require.True(t, ok)
	assert.InDelta(t, 2*time.Second, rtt, float64(time.Millisecond))
}

func TestComputeRTTUndefinedWithoutPriorSR(t *testing.T) {
	_, ok := ComputeRTT(time.Now(), 0, 0)
	assert.False(t, ok)
}
