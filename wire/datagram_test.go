package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatagramRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Datagram
	}{
		{
			name: "basic video fragment",
			in: Datagram{
				SSRC:        0xDEADBEEF,
				PayloadType: 96,
				Sequence:    42,
				Timestamp:   90000,
				Marker:      true,
				Payload:     []byte{0x01, 0x02, 0x03},
			},
		},
		{
			name: "empty payload",
			in: Datagram{
				SSRC:        1,
				PayloadType: 0,
				Sequence:    0,
				Timestamp:   0,
				Marker:      false,
				Payload:     []byte{},
			},
		},
		{
			name: "wrapped sequence and timestamp",
			in: Datagram{
				SSRC:        7,
				PayloadType: 127,
				Sequence:    65535,
				Timestamp:   4294967295,
				Marker:      false,
				Payload:     []byte("x"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := tt.in.Marshal()
			require.NoError(t, err)

			out, err := Unmarshal(buf)
			require.NoError(t, err)

			assert.Equal(t, tt.in.SSRC, out.SSRC)
			assert.Equal(t, tt.in.PayloadType, out.PayloadType)
			assert.Equal(t, tt.in.Sequence, out.Sequence)
			assert.Equal(t, tt.in.Timestamp, out.Timestamp)
			assert.Equal(t, tt.in.Marker, out.Marker)
			if len(tt.in.Payload) == 0 {
				assert.Empty(t, out.Payload)
			} else {
				assert.Equal(t, tt.in.Payload, out.Payload)
			}
		})
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	_, err := Unmarshal([]byte{0x00})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}
