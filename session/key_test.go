package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeysSealOpenRoundTrip(t *testing.T) {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}

	aliceSend, aliceRecv, err := DeriveKeys(secret, true)
	require.NoError(t, err)

	bobSend, bobRecv, err := DeriveKeys(secret, false)
	require.NoError(t, err)

	plaintext := []byte("access unit fragment")
	ad := []byte("ssrc:1234")

	ct := aliceSend.Seal(0, ad, plaintext)
	pt, err := bobRecv.Open(0, ad, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)

	ct2 := bobSend.Seal(0, ad, plaintext)
	pt2, err := aliceRecv.Open(0, ad, ct2)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt2)
}

func TestOpenFailsOnTamperedCiphertext(t *testing.T) {
	secret := make([]byte, 32)
	aSend, _, err := DeriveKeys(secret, true)
	require.NoError(t, err)
	_, bRecv, err := DeriveKeys(secret, false)
	require.NoError(t, err)

	ct := aSend.Seal(0, []byte("ad"), []byte("hello"))
	ct[0] ^= 0xFF

	_, err = bRecv.Open(0, []byte("ad"), ct)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDeriveKeysRejectsWrongKeySize(t *testing.T) {
	_, _, err := DeriveKeys([]byte("short"), true)
	require.Error(t, err)
}
