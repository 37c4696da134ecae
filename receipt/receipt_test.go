package receipt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestS1ReceiptFixture is spec.md §8 S1: a fixed nonce/streamId/totalReceived
// with an all-zero secret must verify under the same secret and fail under
// any other 32-byte secret.
func TestS1ReceiptFixture(t *testing.T) {
	nonce := make([]byte, 16) // 16 x 0x00
	secret := make([]byte, 32)

	blob, err := Create(nonce, 1, 500, secret)
	require.NoError(t, err)
	require.Len(t, blob, Size)

	require.True(t, Verify(blob, secret))

	wrongSecret := bytes.Repeat([]byte{0x7F}, 32)
	require.False(t, Verify(blob, wrongSecret))
}

func TestDecodeRoundTrip(t *testing.T) {
	nonce := []byte("0123456789abcdef")
	secret := bytes.Repeat([]byte{0x11}, 32)

	blob, err := Create(nonce, 42, 1_000_000, secret)
	require.NoError(t, err)

	r, err := Decode(blob)
	require.NoError(t, err)
	require.Equal(t, uint8(1), r.Version)
	require.Equal(t, uint64(42)&0xFF, r.StreamID)
	require.Equal(t, uint64(1_000_000), r.TotalReceived)
	require.Equal(t, nonce, r.Nonce[:])
}

func TestVerifyRejectsWrongLength(t *testing.T) {
	require.False(t, Verify(make([]byte, 57), make([]byte, 32)))
	require.False(t, Verify(make([]byte, 59), make([]byte, 32)))
}

func TestCreateRejectsBadNonceOrSecret(t *testing.T) {
	_, err := Create(make([]byte, 15), 1, 1, make([]byte, 32))
	require.ErrorIs(t, err, ErrInvalidNonce)

	_, err = Create(make([]byte, 16), 1, 1, make([]byte, 31))
	require.ErrorIs(t, err, ErrInvalidSecret)
}

// TestMonotonicitySequence is §8 property 4: a sequence of receipts for a
// fixed stream must have non-decreasing totalReceived as observed by a
// sender collecting them in order.
func TestMonotonicitySequence(t *testing.T) {
	secret := bytes.Repeat([]byte{0x22}, 32)
	nonce := bytes.Repeat([]byte{0x33}, 16)

	amounts := []uint64{0, 10, 10, 25, 100}
	var lastSeen uint64
	for _, amt := range amounts {
		blob, err := Create(nonce, 5, amt, secret)
		require.NoError(t, err)
		require.True(t, Verify(blob, secret))
		r, err := Decode(blob)
		require.NoError(t, err)
		require.GreaterOrEqual(t, r.TotalReceived, lastSeen)
		lastSeen = r.TotalReceived
	}
}
