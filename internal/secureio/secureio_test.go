package secureio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytesLengthAndFreshness(t *testing.T) {
	a, err := Bytes(32)
	require.NoError(t, err)
	require.Len(t, a, 32)

	b, err := Bytes(32)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestKey32Freshness(t *testing.T) {
	k1, err := Key32()
	require.NoError(t, err)
	k2, err := Key32()
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)
}

func TestNonceAndSaltLengths(t *testing.T) {
	n, err := Nonce(12)
	require.NoError(t, err)
	require.Len(t, n, 12)

	s, err := Salt(32)
	require.NoError(t, err)
	require.Len(t, s, 32)
}
