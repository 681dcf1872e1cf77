package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeReconstructRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 4096)

	layout, shards, err := Encode(data, 8, 4)
	require.NoError(t, err)
	require.Len(t, shards, 12)

	got, err := Reconstruct(shards, layout)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestReconstructToleratesParityShardLoss(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	layout, shards, err := Encode(data, 8, 4)
	require.NoError(t, err)

	lossy := make([][]byte, len(shards))
	copy(lossy, shards)
	// Drop up to ParityShards (4) shards; still recoverable.
	for _, i := range []int{1, 3, 9, 11} {
		lossy[i] = nil
	}

	got, err := Reconstruct(lossy, layout)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestReconstructFailsBelowThreshold(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 5000)
	layout, shards, err := Encode(data, 8, 4)
	require.NoError(t, err)

	lossy := make([][]byte, len(shards))
	copy(lossy, shards)
	// Drop 5 shards out of 12: only 7 survive, below DataShards=8.
	for _, i := range []int{0, 1, 2, 3, 4} {
		lossy[i] = nil
	}

	_, err = Reconstruct(lossy, layout)
	require.Error(t, err)
}

func TestEncodeRejectsEmptyPlaintext(t *testing.T) {
	_, _, err := Encode(nil, 8, 4)
	require.Error(t, err)
}

func TestVerifyDetectsGoodEncoding(t *testing.T) {
	data := bytes.Repeat([]byte("verify-me"), 2000)
	layout, shards, err := Encode(data, 8, 4)
	require.NoError(t, err)

	ok, err := Verify(shards, layout)
	require.NoError(t, err)
	require.True(t, ok)
}
