package addressor

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type edSigner struct {
	priv ed25519.PrivateKey
}

func (s edSigner) Sign(msg []byte) []byte { return ed25519.Sign(s.priv, msg) }

func TestKeyOfIsDeterministic(t *testing.T) {
	shard := []byte("some shard bytes")
	require.Equal(t, KeyOf(shard), KeyOf(append([]byte{}, shard...)))
	require.True(t, Verify(shard, KeyOf(shard)))
	require.False(t, Verify(shard, KeyOf([]byte("different"))))
}

func TestBuildAndVerifyManifest(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	shards := []ShardRef{{Index: 0, Key: "aa"}, {Index: 1, Key: "bb"}}
	m, err := BuildManifest("report.pdf", 4096, 4168, 8, 4, 512, shards, []byte("scheme-v1"), "owner-hex", edSigner{priv: priv}, time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NotEmpty(t, m.Signature)
	require.NotEmpty(t, m.FileKey())

	verify := func(pubKeyHex string, msg, sig []byte) bool {
		return ed25519.Verify(pub, msg, sig)
	}
	require.True(t, VerifyManifest(m, verify))

	tampered := m
	tampered.OriginalSize = 9999
	require.False(t, VerifyManifest(tampered, verify))
}

func TestBuildManifestRejectsEmptyName(t *testing.T) {
	_, sk, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = BuildManifest("", 1, 41, 8, 4, 1, nil, nil, "owner", edSigner{priv: sk}, time.Now())
	require.Error(t, err)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	_ = pub
	require.NoError(t, err)
	m, err := BuildManifest("file.bin", 10, 50, 8, 4, 2, []ShardRef{{Index: 0, Key: "k"}}, []byte("scheme-v1"), "owner", edSigner{priv: priv}, time.Unix(1, 0))
	require.NoError(t, err)

	b, err := Marshal(m)
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, m.FileKey(), got.FileKey())
}
