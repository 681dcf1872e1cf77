package dhtnet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datamesh-net/core/internal/addressor"
)

func TestMemTransportPutGetRoundTrip(t *testing.T) {
	tr := NewMemTransport(3)
	ctx := context.Background()

	key := addressor.KeyOf([]byte("shard-bytes"))
	require.NoError(t, tr.PutRecord(ctx, key, []byte("shard-bytes")))

	got, err := tr.GetRecord(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "shard-bytes", string(got))
}

func TestMemTransportMissingKey(t *testing.T) {
	tr := NewMemTransport(1)
	_, err := tr.GetRecord(context.Background(), addressor.ShardKey("absent"))
	require.Error(t, err)
}

func TestMemTransportDropAfter(t *testing.T) {
	tr := NewMemTransport(1)
	ctx := context.Background()
	key := addressor.KeyOf([]byte("x"))
	require.NoError(t, tr.PutRecord(ctx, key, []byte("x")))
	tr.DropAfter(key)

	_, err := tr.GetRecord(ctx, key)
	require.Error(t, err)
}

func TestContentValidatorAcceptsMatchingValue(t *testing.T) {
	v := contentValidator{}
	value := []byte("shard payload")
	key := addressor.KeyOf(value)

	require.NoError(t, v.Validate(recordKey(string(key)), value))
}

func TestContentValidatorRejectsMismatch(t *testing.T) {
	v := contentValidator{}
	key := addressor.KeyOf([]byte("original"))

	err := v.Validate(recordKey(string(key)), []byte("tampered"))
	require.Error(t, err)
}

func TestContentValidatorRejectsWrongNamespace(t *testing.T) {
	v := contentValidator{}
	err := v.Validate("/other-ns/deadbeef", []byte("anything"))
	require.Error(t, err)
}

func TestShardCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenShardCache(dir)
	require.NoError(t, err)
	defer cache.Close()

	key := addressor.KeyOf([]byte("cached-shard"))
	require.NoError(t, cache.Put(key, []byte("cached-shard")))

	got, ok := cache.Get(key)
	require.True(t, ok)
	require.Equal(t, "cached-shard", string(got))

	_, ok = cache.Get(addressor.ShardKey("missing"))
	require.False(t, ok)
}
