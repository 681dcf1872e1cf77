// Package dhtnet implements the DHT Transport: content-addressed shard
// publication and retrieval over a libp2p Kademlia DHT, with a
// badger-backed local cache in front of every put/get so repeated reads
// of the same key skip the network.
package dhtnet

import (
	"context"

	"github.com/datamesh-net/core/internal/addressor"
	"github.com/datamesh-net/core/internal/errs"
)

// Transport is the narrow interface the Chunk Scheduler and File Pipeline
// depend on; *LibP2PTransport satisfies it against a real network, and
// *MemTransport satisfies it in tests without a network.
type Transport interface {
	PutRecord(ctx context.Context, key addressor.ShardKey, value []byte) error
	GetRecord(ctx context.Context, key addressor.ShardKey) ([]byte, error)
	Bootstrap(ctx context.Context) error
	ConnectedPeers() int
	Stats() Stats
	Close() error
}

// Stats summarizes the transport's current view of the network, surfaced
// by health checks and the composition root's status output.
type Stats struct {
	ConnectedPeers   int
	RoutingTableSize int
	SelfID           string
}

var errNotFound = errs.ErrNotFound
