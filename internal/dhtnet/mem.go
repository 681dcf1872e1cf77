package dhtnet

import (
	"context"
	"sync"

	"github.com/datamesh-net/core/internal/addressor"
	"github.com/datamesh-net/core/internal/errs"
)

// MemTransport is an in-memory Transport used by package tests in
// internal/scheduler, internal/pipeline and internal/health so they can
// exercise retry/timeout/quorum logic without a real network.
type MemTransport struct {
	mu    sync.RWMutex
	store map[addressor.ShardKey][]byte

	// Unreachable marks keys that always fail PutRecord/GetRecord, for
	// simulating a down or malicious peer in tests.
	Unreachable map[addressor.ShardKey]bool

	peers int
}

// NewMemTransport constructs an empty in-memory transport reporting
// peerCount connected peers.
func NewMemTransport(peerCount int) *MemTransport {
	return &MemTransport{
		store:       make(map[addressor.ShardKey][]byte),
		Unreachable: make(map[addressor.ShardKey]bool),
		peers:       peerCount,
	}
}

func (m *MemTransport) PutRecord(_ context.Context, key addressor.ShardKey, value []byte) error {
	m.mu.RLock()
	down := m.Unreachable[key]
	m.mu.RUnlock()
	if down {
		return errs.New("mem.PutRecord", errs.CategoryNetwork, errs.ErrTimeout)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[key] = append([]byte{}, value...)
	return nil
}

func (m *MemTransport) GetRecord(_ context.Context, key addressor.ShardKey) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Unreachable[key] {
		return nil, errs.New("mem.GetRecord", errs.CategoryNetwork, errs.ErrTimeout)
	}
	v, ok := m.store[key]
	if !ok {
		return nil, errs.New("mem.GetRecord", errs.CategoryNetwork, errs.ErrNotFound)
	}
	return append([]byte{}, v...), nil
}

func (m *MemTransport) Bootstrap(context.Context) error { return nil }

func (m *MemTransport) ConnectedPeers() int { return m.peers }

func (m *MemTransport) Stats() Stats {
	return Stats{ConnectedPeers: m.peers, RoutingTableSize: m.peers, SelfID: "mem-self"}
}

func (m *MemTransport) Close() error { return nil }

// DropAfter marks key unreachable so a later PutRecord/GetRecord on it fails,
// simulating a peer going offline for good mid-test.
func (m *MemTransport) DropAfter(key addressor.ShardKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Unreachable[key] = true
}

// Evict deletes key's stored value without marking it unreachable, so a
// later PutRecord against the same key succeeds again — simulating a peer
// losing its copy rather than disappearing from the network, the scenario
// Health/Repair is meant to fix.
func (m *MemTransport) Evict(key addressor.ShardKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, key)
}

var _ Transport = (*MemTransport)(nil)
