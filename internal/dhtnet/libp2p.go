package dhtnet

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	dhtmdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/datamesh-net/core/internal/addressor"
	"github.com/datamesh-net/core/internal/config"
	"github.com/datamesh-net/core/internal/errs"
	"github.com/datamesh-net/core/internal/telemetry"
)

const mdnsTag = "datamesh-mdns"

// LibP2PTransport is the production DHT Transport: a libp2p host running a
// Kademlia DHT (go-libp2p-kad-dht) under the /datamesh protocol prefix,
// with mDNS discovery for local peers.
type LibP2PTransport struct {
	host  host.Host
	dht   *dht.IpfsDHT
	cfg   config.Config
	tel   *telemetry.Telemetry
	cache *ShardCache
}

type mdnsNotifee struct{ h host.Host }

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	_ = m.h.Connect(context.Background(), info)
}

// NewLibP2PTransport constructs a host identified by the given Ed25519 key,
// listening on listenAddrs, with a real Kademlia DHT routing table and a
// badger-backed local cache in front of it.
func NewLibP2PTransport(ctx context.Context, identity ed25519.PrivateKey, listenAddrs []string, cfg config.Config, cache *ShardCache, tel *telemetry.Telemetry) (*LibP2PTransport, error) {
	privKey, _, err := crypto.KeyPairFromStdKey(&identity)
	if err != nil {
		return nil, errs.New("dhtnet.NewLibP2PTransport", errs.CategoryNetwork, err)
	}

	validator := record.NamespacedValidator{namespace: contentValidator{}}

	var kadDHT *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var derr error
			kadDHT, derr = dht.New(ctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.ProtocolPrefix("/datamesh"),
				dht.Validator(validator),
				dht.BucketSize(cfg.ReplicationFactor),
			)
			return kadDHT, derr
		}),
	)
	if err != nil {
		return nil, errs.New("dhtnet.NewLibP2PTransport", errs.CategoryNetwork, err)
	}

	svc := dhtmdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := svc.Start(); err != nil {
		tel.Log.Warnw("mdns discovery not started", "err", err)
	}

	return &LibP2PTransport{host: h, dht: kadDHT, cfg: cfg, tel: tel, cache: cache}, nil
}

// Bootstrap joins the DHT's default bootstrap peers and refreshes the
// routing table. It completes once the routing table holds at least cfg.MinRoutingPeers
// entries, or fails ErrBootstrap when ctx expires first; either way the
// transport remains usable for retry.
func (t *LibP2PTransport) Bootstrap(ctx context.Context) error {
	if err := t.dht.Bootstrap(ctx); err != nil {
		return errs.New("dhtnet.Bootstrap", errs.CategoryNetwork, errs.ErrBootstrap)
	}
	for _, pi := range dht.DefaultBootstrapPeers {
		addrInfo, err := peer.AddrInfoFromP2pAddr(pi)
		if err != nil {
			continue
		}
		_ = t.host.Connect(ctx, *addrInfo)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for t.dht.RoutingTable().Size() < t.cfg.MinRoutingPeers {
		select {
		case <-ctx.Done():
			return errs.New("dhtnet.Bootstrap", errs.CategoryNetwork, errs.ErrBootstrap)
		case <-ticker.C:
		}
	}
	return nil
}

// PutRecord writes value into the local cache first, then publishes it
// under key's namespaced DHT path; the cached copy is kept regardless of
// the publish outcome so a subsequent Get never needs the network.
func (t *LibP2PTransport) PutRecord(ctx context.Context, key addressor.ShardKey, value []byte) error {
	if err := t.cache.Put(key, value); err != nil {
		t.tel.Log.Warnw("local cache put failed", "err", err)
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PutTimeout)
	defer cancel()
	if err := t.dht.PutValue(ctx, recordKey(string(key)), value); err != nil {
		t.tel.IncPut(false)
		return errs.New("dhtnet.PutRecord", errs.CategoryNetwork, err)
	}
	t.tel.IncPut(true)
	return nil
}

// GetRecord returns the cached value if present, else fetches and verifies
// it from the DHT (the registered contentValidator re-derives the BLAKE3
// digest, so a corrupted or malicious record never reaches the caller) and
// backfills the local cache.
func (t *LibP2PTransport) GetRecord(ctx context.Context, key addressor.ShardKey) ([]byte, error) {
	if v, ok := t.cache.Get(key); ok {
		t.tel.IncGet(true)
		return v, nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.GetTimeout)
	defer cancel()
	v, err := t.dht.GetValue(ctx, recordKey(string(key)))
	if err != nil {
		t.tel.IncGet(false)
		return nil, errs.New("dhtnet.GetRecord", errs.CategoryNetwork, errNotFound)
	}
	if err := t.cache.Put(key, v); err != nil {
		t.tel.Log.Warnw("local cache backfill failed", "err", err)
	}
	t.tel.IncGet(true)
	return v, nil
}

// ConnectedPeers returns the number of currently connected peers.
func (t *LibP2PTransport) ConnectedPeers() int {
	return len(t.host.Network().Peers())
}

// Stats summarizes the transport's current network view.
func (t *LibP2PTransport) Stats() Stats {
	return Stats{
		ConnectedPeers:   t.ConnectedPeers(),
		RoutingTableSize: t.dht.RoutingTable().Size(),
		SelfID:           t.host.ID().String(),
	}
}

// Close shuts down the DHT and host.
func (t *LibP2PTransport) Close() error {
	if err := t.dht.Close(); err != nil {
		return fmt.Errorf("dhtnet: closing dht: %w", err)
	}
	return t.host.Close()
}
