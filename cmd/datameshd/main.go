// Command datameshd is the composition root wiring the Key Vault, Shard
// Codec, Content Addressor, Chunk Scheduler, DHT Transport, Metadata Index
// and Health Checker into one running node. It is a minimal operator
// entrypoint, not a full CLI: one node, one passphrase-protected identity,
// one flag-selected operation per invocation.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/datamesh-net/core/internal/config"
	"github.com/datamesh-net/core/internal/dhtnet"
	"github.com/datamesh-net/core/internal/health"
	"github.com/datamesh-net/core/internal/index"
	"github.com/datamesh-net/core/internal/pipeline"
	"github.com/datamesh-net/core/internal/telemetry"
	"github.com/datamesh-net/core/internal/vault"
)

func main() {
	cfg := config.Default()

	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory holding the shard cache and identity")
	flag.StringVar(&cfg.KeysDir, "keys-dir", cfg.KeysDir, "directory holding the wrapped identity key file")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "metadata index sqlite path")
	flag.IntVar(&cfg.DataShards, "data-shards", cfg.DataShards, "erasure coding data shard count")
	flag.IntVar(&cfg.ParityShards, "parity-shards", cfg.ParityShards, "erasure coding parity shard count")

	var (
		identityName string
		passEnv      string
		listenAddrs  string
		metricsAddr  string
		op           string
		name         string
		filePath     string
		tags         string
		tagFilter    string
		query        string
		newIdentity  bool
	)
	flag.StringVar(&identityName, "identity", "node", "identity name to create or load")
	flag.StringVar(&passEnv, "pass-env", "DATAMESH_PASSPHRASE", "environment variable holding the identity passphrase")
	flag.StringVar(&listenAddrs, "listen", "/ip4/0.0.0.0/tcp/0", "comma-separated libp2p listen multiaddrs")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9100", "Prometheus /metrics listen address, empty disables it")
	flag.StringVar(&op, "op", "serve", "operation: serve | store | get | info | list | search | delete | stats | probe | repair")
	flag.StringVar(&name, "name", "", "display name or file_key of the file to operate on")
	flag.StringVar(&filePath, "file", "", "path to the file to store, or destination for get")
	flag.StringVar(&tags, "tags", "", "comma-separated tags to attach on store")
	flag.StringVar(&tagFilter, "tag", "", "restrict -op list to files carrying this tag")
	flag.StringVar(&query, "query", "", "substring for -op search")
	flag.BoolVar(&newIdentity, "new-identity", false, "generate a fresh identity instead of loading one")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	var reg *prometheus.Registry
	if metricsAddr != "" {
		reg = prometheus.NewRegistry()
	}
	tel := telemetry.New(logger, reg)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("data dir: %v", err)
	}
	if err := os.MkdirAll(cfg.KeysDir, 0o700); err != nil {
		log.Fatalf("keys dir: %v", err)
	}

	passphrase := os.Getenv(passEnv)
	if passphrase == "" {
		log.Fatalf("identity passphrase missing; set %s", passEnv)
	}

	km, err := loadOrCreateIdentity(cfg.KeysDir, identityName, []byte(passphrase), newIdentity)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	tel.Log.Infow("identity ready", "name", km.Name(), "pubkey", km.PublicKeyHex())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, err := dhtnet.OpenShardCache(filepath.Join(cfg.DataDir, "shard-cache"))
	if err != nil {
		log.Fatalf("shard cache: %v", err)
	}
	defer cache.Close()

	hostIdentity, err := loadOrCreateHostIdentity(filepath.Join(cfg.KeysDir, "host.key"))
	if err != nil {
		log.Fatalf("host identity: %v", err)
	}

	transport, err := dhtnet.NewLibP2PTransport(ctx, hostIdentity, strings.Split(listenAddrs, ","), cfg, cache, tel)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	defer transport.Close()

	bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, cfg.BootstrapTimeout)
	if err := transport.Bootstrap(bootstrapCtx); err != nil {
		tel.Log.Warnw("bootstrap incomplete, continuing with whatever peers connected", "err", err)
	}
	bootstrapCancel()

	idx, err := index.Open(cfg.DBPath, tel)
	if err != nil {
		log.Fatalf("index: %v", err)
	}
	defer idx.Close()

	p := pipeline.New(km, idx, transport, cfg, tel)
	checker := health.New(idx, transport, cfg, tel)

	if reg != nil {
		go serveMetrics(metricsAddr, reg, tel)
	}

	switch op {
	case "store":
		runStore(ctx, p, name, filePath, tags, tel)
	case "get":
		runGet(ctx, p, name, filePath, tel)
	case "info":
		runInfo(p, name)
	case "list":
		runList(idx, tagFilter)
	case "search":
		runSearch(idx, query)
	case "delete":
		runDelete(p, idx, name, tel)
	case "stats":
		runStats(idx, transport)
	case "probe":
		runProbe(ctx, p, checker, name, tel)
	case "repair":
		runRepair(ctx, p, checker, name, tel)
	case "serve":
		runServe(ctx, checker, cfg, tel)
	default:
		log.Fatalf("unknown -op %q", op)
	}
}

// loadOrCreateIdentity loads the named key file from dir, or creates and
// persists a fresh one when forceNew is set or none exists yet.
func loadOrCreateIdentity(dir, name string, passphrase []byte, forceNew bool) (*vault.KeyManager, error) {
	path := filepath.Join(dir, name+".key")
	if !forceNew {
		if _, err := os.Stat(path); err == nil {
			return vault.LoadFromFile(path, passphrase)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	km, err := vault.New(name)
	if err != nil {
		return nil, err
	}
	if err := km.SaveToFile(path, passphrase); err != nil {
		return nil, err
	}
	return km, nil
}

// loadOrCreateHostIdentity persists a libp2p host identity key separately
// from the owner's manifest-signing key, so rotating one never disturbs the
// other.
func loadOrCreateHostIdentity(path string) (ed25519.PrivateKey, error) {
	if raw, err := os.ReadFile(path); err == nil && len(raw) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(raw), nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}

func runStore(ctx context.Context, p *pipeline.Pipeline, name, filePath, tagList string, tel *telemetry.Telemetry) {
	if filePath == "" {
		log.Fatalf("-op store requires -file")
	}
	var tags []string
	if tagList != "" {
		tags = strings.Split(tagList, ",")
	}
	res, err := p.StoreFromFile(ctx, filePath, name, tags)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	tel.Log.Infow("stored", "name", res.Name, "file_key", res.FileKey)
	fmt.Printf("%s\t%s\n", res.FileKey, res.Name)
}

func runGet(ctx context.Context, p *pipeline.Pipeline, name, filePath string, tel *telemetry.Telemetry) {
	if name == "" {
		log.Fatalf("-op get requires -name")
	}
	if filePath == "" {
		filePath = name
	}
	if err := p.RetrieveToFile(ctx, name, filePath); err != nil {
		log.Fatalf("retrieve: %v", err)
	}
	tel.Log.Infow("retrieved", "name", name, "output", filePath)
}

func runInfo(p *pipeline.Pipeline, name string) {
	if name == "" {
		log.Fatalf("-op info requires -name")
	}
	rec, err := p.Resolve(name)
	if err != nil {
		log.Fatalf("info: %v", err)
	}
	printRecord(rec)
}

func runList(idx *index.Index, tag string) {
	recs, err := idx.List(tag)
	if err != nil {
		log.Fatalf("list: %v", err)
	}
	for _, rec := range recs {
		printRecord(rec)
	}
}

func runSearch(idx *index.Index, query string) {
	if query == "" {
		log.Fatalf("-op search requires -query")
	}
	recs, err := idx.Search(query)
	if err != nil {
		log.Fatalf("search: %v", err)
	}
	for _, rec := range recs {
		printRecord(rec)
	}
}

func runDelete(p *pipeline.Pipeline, idx *index.Index, name string, tel *telemetry.Telemetry) {
	if name == "" {
		log.Fatalf("-op delete requires -name")
	}
	rec, err := p.Resolve(name)
	if err != nil {
		log.Fatalf("delete: %v", err)
	}
	if err := idx.Delete(rec.FileKey); err != nil {
		log.Fatalf("delete: %v", err)
	}
	tel.Log.Infow("deleted index entry", "name", rec.Name, "file_key", rec.FileKey)
}

func runStats(idx *index.Index, transport dhtnet.Transport) {
	stats, err := idx.Stats()
	if err != nil {
		log.Fatalf("stats: %v", err)
	}
	net := transport.Stats()
	fmt.Printf("files=%d\tbytes=%d\tdb_bytes=%d\tpeers=%d\trouting_table=%d\tself=%s\n",
		stats.Files, stats.Bytes, stats.DatabaseSize, net.ConnectedPeers, net.RoutingTableSize, net.SelfID)
}

func runProbe(ctx context.Context, p *pipeline.Pipeline, c *health.Checker, name string, tel *telemetry.Telemetry) {
	if name == "" {
		reports, err := c.ProbeAll(ctx)
		if err != nil {
			log.Fatalf("probe: %v", err)
		}
		for _, r := range reports {
			fmt.Printf("%s\t%d/%d healthy\tunrecoverable=%v\n", r.FileKey, r.HealthyShards, r.TotalShards, r.Unrecoverable)
		}
		tel.Log.Infow("probe complete", "files", len(reports))
		return
	}
	rec, err := p.Resolve(name)
	if err != nil {
		log.Fatalf("probe: %v", err)
	}
	report, err := c.Probe(ctx, rec.FileKey)
	if err != nil {
		log.Fatalf("probe: %v", err)
	}
	fmt.Printf("%s\t%d/%d healthy\tmissing=%d\tunrecoverable=%v\n",
		report.FileKey, report.HealthyShards, report.TotalShards, len(report.Missing), report.Unrecoverable)
}

func runRepair(ctx context.Context, p *pipeline.Pipeline, c *health.Checker, name string, tel *telemetry.Telemetry) {
	if name == "" {
		log.Fatalf("-op repair requires -name")
	}
	rec, err := p.Resolve(name)
	if err != nil {
		log.Fatalf("repair: %v", err)
	}
	repaired, err := c.Repair(ctx, rec.FileKey)
	if err != nil {
		log.Fatalf("repair: %v", err)
	}
	tel.Log.Infow("repair complete", "file_key", rec.FileKey, "repaired", repaired)
	fmt.Printf("%s\trepaired=%d\n", rec.FileKey, repaired)
}

func printRecord(rec index.FileRecord) {
	fmt.Printf("%s\t%s\t%d bytes\t%d/%d healthy\ttags=%s\t%s\n",
		rec.Name, rec.FileKey, rec.OriginalSize, rec.HealthyShards, rec.TotalShards,
		strings.Join(rec.Tags, ","), rec.CreatedAt.Format(time.RFC3339))
}

// runServe runs the node as a long-lived daemon: periodic health sweeps
// until interrupted.
func runServe(ctx context.Context, c *health.Checker, cfg config.Config, tel *telemetry.Telemetry) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	tel.Log.Info("node serving, health sweeps every 10m")
	for {
		select {
		case <-sigCtx.Done():
			tel.Log.Info("shutting down")
			return
		case <-ticker.C:
			reports, err := c.ProbeAll(sigCtx)
			if err != nil {
				tel.Log.Warnw("health sweep failed", "err", err)
				continue
			}
			repaired := 0
			for _, r := range reports {
				if len(r.Missing) == 0 || r.Unrecoverable {
					continue
				}
				n, err := c.Repair(sigCtx, r.FileKey)
				if err != nil {
					tel.Log.Warnw("repair failed", "file_key", r.FileKey, "err", err)
					continue
				}
				repaired += n
			}
			tel.Log.Infow("health sweep complete", "files", len(reports), "shards_repaired", repaired)
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, tel *telemetry.Telemetry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	tel.Log.Infow("metrics listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		tel.Log.Warnw("metrics server stopped", "err", err)
	}
}
