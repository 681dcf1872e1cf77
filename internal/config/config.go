// Package config holds the engine's own tunables — shard counts, timeouts,
// concurrency bounds, paths — as one defaults-returning struct so every
// knob has a sane value without any file loading.
package config

import "time"

// Config bundles every knob the core consumes. Collaborators (CLI, REST
// façade, config-file loader) construct one of these; this package only
// supplies sane defaults and the struct shape.
type Config struct {
	// Shard Codec
	DataShards   int // N
	ParityShards int // M

	// Payload limits
	MaxPayloadBytes int64

	// DHT Transport. ReplicationFactor sets the Kademlia bucket size (how
	// many closest peers a record is published to). PutQuorum is consumed
	// by transports that expose explicit per-put acknowledgement counting;
	// the libp2p DHT replicates to the full bucket internally.
	ReplicationFactor int // K
	PutQuorum         int // Q_put
	PutTimeout        time.Duration
	GetTimeout        time.Duration
	BootstrapTimeout  time.Duration
	MinRoutingPeers   int // k_min

	// Chunk Scheduler
	MaxUploadInFlight   int
	MaxDownloadInFlight int
	UploadTimeout       time.Duration
	DownloadTimeout     time.Duration
	MaxRetries          int
	BackoffBase         time.Duration
	BackoffCap          time.Duration

	// Partial-failure policy: a store is successful once at least
	// DataShards + StoreThresholdExtra shards have published. Defaults to
	// N + ceil(M/2); deployments wanting strong (N+M) or fast (N) stores
	// tune this rather than patch a constant.
	StoreThresholdExtra int

	// Health probe concurrency/timeout
	ProbeConcurrency int
	ProbeTimeout     time.Duration

	// Paths
	DataDir string
	KeysDir string
	DBPath  string

	// CPU-bound work (encode/reconstruct/encrypt/decrypt) on at least this
	// many bytes runs on the bounded worker pool instead of inline. Shard
	// hashing (BLAKE3) always runs inline on the calling goroutine.
	WorkerPoolThreshold int64
	WorkerPoolSize      int
}

// Default returns the engine's default configuration: 8 data + 4 parity
// shards, 100 MiB payload cap, 30 s/60 s network timeouts.
func Default() Config {
	return Config{
		DataShards:   8,
		ParityShards: 4,

		MaxPayloadBytes: 100 << 20, // 100 MiB

		ReplicationFactor: 20,
		PutQuorum:         10, // K/2
		PutTimeout:        30 * time.Second,
		GetTimeout:        60 * time.Second,
		BootstrapTimeout:  30 * time.Second,
		MinRoutingPeers:   4,

		MaxUploadInFlight:   4,
		MaxDownloadInFlight: 8,
		UploadTimeout:       30 * time.Second,
		DownloadTimeout:     60 * time.Second,
		MaxRetries:          3,
		BackoffBase:         250 * time.Millisecond,
		BackoffCap:          8 * time.Second,

		StoreThresholdExtra: 2, // ceil(4/2) for the default M=4

		ProbeConcurrency: 8,
		ProbeTimeout:     5 * time.Second,

		DataDir: "./datamesh-data",
		KeysDir: "./datamesh-data/keys",
		DBPath:  "./datamesh-data/index.db",

		WorkerPoolThreshold: 64 << 10, // 64 KiB
		WorkerPoolSize:      4,
	}
}

// StoreThreshold returns the minimum number of published shards required
// for a store to be declared successful.
func (c Config) StoreThreshold() int {
	t := c.DataShards + c.StoreThresholdExtra
	if t > c.DataShards+c.ParityShards {
		return c.DataShards + c.ParityShards
	}
	return t
}

// TotalShards returns N+M.
func (c Config) TotalShards() int { return c.DataShards + c.ParityShards }
