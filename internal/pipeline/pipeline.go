// Package pipeline implements the File Pipeline: the Store/Retrieve
// orchestration that wires the Key Vault, Shard Codec, Content Addressor,
// Chunk Scheduler, and Metadata Index together into an
// encrypt→shard→publish / fetch→reconstruct→decrypt flow.
package pipeline

import (
	"context"
	"time"

	"github.com/datamesh-net/core/internal/addressor"
	"github.com/datamesh-net/core/internal/codec"
	"github.com/datamesh-net/core/internal/config"
	"github.com/datamesh-net/core/internal/dhtnet"
	"github.com/datamesh-net/core/internal/errs"
	"github.com/datamesh-net/core/internal/index"
	"github.com/datamesh-net/core/internal/scheduler"
	"github.com/datamesh-net/core/internal/telemetry"
	"github.com/datamesh-net/core/internal/vault"
	"github.com/datamesh-net/core/internal/workerpool"
)

// Pipeline orchestrates a full Store/Retrieve round trip over a single
// configured engine instance.
type Pipeline struct {
	km   *vault.KeyManager
	idx  *index.Index
	sch  *scheduler.Scheduler
	cfg  config.Config
	tel  *telemetry.Telemetry
	pool *workerpool.Pool
}

// New constructs a Pipeline from its already-wired collaborators.
func New(km *vault.KeyManager, idx *index.Index, transport dhtnet.Transport, cfg config.Config, tel *telemetry.Telemetry) *Pipeline {
	return &Pipeline{km: km, idx: idx, sch: scheduler.New(transport, cfg, tel), cfg: cfg, tel: tel, pool: workerpool.New(cfg.WorkerPoolSize)}
}

// runCPU runs fn inline when size is below the configured worker-pool
// threshold, and on the bounded CPU worker pool otherwise, so codec and
// crypto work on large payloads never runs on whatever goroutine happens
// to be driving the calling I/O path.
func runCPU[T any](ctx context.Context, p *Pipeline, size int, fn func() (T, error)) (T, error) {
	if int64(size) < p.cfg.WorkerPoolThreshold {
		return fn()
	}
	return workerpool.Run(ctx, p.pool, fn)
}

// StoreResult is what a successful Store call returns: the file's content
// address and its assigned display name.
type StoreResult struct {
	FileKey string
	Name    string
}

// Store encrypts plaintext into the vault's hybrid-encryption envelope,
// erasure codes the envelope, publishes every shard, builds and signs the
// manifest, and records it in the metadata index. originalFilename is the
// advisory name of the source file (e.g. the uploaded file's basename);
// name is the caller's optional short display name — when empty, one is
// derived from originalFilename via index.GenerateUniqueName.
func (p *Pipeline) Store(ctx context.Context, originalFilename, name string, plaintext []byte, tags []string) (StoreResult, error) {
	if len(plaintext) == 0 {
		return StoreResult{}, errs.New("pipeline.Store", errs.CategoryInput, errs.ErrEmpty)
	}
	if int64(len(plaintext)) > p.cfg.MaxPayloadBytes {
		return StoreResult{}, errs.New("pipeline.Store", errs.CategoryInput, errs.ErrTooLarge)
	}

	envelope, err := runCPU(ctx, p, len(plaintext), func() ([]byte, error) {
		return p.km.Encrypt(plaintext)
	})
	if err != nil {
		return StoreResult{}, err
	}

	type encoded struct {
		layout codec.Layout
		shards [][]byte
	}
	enc, err := runCPU(ctx, p, len(envelope), func() (encoded, error) {
		l, s, err := codec.Encode(envelope, p.cfg.DataShards, p.cfg.ParityShards)
		return encoded{layout: l, shards: s}, err
	})
	if err != nil {
		return StoreResult{}, err
	}
	layout, shards := enc.layout, enc.shards

	keys := make([]addressor.ShardKey, len(shards))
	refs := make([]addressor.ShardRef, len(shards))
	for i, s := range shards {
		keys[i] = addressor.KeyOf(s)
		refs[i] = addressor.ShardRef{Index: i, Key: keys[i]}
	}

	pubRes, err := p.sch.Store(ctx, shards, keys, func(st scheduler.ShardState) {
		if !st.OK {
			p.tel.Log.Warnw("shard publish failed", "index", st.Index, "err", st.Err)
		}
	})
	if err != nil {
		return StoreResult{}, err
	}

	manifest, err := addressor.BuildManifest(originalFilename, int64(len(plaintext)), int64(len(envelope)), layout.DataShards, layout.ParityShards, layout.ShardSize, refs, []byte(vault.EnvelopeScheme), p.km.PublicKeyHex(), p.km, time.Now())
	if err != nil {
		return StoreResult{}, err
	}

	manifestJSON, err := addressor.Marshal(manifest)
	if err != nil {
		return StoreResult{}, err
	}

	if name == "" {
		name, err = p.idx.GenerateUniqueName(originalFilename)
		if err != nil {
			return StoreResult{}, err
		}
	}

	if err := p.idx.StoreFile(index.FileRecord{
		FileKey:          manifest.FileKey(),
		Name:             name,
		OriginalFilename: originalFilename,
		OriginalSize:     manifest.OriginalSize,
		ManifestJSON:     manifestJSON,
		CreatedAt:        time.Now(),
		HealthyShards:    pubRes.Published,
		TotalShards:      layout.TotalShards(),
		LastChecked:      time.Now(),
		Tags:             tags,
	}); err != nil {
		return StoreResult{}, err
	}

	return StoreResult{FileKey: manifest.FileKey(), Name: name}, nil
}

// Retrieve looks a file up by name, fetches and verifies enough shards to
// reconstruct its envelope, and decrypts it back to plaintext.
func (p *Pipeline) Retrieve(ctx context.Context, name string) ([]byte, error) {
	rec, err := p.idx.GetByName(name)
	if err != nil {
		return nil, err
	}
	return p.retrieveRecord(ctx, rec)
}

// RetrieveByKey is Retrieve's counterpart keyed by file_key instead of name.
func (p *Pipeline) RetrieveByKey(ctx context.Context, fileKey string) ([]byte, error) {
	rec, err := p.idx.GetByKey(fileKey)
	if err != nil {
		return nil, err
	}
	return p.retrieveRecord(ctx, rec)
}

func (p *Pipeline) retrieveRecord(ctx context.Context, rec index.FileRecord) ([]byte, error) {
	manifest, err := addressor.Unmarshal(rec.ManifestJSON)
	if err != nil {
		return nil, err
	}
	return p.RetrieveFromManifest(ctx, manifest)
}

// RetrieveFromManifest reconstructs a file from its manifest alone, without
// consulting the metadata index — the manifest plus the DHT and the owner's
// secret key suffice. Used by nodes handed a manifest out of band.
func (p *Pipeline) RetrieveFromManifest(ctx context.Context, manifest addressor.Manifest) ([]byte, error) {
	keys := make([]addressor.ShardKey, len(manifest.Shards))
	for i, ref := range manifest.Shards {
		keys[i] = ref.Key
	}

	res, err := p.sch.Retrieve(ctx, keys, manifest.DataShards, nil)
	if err != nil {
		return nil, err
	}

	// Re-check each shard against its manifest key before handing it to the
	// codec. The scheduler already verified on receipt; a mismatch here
	// means a bug between the two layers and is fatal for the retrieval.
	for i, ref := range manifest.Shards {
		if s := res.Shards[i]; s != nil && !addressor.Verify(s, ref.Key) {
			return nil, errs.New("pipeline.retrieve", errs.CategoryIntegrity, errs.ErrIntegrityMismatch)
		}
	}

	layout := codec.Layout{
		DataShards:   manifest.DataShards,
		ParityShards: manifest.ParityShards,
		OriginalSize: manifest.EncryptedSize,
		ShardSize:    manifest.ShardSize,
	}

	envelope, err := runCPU(ctx, p, int(layout.OriginalSize), func() ([]byte, error) {
		return codec.Reconstruct(res.Shards, layout)
	})
	if err != nil {
		return nil, err
	}

	plaintext, err := runCPU(ctx, p, len(envelope), func() ([]byte, error) {
		return p.km.Decrypt(envelope)
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
