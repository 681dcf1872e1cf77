// Package addressor implements the Content Addressor: deterministic
// BLAKE3 content addresses for shards, and the signed manifest binding a
// file's shard keys to its reconstruction metadata.
package addressor

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"lukechampine.com/blake3"

	"github.com/datamesh-net/core/internal/errs"
)

// ShardKey is the content address of one shard: the hex-encoded BLAKE3
// digest of its ciphertext bytes.
type ShardKey string

// KeyOf returns the content address of a shard's bytes.
func KeyOf(shard []byte) ShardKey {
	sum := blake3.Sum256(shard)
	return ShardKey(hex.EncodeToString(sum[:]))
}

// Verify reports whether shard hashes to key.
func Verify(shard []byte, key ShardKey) bool {
	return KeyOf(shard) == key
}

// ShardRef locates one stored shard: its content key plus its position in
// the systematic Reed-Solomon layout (data shard vs parity shard).
type ShardRef struct {
	Index int      `json:"index"`
	Key   ShardKey `json:"key"`
}

// Manifest is the signed, content-addressed per-file record: everything
// needed to locate, decrypt, and reassemble a file. It carries no peer
// identity — shards are content-addressed, not placed.
type Manifest struct {
	FileName     string `json:"file_name"`
	OriginalSize int64  `json:"original_size"`

	// EncryptedSize is the byte length of the encryption envelope actually
	// passed to the Shard Codec — distinct from OriginalSize because the
	// envelope adds an ephemeral key, nonce and tag.
	EncryptedSize int64 `json:"encrypted_size"`

	DataShards   int        `json:"data_shards"`
	ParityShards int        `json:"parity_shards"`
	ShardSize    int        `json:"shard_size"`
	Shards       []ShardRef `json:"shards"`

	// EncryptionMeta identifies the hybrid-encryption scheme the vault
	// needs to open the envelope. The envelope itself carries the
	// ephemeral public key and nonce, so this is a scheme tag rather
	// than key material.
	EncryptionMeta []byte `json:"encryption_metadata"`

	OwnerPublicKey string `json:"owner_public_key"`
	CreatedAt      int64  `json:"created_at"`

	// Signature is the Ed25519 signature over the canonical encoding of
	// every field above, produced by the owning vault.
	Signature []byte `json:"signature,omitempty"`
}

// canonical returns the deterministic byte encoding that is signed and
// hashed to produce the manifest's file_key: an explicit field-ordered
// struct is marshaled rather than the wire struct itself, so adding
// Signature later never changes the digest.
func (m Manifest) canonical() []byte {
	type body struct {
		FileName       string
		OriginalSize   int64
		EncryptedSize  int64
		DataShards     int
		ParityShards   int
		ShardSize      int
		Shards         []ShardRef
		EncryptionMeta []byte
		OwnerPublicKey string
		CreatedAt      int64
	}
	j, _ := json.Marshal(body{
		FileName:       m.FileName,
		OriginalSize:   m.OriginalSize,
		EncryptedSize:  m.EncryptedSize,
		DataShards:     m.DataShards,
		ParityShards:   m.ParityShards,
		ShardSize:      m.ShardSize,
		Shards:         m.Shards,
		EncryptionMeta: m.EncryptionMeta,
		OwnerPublicKey: m.OwnerPublicKey,
		CreatedAt:      m.CreatedAt,
	})
	return j
}

// FileKey is the manifest's own content address: the hex BLAKE3 digest of
// its canonical encoding.
func (m Manifest) FileKey() string {
	sum := blake3.Sum256(m.canonical())
	return hex.EncodeToString(sum[:])
}

// Signer produces an Ed25519 signature over arbitrary bytes; satisfied by
// *vault.KeyManager without addressor importing vault directly.
type Signer interface {
	Sign(msg []byte) []byte
}

// BuildManifest assembles and signs a manifest from its shard layout and
// encryption metadata, filling CreatedAt and Signature.
func BuildManifest(fileName string, originalSize, encryptedSize int64, dataShards, parityShards, shardSize int, shards []ShardRef, encryptionMeta []byte, ownerPublicKey string, signer Signer, now time.Time) (Manifest, error) {
	if fileName == "" {
		return Manifest{}, errs.New("addressor.BuildManifest", errs.CategoryInput, errs.ErrInvalidName)
	}
	m := Manifest{
		FileName:       fileName,
		OriginalSize:   originalSize,
		EncryptedSize:  encryptedSize,
		DataShards:     dataShards,
		ParityShards:   parityShards,
		ShardSize:      shardSize,
		Shards:         shards,
		EncryptionMeta: encryptionMeta,
		OwnerPublicKey: ownerPublicKey,
		CreatedAt:      now.Unix(),
	}
	m.Signature = signer.Sign(m.canonical())
	return m, nil
}

// Verifier checks an Ed25519 signature; satisfied by a function wrapping
// crypto/ed25519.Verify against the manifest's claimed owner key.
type Verifier func(pubKeyHex string, msg, sig []byte) bool

// VerifyManifest reports whether a manifest's signature matches its
// canonical encoding under its claimed owner key.
func VerifyManifest(m Manifest, verify Verifier) bool {
	if len(m.Signature) == 0 {
		return false
	}
	return verify(m.OwnerPublicKey, m.canonical(), m.Signature)
}

// Marshal/Unmarshal persist a manifest as the JSON blob the metadata index
// stores and nodes exchange out of band.
func Marshal(m Manifest) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errs.New("addressor.Marshal", errs.CategoryInput, err)
	}
	return b, nil
}

func Unmarshal(b []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, errs.New("addressor.Unmarshal", errs.CategoryInput, err)
	}
	return m, nil
}
