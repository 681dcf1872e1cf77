// Package vault implements the Key Vault: an ECIES-style hybrid encryption
// identity plus passphrase-wrapped persistence. Payloads are encrypted and
// decrypted here and nowhere else; the secret key bytes never leave this
// package.
package vault

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"

	"github.com/datamesh-net/core/internal/errs"
	"github.com/datamesh-net/core/internal/secureio"
)

// EnvelopeScheme names the hybrid encryption this vault produces; manifests
// record it so a future scheme change stays decodable.
const EnvelopeScheme = "x25519-hkdf-xchacha20poly1305-v1"

const (
	hkdfInfo = "datamesh-envelope-v1"

	keyFileMagic   = "DMKV"
	keyFileVersion = 1
	saltLen        = 32
	wrapNonceLen   = 12
)

// KeyManager holds one active keypair: X25519 for ECIES encryption, Ed25519
// for manifest signing. No other component ever sees the secret bytes.
type KeyManager struct {
	name string

	x25519Priv [32]byte
	x25519Pub  [32]byte

	ed25519Priv ed25519.PrivateKey
	ed25519Pub  ed25519.PublicKey
}

// New generates a fresh random keypair under the given identity name.
func New(name string) (*KeyManager, error) {
	xPriv, err := secureio.Key32()
	if err != nil {
		return nil, errs.New("vault.New", errs.CategoryCrypto, err)
	}
	xPub, err := curve25519.X25519(xPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errs.New("vault.New", errs.CategoryCrypto, err)
	}
	edSeed, err := secureio.Bytes(ed25519.SeedSize)
	if err != nil {
		return nil, errs.New("vault.New", errs.CategoryCrypto, err)
	}
	edPriv := ed25519.NewKeyFromSeed(edSeed)
	edPub := edPriv.Public().(ed25519.PublicKey)

	km := &KeyManager{name: name, ed25519Priv: edPriv, ed25519Pub: edPub}
	copy(km.x25519Priv[:], xPriv[:])
	copy(km.x25519Pub[:], xPub)
	return km, nil
}

// Name returns the identity name this vault was constructed with.
func (k *KeyManager) Name() string { return k.name }

// PublicKeyHex returns the hex-encoded X25519 public key — the identity
// whose matching secret key decrypts envelopes produced for it.
func (k *KeyManager) PublicKeyHex() string { return hex.EncodeToString(k.x25519Pub[:]) }

// SigningPublicKey returns the Ed25519 public key used to verify manifests
// and other signed records produced by this vault.
func (k *KeyManager) SigningPublicKey() ed25519.PublicKey { return k.ed25519Pub }

// Sign signs arbitrary bytes (e.g. a manifest's canonical encoding) with the
// vault's Ed25519 identity key.
func (k *KeyManager) Sign(msg []byte) []byte { return ed25519.Sign(k.ed25519Priv, msg) }

// Encrypt applies ECIES-style authenticated hybrid encryption under this
// vault's own X25519 public key: an ephemeral keypair is generated, ECDH'd
// against the recipient key, expanded via HKDF into an AEAD key, and used
// to seal the plaintext with XChaCha20-Poly1305. Payloads of any length
// are accepted; the envelope adds a fixed 72-byte overhead.
func (k *KeyManager) Encrypt(plaintext []byte) ([]byte, error) {
	return EncryptTo(k.x25519Pub, plaintext)
}

// EncryptTo encrypts plaintext for an arbitrary recipient X25519 public key,
// used when the owner differs from the active vault (manifest built by one
// node, retrieved from another).
func EncryptTo(recipientPub [32]byte, plaintext []byte) ([]byte, error) {
	ephPriv, err := secureio.Key32()
	if err != nil {
		return nil, errs.New("vault.Encrypt", errs.CategoryCrypto, err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errs.New("vault.Encrypt", errs.CategoryCrypto, err)
	}
	shared, err := curve25519.X25519(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, errs.New("vault.Encrypt", errs.CategoryCrypto, err)
	}

	aeadKey := hkdfKey(shared, ephPub, recipientPub[:])
	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, errs.New("vault.Encrypt", errs.CategoryCrypto, err)
	}
	nonce, err := secureio.Nonce(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, errs.New("vault.Encrypt", errs.CategoryCrypto, err)
	}

	ct := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(ephPub)+len(nonce)+len(ct))
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt reverses Encrypt. On any failure — MAC mismatch, truncation, or
// wrong key — it returns a single opaque CryptoError; the caller cannot
// distinguish "wrong key" from "tampered ciphertext" from the error alone.
func (k *KeyManager) Decrypt(envelope []byte) ([]byte, error) {
	const minLen = 32 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(envelope) < minLen {
		return nil, errs.New("vault.Decrypt", errs.CategoryCrypto, errs.ErrCrypto)
	}
	ephPub := envelope[:32]
	nonce := envelope[32 : 32+chacha20poly1305.NonceSizeX]
	ct := envelope[32+chacha20poly1305.NonceSizeX:]

	shared, err := curve25519.X25519(k.x25519Priv[:], ephPub)
	if err != nil {
		return nil, errs.New("vault.Decrypt", errs.CategoryCrypto, errs.ErrCrypto)
	}

	aeadKey := hkdfKey(shared, ephPub, k.x25519Pub[:])
	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, errs.New("vault.Decrypt", errs.CategoryCrypto, errs.ErrCrypto)
	}

	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		// MAC mismatch, wrong key, or tampered ciphertext: one opaque error.
		return nil, errs.New("vault.Decrypt", errs.CategoryCrypto, errs.ErrCrypto)
	}
	return plaintext, nil
}

func hkdfKey(shared, ephPub, recipientPub []byte) []byte {
	salt := append(append([]byte{}, ephPub...), recipientPub...)
	h := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	out := make([]byte, chacha20poly1305.KeySize)
	io.ReadFull(h, out)
	return out
}

// keyFilePayload is the secret material persisted by SaveToFile, enough to
// reconstruct a KeyManager on LoadFromFile.
type keyFilePayload struct {
	Name        string
	X25519Priv  [32]byte
	Ed25519Priv ed25519.PrivateKey
}

// SaveToFile persists the active keypair wrapped by a passphrase-derived
// key: Argon2id(passphrase, salt) → AEAD key, random 12-byte nonce, AEAD
// over the secret material.
// File layout: magic(4) | version(1) | salt(32) | nonce(12) | ciphertext+tag.
func (k *KeyManager) SaveToFile(path string, passphrase []byte) error {
	payload := encodeKeyFilePayload(keyFilePayload{
		Name:        k.name,
		X25519Priv:  k.x25519Priv,
		Ed25519Priv: k.ed25519Priv,
	})

	salt, err := secureio.Salt(saltLen)
	if err != nil {
		return errs.New("vault.SaveToFile", errs.CategoryKeyFile, err)
	}
	nonce, err := secureio.Nonce(wrapNonceLen)
	if err != nil {
		return errs.New("vault.SaveToFile", errs.CategoryKeyFile, err)
	}

	aead, err := chacha20poly1305.New(argon2id(passphrase, salt))
	if err != nil {
		return errs.New("vault.SaveToFile", errs.CategoryKeyFile, err)
	}
	ct := aead.Seal(nil, nonce, payload, nil)

	buf := make([]byte, 0, 4+1+saltLen+wrapNonceLen+len(ct))
	buf = append(buf, []byte(keyFileMagic)...)
	buf = append(buf, keyFileVersion)
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, ct...)

	return os.WriteFile(path, buf, 0o600)
}

// LoadFromFile reverses SaveToFile. Malformed/truncated files and wrong
// passphrases both collapse to the same opaque failure: header validation
// always runs through the same AEAD-open code path (with a fixed-size dummy
// buffer when the header itself is too short to parse) so a caller cannot
// use latency or error identity to distinguish the two cases.
func LoadFromFile(path string, passphrase []byte) (*KeyManager, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New("vault.LoadFromFile", errs.CategoryKeyFile, errs.ErrKeyFile)
	}

	headerLen := len(keyFileMagic) + 1 + saltLen + wrapNonceLen
	var salt, nonce, ct []byte
	if len(raw) >= headerLen && string(raw[:len(keyFileMagic)]) == keyFileMagic && raw[len(keyFileMagic)] == keyFileVersion {
		salt = raw[len(keyFileMagic)+1 : len(keyFileMagic)+1+saltLen]
		nonce = raw[len(keyFileMagic)+1+saltLen : headerLen]
		ct = raw[headerLen:]
	} else {
		// Malformed trailer: still perform the same shape of work so the
		// failure path costs the same as a wrong-passphrase attempt.
		salt = make([]byte, saltLen)
		nonce = make([]byte, wrapNonceLen)
		ct = raw
	}

	aead, err := chacha20poly1305.New(argon2id(passphrase, salt))
	if err != nil {
		return nil, errs.New("vault.LoadFromFile", errs.CategoryKeyFile, errs.ErrAuth)
	}
	plaintext, err := aead.Open(nil, padOrTruncNonce(nonce), ct, nil)
	if err != nil {
		return nil, errs.New("vault.LoadFromFile", errs.CategoryKeyFile, errs.ErrAuth)
	}

	payload, err := decodeKeyFilePayload(plaintext)
	if err != nil {
		return nil, errs.New("vault.LoadFromFile", errs.CategoryKeyFile, errs.ErrAuth)
	}

	km := &KeyManager{name: payload.Name, ed25519Priv: payload.Ed25519Priv, ed25519Pub: payload.Ed25519Priv.Public().(ed25519.PublicKey)}
	km.x25519Priv = payload.X25519Priv
	pub, err := curve25519.X25519(km.x25519Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errs.New("vault.LoadFromFile", errs.CategoryKeyFile, errs.ErrAuth)
	}
	copy(km.x25519Pub[:], pub)
	return km, nil
}

func padOrTruncNonce(nonce []byte) []byte {
	if len(nonce) == wrapNonceLen {
		return nonce
	}
	out := make([]byte, wrapNonceLen)
	copy(out, nonce)
	return out
}

func argon2id(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 3, 64*1024, 2, uint32(chacha20poly1305.KeySize))
}

func encodeKeyFilePayload(p keyFilePayload) []byte {
	nameB := []byte(p.Name)
	out := make([]byte, 0, 2+len(nameB)+32+len(p.Ed25519Priv))
	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(nameB)))
	out = append(out, nameLen[:]...)
	out = append(out, nameB...)
	out = append(out, p.X25519Priv[:]...)
	out = append(out, p.Ed25519Priv...)
	return out
}

func decodeKeyFilePayload(b []byte) (keyFilePayload, error) {
	if len(b) < 2 {
		return keyFilePayload{}, fmt.Errorf("truncated key payload")
	}
	nameLen := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < nameLen+32+ed25519.PrivateKeySize {
		return keyFilePayload{}, fmt.Errorf("truncated key payload")
	}
	name := string(b[:nameLen])
	b = b[nameLen:]
	var xPriv [32]byte
	copy(xPriv[:], b[:32])
	b = b[32:]
	edPriv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(edPriv, b[:ed25519.PrivateKeySize])

	return keyFilePayload{Name: name, X25519Priv: xPriv, Ed25519Priv: edPriv}, nil
}
