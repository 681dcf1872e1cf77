package vault

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	km, err := New("alice")
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	envelope, err := km.Encrypt(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, envelope)

	got, err := km.Decrypt(envelope)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, got))
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	alice, err := New("alice")
	require.NoError(t, err)
	bob, err := New("bob")
	require.NoError(t, err)

	envelope, err := alice.Encrypt([]byte("secret shard contents"))
	require.NoError(t, err)

	_, err = bob.Decrypt(envelope)
	require.Error(t, err)
}

func TestEncryptToArbitraryRecipient(t *testing.T) {
	bob, err := New("bob")
	require.NoError(t, err)

	var bobPub [32]byte
	copy(bobPub[:], bob.x25519Pub[:])

	envelope, err := EncryptTo(bobPub, []byte("hello bob"))
	require.NoError(t, err)

	got, err := bob.Decrypt(envelope)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(got))
}

func TestSaveLoadKeyFileRoundTrip(t *testing.T) {
	km, err := New("carol")
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "carol.key")
	passphrase := []byte("correct horse battery staple")

	require.NoError(t, km.SaveToFile(path, passphrase))

	loaded, err := LoadFromFile(path, passphrase)
	require.NoError(t, err)
	require.Equal(t, km.Name(), loaded.Name())
	require.Equal(t, km.PublicKeyHex(), loaded.PublicKeyHex())

	plaintext := []byte("round trip through a persisted identity")
	envelope, err := km.Encrypt(plaintext)
	require.NoError(t, err)
	got, err := loaded.Decrypt(envelope)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestLoadKeyFileWrongPassphraseFails(t *testing.T) {
	km, err := New("dave")
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "dave.key")
	require.NoError(t, km.SaveToFile(path, []byte("the right passphrase")))

	_, err = LoadFromFile(path, []byte("the wrong passphrase"))
	require.Error(t, err)
}

func TestLoadKeyFileCorruptedFails(t *testing.T) {
	km, err := New("erin")
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "erin.key")
	passphrase := []byte("some passphrase")
	require.NoError(t, km.SaveToFile(path, passphrase))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := raw[:len(raw)-10]
	require.NoError(t, os.WriteFile(path, truncated, 0o600))

	_, err1 := LoadFromFile(path, passphrase)
	require.Error(t, err1)

	_, err2 := LoadFromFile(path, []byte("not the passphrase at all"))
	require.Error(t, err2)
}

func BenchmarkEncryptDecrypt(b *testing.B) {
	km, err := New("bench")
	if err != nil {
		b.Fatal(err)
	}
	for _, size := range []int{1 << 10, 64 << 10, 1 << 20} {
		payload := bytes.Repeat([]byte{0xA5}, size)
		b.Run(fmt.Sprintf("%dKiB", size>>10), func(b *testing.B) {
			b.SetBytes(int64(size))
			for i := 0; i < b.N; i++ {
				envelope, err := km.Encrypt(payload)
				if err != nil {
					b.Fatal(err)
				}
				if _, err := km.Decrypt(envelope); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func TestSigningRoundTrip(t *testing.T) {
	km, err := New("frank")
	require.NoError(t, err)

	msg := []byte("manifest canonical bytes")
	sig := km.Sign(msg)
	require.Len(t, sig, 64)
}
