package dhtnet

import (
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

const namespace = "datamesh"

// contentValidator is a github.com/libp2p/go-libp2p-record.Validator that
// accepts a record only if its value hashes (BLAKE3) to the key embedded in
// the DHT path, so no peer can publish a value under a key it doesn't hash
// to. Every put/get passes through it.
type contentValidator struct{}

// Validate implements record.Validator.
func (contentValidator) Validate(key string, value []byte) error {
	shardKey, err := keyFromRecordKey(key)
	if err != nil {
		return err
	}
	sum := blake3.Sum256(value)
	if fmt.Sprintf("%x", sum) != shardKey {
		return fmt.Errorf("dhtnet: record value does not hash to its key")
	}
	return nil
}

// Select implements record.Validator. All valid records for a given
// content-addressed key are identical by construction, so any index works.
func (contentValidator) Select(key string, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("dhtnet: no values to select from")
	}
	return 0, nil
}

func recordKey(shardKey string) string {
	return "/" + namespace + "/" + shardKey
}

func keyFromRecordKey(key string) (string, error) {
	prefix := "/" + namespace + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", fmt.Errorf("dhtnet: record key missing %q namespace", namespace)
	}
	return strings.TrimPrefix(key, prefix), nil
}
