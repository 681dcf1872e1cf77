package dhtnet

import (
	"errors"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/datamesh-net/core/internal/addressor"
	"github.com/datamesh-net/core/internal/errs"
)

// ShardCache is a disk-backed local cache sitting in front of every DHT
// put/get, so a node that already holds a shard never re-fetches it over
// the network. Backed by badger rather than an in-process structure,
// since shard bytes must survive process restarts.
type ShardCache struct {
	db *badger.DB
}

// OpenShardCache opens (creating if absent) a badger database at dir.
func OpenShardCache(dir string) (*ShardCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.New("dhtnet.OpenShardCache", errs.CategoryStore, err)
	}
	return &ShardCache{db: db}, nil
}

// Close releases the underlying badger handles.
func (c *ShardCache) Close() error { return c.db.Close() }

// Get returns the cached bytes for a shard key, or (nil, false) on a miss.
func (c *ShardCache) Get(key addressor.ShardKey) ([]byte, bool) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte{}, val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	return out, true
}

// Put stores a shard's bytes locally, keyed by its content address.
func (c *ShardCache) Put(key addressor.ShardKey, value []byte) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return errs.New("dhtnet.ShardCache.Put", errs.CategoryStore, err)
	}
	return nil
}
