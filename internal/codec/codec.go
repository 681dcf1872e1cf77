// Package codec implements the Shard Codec: systematic Reed-Solomon
// encode/reconstruct over GF(2^8). Any DataShards of the
// DataShards+ParityShards blocks recover the original bytes; shard
// integrity is the content addressor's job, not the codec's.
package codec

import (
	"bytes"

	"github.com/klauspost/reedsolomon"

	"github.com/datamesh-net/core/internal/errs"
)

// Layout describes how a plaintext was split so Reconstruct can reverse it.
type Layout struct {
	DataShards   int
	ParityShards int
	OriginalSize int64
	ShardSize    int
}

// TotalShards returns N+M.
func (l Layout) TotalShards() int { return l.DataShards + l.ParityShards }

// Encode splits plaintext into DataShards data shards (zero-padded to a
// common ShardSize) and computes ParityShards parity shards on top.
func Encode(plaintext []byte, dataShards, parityShards int) (Layout, [][]byte, error) {
	if len(plaintext) == 0 {
		return Layout{}, nil, errs.New("codec.Encode", errs.CategoryInput, errs.ErrEmpty)
	}

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return Layout{}, nil, errs.New("codec.Encode", errs.CategoryErasure, err)
	}

	shards, err := enc.Split(plaintext)
	if err != nil {
		return Layout{}, nil, errs.New("codec.Encode", errs.CategoryErasure, err)
	}
	if err := enc.Encode(shards); err != nil {
		return Layout{}, nil, errs.New("codec.Encode", errs.CategoryErasure, err)
	}

	layout := Layout{
		DataShards:   dataShards,
		ParityShards: parityShards,
		OriginalSize: int64(len(plaintext)),
		ShardSize:    len(shards[0]),
	}
	return layout, shards, nil
}

// Reconstruct rebuilds the original plaintext from a set of shards, any
// subset of which may be nil (missing). At least DataShards of the
// TotalShards() entries must be present and correct, or Reconstruct returns
// ErrErasure / ErrUnrecoverable.
func Reconstruct(shards [][]byte, layout Layout) ([]byte, error) {
	total := layout.TotalShards()
	if len(shards) != total {
		return nil, errs.New("codec.Reconstruct", errs.CategoryErasure, errs.ErrErasure)
	}

	present := 0
	for _, s := range shards {
		if s != nil {
			present++
		}
	}
	if present < layout.DataShards {
		return nil, errs.New("codec.Reconstruct", errs.CategoryErasure, errs.ErrUnrecoverable)
	}

	enc, err := reedsolomon.New(layout.DataShards, layout.ParityShards)
	if err != nil {
		return nil, errs.New("codec.Reconstruct", errs.CategoryErasure, err)
	}

	working := make([][]byte, total)
	copy(working, shards)

	if err := enc.Reconstruct(working); err != nil {
		return nil, errs.New("codec.Reconstruct", errs.CategoryErasure, errs.ErrUnrecoverable)
	}

	var buf bytes.Buffer
	if err := enc.Join(&buf, working, int(layout.OriginalSize)); err != nil {
		return nil, errs.New("codec.Reconstruct", errs.CategoryErasure, err)
	}
	return buf.Bytes(), nil
}

// Verify reports whether the given shards form a valid encoding (parity
// shards match data shards) without reconstructing anything, so a caller
// can confirm a present shard wasn't silently corrupted in place.
func Verify(shards [][]byte, layout Layout) (bool, error) {
	enc, err := reedsolomon.New(layout.DataShards, layout.ParityShards)
	if err != nil {
		return false, errs.New("codec.Verify", errs.CategoryErasure, err)
	}
	ok, err := enc.Verify(shards)
	if err != nil {
		return false, errs.New("codec.Verify", errs.CategoryErasure, err)
	}
	return ok, nil
}
