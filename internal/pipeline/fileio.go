package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/datamesh-net/core/internal/errs"
	"github.com/datamesh-net/core/internal/index"
)

// StoreFromFile reads path and stores its contents, deriving the advisory
// original filename from the path's basename. name and tags behave as in
// Store.
func (p *Pipeline) StoreFromFile(ctx context.Context, path, name string, tags []string) (StoreResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StoreResult{}, errs.New("pipeline.StoreFromFile", errs.CategoryInput, err)
	}
	return p.Store(ctx, filepath.Base(path), name, data, tags)
}

// Resolve looks nameOrKey up first as a display name, then as a file_key,
// so callers holding either can reach the same record.
func (p *Pipeline) Resolve(nameOrKey string) (index.FileRecord, error) {
	rec, err := p.idx.GetByName(nameOrKey)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, errs.ErrIndexNotFound) {
		return index.FileRecord{}, err
	}
	return p.idx.GetByKey(nameOrKey)
}

// RetrieveToFile retrieves nameOrKey and writes the plaintext to outputPath
// atomically: the bytes land in a temp file in the destination directory,
// are fsynced, and are renamed into place, so a cancelled or failed
// retrieve never leaves a half-written output file behind.
func (p *Pipeline) RetrieveToFile(ctx context.Context, nameOrKey, outputPath string) error {
	rec, err := p.Resolve(nameOrKey)
	if err != nil {
		return err
	}
	data, err := p.retrieveRecord(ctx, rec)
	if err != nil {
		return err
	}
	return atomicWrite(outputPath, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".datamesh-out-*")
	if err != nil {
		return errs.New("pipeline.atomicWrite", errs.CategoryInput, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New("pipeline.atomicWrite", errs.CategoryInput, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New("pipeline.atomicWrite", errs.CategoryInput, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.New("pipeline.atomicWrite", errs.CategoryInput, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errs.New("pipeline.atomicWrite", errs.CategoryInput, err)
	}
	return nil
}
