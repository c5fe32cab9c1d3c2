package store

import (
	"os"
	"path/filepath"

	swarmfs "github.com/swarmfs/swarmfs"
	"github.com/swarmfs/swarmfs/pkg/swarmhash"
)

// CASStore is an alternate chunk-bytes backing: content-addressed
// storage on the local filesystem, one file per chunk at
// <root>/<first-2-hex>/<rest-hex>, so a single directory never
// accumulates enough entries to slow down lookups. It is independent
// of Store's bbolt metadata (file records, chunk layout, topics) and is
// only responsible for chunk bytes themselves — selected via
// config rather than the default path of reading chunks directly out
// of the tracked file on disk.
type CASStore struct {
	root string
}

// NewCASStore creates a CAS-mode chunk store rooted at dir, creating
// the directory if necessary.
func NewCASStore(dir string) (*CASStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, swarmfs.NewFatalError("store: cas: create root "+dir, err)
	}
	return &CASStore{root: dir}, nil
}

func (c *CASStore) pathFor(hash swarmhash.Hash) string {
	hex := hash.String()
	return filepath.Join(c.root, hex[:2], hex[2:])
}

// Has reports whether a chunk's bytes are already stored.
func (c *CASStore) Has(hash swarmhash.Hash) (bool, error) {
	_, err := os.Stat(c.pathFor(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, swarmfs.NewFatalError("store: cas: stat", err)
}

// Put writes a chunk's bytes, verifying they hash to the claimed key.
// The write is atomic: data lands in a temp file in the same shard
// directory and is renamed into place, so a concurrent Get never
// observes a partially written chunk.
func (c *CASStore) Put(hash swarmhash.Hash, data []byte) error {
	if swarmhash.Sum(data) != hash {
		return swarmfs.NewIntegrityError("store: cas: data does not hash to claimed key", "", nil)
	}
	dst := c.pathFor(hash)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return swarmfs.NewFatalError("store: cas: create shard dir", err)
	}
	tmp, err := os.CreateTemp(dir, "cas-*.tmp")
	if err != nil {
		return swarmfs.NewFatalError("store: cas: create temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return swarmfs.NewFatalError("store: cas: write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return swarmfs.NewFatalError("store: cas: fsync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return swarmfs.NewFatalError("store: cas: close temp file", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return swarmfs.NewFatalError("store: cas: rename into place", err)
	}
	return nil
}

// Get reads back a chunk's bytes by hash.
func (c *CASStore) Get(hash swarmhash.Hash) ([]byte, error) {
	data, err := os.ReadFile(c.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, swarmfs.NewResourceNotFoundError("store: cas: no chunk " + hash.String())
		}
		return nil, swarmfs.NewFatalError("store: cas: read", err)
	}
	return data, nil
}

// Delete removes a chunk's bytes, tolerating one already absent.
func (c *CASStore) Delete(hash swarmhash.Hash) error {
	if err := os.Remove(c.pathFor(hash)); err != nil && !os.IsNotExist(err) {
		return swarmfs.NewFatalError("store: cas: delete", err)
	}
	return nil
}
