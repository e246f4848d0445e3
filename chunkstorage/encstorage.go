// Package chunkstorage implements spec.md §4.4's unified chunk address
// space over two physical backings: EncStorage, a flat directory of
// ciphertext blobs named by content hash, and OpenStorage, which
// re-derives a chunk's ciphertext from the live working tree. Both are
// grounded on original_source/src/syncfs/SyncFS.cpp's get_block/
// put_encblock pair, which tries EncStorage first and falls back to
// OpenStorage on a miss.
package chunkstorage

import (
	"encoding/base32"
	"os"
	"path/filepath"

	"github.com/librevault/synccore/crypto"
	"github.com/librevault/synccore/persist"
	"github.com/uplo-tech/errors"
)

// ErrChunkMissing is returned when a chunk cannot be found in either
// backing.
var ErrChunkMissing = errors.New("chunk not found in storage")

// ErrUnknownChunk is returned by PutCiphertext when no chunks row
// references hash yet: the Meta referencing it must be committed to the
// Index first (spec.md §4.4).
var ErrUnknownChunk = errors.New("no index row references this chunk hash")

// ErrHashMismatch is returned when data's content hash does not match
// the hash it is being stored under.
var ErrHashMismatch = errors.New("chunk data does not match its hash")

const filePermissions = 0600

// EncStorage is a directory of ciphertext chunks named by their
// base32-encoded content hash, written atomically with
// persist.AtomicWriteFile: the data goes to a sibling
// "<name>_temp_<random>" file, is fsynced, then renamed into place.
type EncStorage struct {
	dir string
}

// NewEncStorage opens (creating if necessary) an EncStorage rooted at
// dir.
func NewEncStorage(dir string) (*EncStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.AddContext(err, "could not create enc storage directory")
	}
	return &EncStorage{dir: dir}, nil
}

func (s *EncStorage) pathFor(hash crypto.Hash) string {
	name := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(hash[:])
	return filepath.Join(s.dir, name)
}

// Has reports whether hash has a blob in EncStorage.
func (s *EncStorage) Has(hash crypto.Hash) bool {
	_, err := os.Stat(s.pathFor(hash))
	return err == nil
}

// Get returns the ciphertext bytes stored for hash.
func (s *EncStorage) Get(hash crypto.Hash) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(hash))
	if os.IsNotExist(err) {
		return nil, ErrChunkMissing
	}
	if err != nil {
		return nil, errors.AddContext(err, "could not read enc storage blob")
	}
	return data, nil
}

// Put atomically writes data under hash's name: a temp file, fsync,
// then rename, the idiom shared with persist.AtomicWriteFile.
func (s *EncStorage) Put(hash crypto.Hash, data []byte) error {
	if err := persist.AtomicWriteFile(s.pathFor(hash), data, filePermissions); err != nil {
		return errors.AddContext(err, "could not write enc storage blob")
	}
	return nil
}

// Remove deletes hash's blob, if any. It is not an error if the blob is
// already absent.
func (s *EncStorage) Remove(hash crypto.Hash) error {
	if err := os.Remove(s.pathFor(hash)); err != nil && !os.IsNotExist(err) {
		return errors.AddContext(err, "could not remove enc storage blob")
	}
	return nil
}

// List returns the content hashes of every blob currently in
// EncStorage, used by GC to find blobs with no corresponding chunks
// row.
func (s *EncStorage) List() ([]crypto.Hash, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.AddContext(err, "could not list enc storage directory")
	}
	var out []crypto.Hash
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := enc.DecodeString(e.Name())
		if err != nil || len(raw) != crypto.HashSize {
			continue // not one of ours
		}
		var h crypto.Hash
		copy(h[:], raw)
		out = append(out, h)
	}
	return out, nil
}
