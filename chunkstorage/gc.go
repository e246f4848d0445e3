package chunkstorage

import (
	"github.com/librevault/synccore/crypto"
	"github.com/uplo-tech/errors"
)

// gcIndex is the subset of *index.Index the GC sweep needs: it must be
// able to tell whether a hash is still referenced at all, and whether
// every placement referencing it has been assembled into the working
// tree (making the EncStorage copy redundant).
type gcIndex interface {
	ChunkHasRow(hash crypto.Hash) (bool, error)
	ChunkFullyAssembled(hash crypto.Hash) (bool, error)
	SetInEncStorage(hash crypto.Hash, present bool) error
}

// Sweep walks every blob in EncStorage and, per spec.md §4.4's garbage
// collection paragraph:
//   - removes blobs with no chunks row at all (the Meta that referenced
//     them was superseded or deleted, and chunk_gc_on_file_delete has
//     already dropped the row);
//   - demotes blobs whose every openfs placement has assembled=true,
//     since the plaintext is now fully recoverable from the working
//     tree and the encrypted copy is redundant.
//
// It returns the number of blobs removed and demoted.
func (cs *ChunkStorage) Sweep(idx gcIndex) (removed, demoted int, err error) {
	hashes, err := cs.enc.List()
	if err != nil {
		return 0, 0, errors.AddContext(err, "could not list enc storage for gc")
	}
	for _, hash := range hashes {
		known, err := idx.ChunkHasRow(hash)
		if err != nil {
			return removed, demoted, errors.AddContext(err, "could not check chunk row during gc")
		}
		if !known {
			if err := cs.enc.Remove(hash); err != nil {
				return removed, demoted, err
			}
			removed++
			continue
		}

		fullyAssembled, err := idx.ChunkFullyAssembled(hash)
		if err != nil {
			return removed, demoted, errors.AddContext(err, "could not check assembly state during gc")
		}
		if !fullyAssembled {
			continue
		}
		if err := cs.enc.Remove(hash); err != nil {
			return removed, demoted, err
		}
		if err := idx.SetInEncStorage(hash, false); err != nil {
			return removed, demoted, errors.AddContext(err, "could not clear chunk presence during gc")
		}
		demoted++
	}
	return removed, demoted, nil
}
