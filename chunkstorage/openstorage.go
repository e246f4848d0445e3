package chunkstorage

import (
	"os"

	"github.com/librevault/synccore/crypto"
	"github.com/librevault/synccore/index"
	"github.com/librevault/synccore/relpath"
	"github.com/uplo-tech/errors"
)

// ErrChunkDiverged is returned when the live file's bytes at a chunk's
// recorded placement no longer hash to the chunk's ciphertext_hash —
// the working tree has diverged from the Index (spec.md §4.4).
var ErrChunkDiverged = errors.New("live file content no longer matches the indexed chunk")

// placementSource is the subset of *index.Index OpenStorage needs;
// narrowed to an interface so tests can supply a fake.
type placementSource interface {
	FindAssembledChunk(hash crypto.Hash) (index.ChunkPlacement, bool, error)
}

// OpenStorage reconstructs a chunk's ciphertext from a live slice of the
// user's working-tree file, per spec.md §4.4: read the plaintext slice
// the Index says holds this chunk, re-encrypt it with the chunk's
// recorded IV, and verify the result still hashes to ciphertext_hash.
type OpenStorage struct {
	root string
	idx  placementSource
	key  crypto.AESKey
}

// NewOpenStorage builds an OpenStorage rooted at the working tree root,
// backed by idx for placement lookups and key for path decryption and
// chunk re-encryption.
func NewOpenStorage(root string, idx placementSource, key crypto.AESKey) *OpenStorage {
	return &OpenStorage{root: root, idx: idx, key: key}
}

// Get reconstructs the ciphertext for hash from the live working tree.
func (s *OpenStorage) Get(hash crypto.Hash) ([]byte, error) {
	placement, ok, err := s.idx.FindAssembledChunk(hash)
	if err != nil {
		return nil, errors.AddContext(err, "could not look up chunk placement")
	}
	if !ok {
		return nil, ErrChunkMissing
	}

	relPathStr, err := s.key.Decrypt(placement.EncPathIV, placement.EncPath)
	if err != nil {
		return nil, errors.AddContext(err, "could not decrypt meta path")
	}
	rp, err := relpath.New(string(relPathStr))
	if err != nil {
		return nil, errors.AddContext(err, "decrypted path is not a valid relative path")
	}

	f, err := os.Open(rp.AbsPath(s.root))
	if err != nil {
		return nil, errors.Compose(ErrChunkMissing, err)
	}
	defer f.Close()

	plaintext := make([]byte, placement.Size)
	if _, err := f.ReadAt(plaintext, int64(placement.Offset)); err != nil {
		return nil, errors.Compose(ErrChunkDiverged, err)
	}

	ciphertext, err := s.key.Encrypt(placement.IV, plaintext)
	if err != nil {
		return nil, errors.AddContext(err, "could not re-encrypt plaintext slice")
	}
	if crypto.HashBytes(ciphertext) != hash {
		return nil, ErrChunkDiverged
	}
	return ciphertext, nil
}
