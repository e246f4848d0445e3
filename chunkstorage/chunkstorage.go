package chunkstorage

import (
	"github.com/librevault/synccore/crypto"
	"github.com/uplo-tech/errors"
)

// presenceIndex is the subset of *index.Index ChunkStorage needs for
// bookkeeping around puts; narrowed so it composes with
// placementSource without importing index's full surface twice.
type presenceIndex interface {
	placementSource
	SetInEncStorage(hash crypto.Hash, present bool) error
	ChunkHasRow(hash crypto.Hash) (bool, error)
}

// ChunkStorage is the unified chunk address space spec.md §4.4
// describes: EncStorage and OpenStorage behind one API, keyed by
// ciphertext hash.
type ChunkStorage struct {
	enc  *EncStorage
	open *OpenStorage
	idx  presenceIndex
	key  crypto.AESKey
}

// New builds a ChunkStorage over enc and open, backed by idx for the
// bookkeeping put_ciphertext requires.
func New(enc *EncStorage, open *OpenStorage, idx presenceIndex, key crypto.AESKey) *ChunkStorage {
	return &ChunkStorage{enc: enc, open: open, idx: idx, key: key}
}

// GetCiphertext tries EncStorage, then OpenStorage, per spec.md §4.4.
func (cs *ChunkStorage) GetCiphertext(hash crypto.Hash) ([]byte, error) {
	if data, err := cs.enc.Get(hash); err == nil {
		return data, nil
	} else if !errors.Contains(err, ErrChunkMissing) {
		return nil, err
	}
	data, err := cs.open.Get(hash)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// GetPlaintext returns the decrypted chunk; callers must hold at least
// a ReadOnly-level encryption key (spec.md §4.4 "ReadOnly+").
func (cs *ChunkStorage) GetPlaintext(hash crypto.Hash, iv [crypto.IVSize]byte) ([]byte, error) {
	ciphertext, err := cs.GetCiphertext(hash)
	if err != nil {
		return nil, err
	}
	plaintext, err := cs.key.Decrypt(iv, ciphertext)
	if err != nil {
		return nil, errors.AddContext(err, "could not decrypt chunk")
	}
	return plaintext, nil
}

// PutCiphertext stores data under hash, per spec.md §4.4: verify the
// hash, verify a chunks row already references it (the Meta must be
// committed first), write it to EncStorage, and mark it present.
func (cs *ChunkStorage) PutCiphertext(hash crypto.Hash, data []byte) error {
	if crypto.HashBytes(data) != hash {
		return ErrHashMismatch
	}
	known, err := cs.idx.ChunkHasRow(hash)
	if err != nil {
		return errors.AddContext(err, "could not check chunk row")
	}
	if !known {
		return ErrUnknownChunk
	}
	if err := cs.enc.Put(hash, data); err != nil {
		return err
	}
	if err := cs.idx.SetInEncStorage(hash, true); err != nil {
		return errors.AddContext(err, "could not mark chunk present")
	}
	return nil
}
