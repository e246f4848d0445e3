package chunkstorage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/librevault/synccore/crypto"
	"github.com/librevault/synccore/index"
	"github.com/librevault/synccore/meta"
	"github.com/librevault/synccore/relpath"
	"github.com/uplo-tech/errors"
)

func TestEncStoragePutGetRemove(t *testing.T) {
	enc, err := NewEncStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("ciphertext-blob")
	hash := crypto.HashBytes(data)

	if enc.Has(hash) {
		t.Fatal("blob should not exist yet")
	}
	if _, err := enc.Get(hash); !errors.Contains(err, ErrChunkMissing) {
		t.Fatalf("expected ErrChunkMissing, got %v", err)
	}

	if err := enc.Put(hash, data); err != nil {
		t.Fatal(err)
	}
	if !enc.Has(hash) {
		t.Fatal("blob should exist after put")
	}
	got, err := enc.Get(hash)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatal("round-tripped blob does not match")
	}

	hashes, err := enc.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 1 || hashes[0] != hash {
		t.Fatalf("expected List to report the single stored hash, got %v", hashes)
	}

	if err := enc.Remove(hash); err != nil {
		t.Fatal(err)
	}
	if enc.Has(hash) {
		t.Fatal("blob should be gone after remove")
	}
	if err := enc.Remove(hash); err != nil {
		t.Fatal("removing an absent blob should not error")
	}
}

// setup builds a real working tree, an Index with a single FILE Meta
// whose chunk is placed at a known offset, and the AES key needed to
// decrypt the Meta's EncPath, mirroring what the indexer would produce.
func setup(t *testing.T) (root string, idx *index.Index, key crypto.AESKey, pathID crypto.PathID, chunkHash crypto.Hash, chunkIV [crypto.IVSize]byte, plaintextWant []byte, sk crypto.SigningKey) {
	t.Helper()
	root = t.TempDir()
	plaintext := []byte("hello chunk storage world")
	if err := os.WriteFile(filepath.Join(root, "f.txt"), plaintext, 0600); err != nil {
		t.Fatal(err)
	}

	key = crypto.GenerateAESKey()
	var errSign error
	sk, errSign = crypto.GenerateSigningKey()
	if errSign != nil {
		t.Fatal(errSign)
	}

	idxPath := filepath.Join(t.TempDir(), "index.db")
	var err error
	idx, err = index.Open(idxPath, sk.Public())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	rp, err := relpath.New("f.txt")
	if err != nil {
		t.Fatal(err)
	}
	encPathIV := crypto.GenerateIV()
	encPath, err := key.Encrypt(encPathIV, []byte(rp.String()))
	if err != nil {
		t.Fatal(err)
	}

	pathID, err = crypto.ComputePathID(key.Bytes(), rp.String())
	if err != nil {
		t.Fatal(err)
	}

	chunkIV = crypto.GenerateIV()
	ciphertext, err := key.Encrypt(chunkIV, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	chunkHash = crypto.HashBytes(ciphertext)

	m := meta.Meta{
		PathID:    pathID,
		EncPath:   encPath,
		EncPathIV: encPathIV,
		Type:      meta.TypeFile,
		Revision:  1,
		FileMap: []meta.ChunkInfo{
			{CiphertextHash: chunkHash, Size: uint64(len(plaintext)), IV: chunkIV},
		},
	}
	sm, err := meta.Sign(m, sk)
	if err != nil {
		t.Fatal(err)
	}
	results, err := idx.PutMeta([]meta.SignedMeta{sm})
	if err != nil {
		t.Fatal(err)
	}
	if results[0] != nil {
		t.Fatalf("meta should have been accepted, got %v", results[0])
	}
	if err := idx.MarkAssembled(pathID, chunkHash, true); err != nil {
		t.Fatal(err)
	}
	return root, idx, key, pathID, chunkHash, chunkIV, plaintext, sk
}

func TestOpenStorageReconstructsFromWorkingTree(t *testing.T) {
	root, idx, key, _, chunkHash, _, _, _ := setup(t)
	open := NewOpenStorage(root, idx, key)

	ciphertext, err := open.Get(chunkHash)
	if err != nil {
		t.Fatal(err)
	}
	if crypto.HashBytes(ciphertext) != chunkHash {
		t.Fatal("reconstructed ciphertext does not hash to the expected chunk hash")
	}
}

func TestOpenStorageDetectsDivergence(t *testing.T) {
	root, idx, key, _, chunkHash, _, _, _ := setup(t)
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("this file has been edited since indexing"), 0600); err != nil {
		t.Fatal(err)
	}
	open := NewOpenStorage(root, idx, key)

	if _, err := open.Get(chunkHash); !errors.Contains(err, ErrChunkDiverged) {
		t.Fatalf("expected ErrChunkDiverged, got %v", err)
	}
}

func TestChunkStorageGetCiphertextFallsBackToOpenStorage(t *testing.T) {
	root, idx, key, _, chunkHash, _, _, _ := setup(t)
	enc, err := NewEncStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	open := NewOpenStorage(root, idx, key)
	cs := New(enc, open, idx, key)

	ciphertext, err := cs.GetCiphertext(chunkHash)
	if err != nil {
		t.Fatal(err)
	}
	if crypto.HashBytes(ciphertext) != chunkHash {
		t.Fatal("ciphertext from fallback path does not match expected hash")
	}
}

func TestChunkStorageGetPlaintextDecryptsReconstructedChunk(t *testing.T) {
	root, idx, key, _, chunkHash, chunkIV, plaintextWant, _ := setup(t)
	enc, err := NewEncStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	open := NewOpenStorage(root, idx, key)
	cs := New(enc, open, idx, key)

	plaintext, err := cs.GetPlaintext(chunkHash, chunkIV)
	if err != nil {
		t.Fatal(err)
	}
	if string(plaintext) != string(plaintextWant) {
		t.Fatal("decrypted plaintext does not match the original file content")
	}
}

func TestChunkStoragePutCiphertextValidatesHashAndKnownRow(t *testing.T) {
	_, idx, key, _, chunkHash, _, _, _ := setup(t)
	enc, err := NewEncStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	open := NewOpenStorage(t.TempDir(), idx, key)
	cs := New(enc, open, idx, key)

	unknownData := []byte("nobody referenced this chunk")
	unknownHash := crypto.HashBytes(unknownData)
	if err := cs.PutCiphertext(unknownHash, unknownData); !errors.Contains(err, ErrUnknownChunk) {
		t.Fatalf("expected ErrUnknownChunk, got %v", err)
	}

	// The known chunk's real ciphertext bytes aren't reproduced here;
	// instead confirm a hash/content mismatch against the known row is
	// rejected before ever touching storage.
	if err := cs.PutCiphertext(chunkHash, []byte("wrong bytes")); !errors.Contains(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestSweepRemovesOrphansAndDemotesAssembled(t *testing.T) {
	root, idx, key, pathID, chunkHash, _, _, _ := setup(t)
	enc, err := NewEncStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	open := NewOpenStorage(root, idx, key)
	cs := New(enc, open, idx, key)

	ciphertext, err := open.Get(chunkHash)
	if err != nil {
		t.Fatal(err)
	}
	if err := cs.PutCiphertext(chunkHash, ciphertext); err != nil {
		t.Fatal(err)
	}

	orphanData := []byte("orphaned blob nobody references")
	orphanHash := crypto.HashBytes(orphanData)
	if err := enc.Put(orphanHash, orphanData); err != nil {
		t.Fatal(err)
	}

	removed, demoted, err := cs.Sweep(idx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 orphan removed, got %d", removed)
	}
	if demoted != 1 {
		t.Fatalf("expected 1 chunk demoted (fully assembled), got %d", demoted)
	}
	if enc.Has(orphanHash) {
		t.Fatal("orphaned blob should have been removed")
	}
	if enc.Has(chunkHash) {
		t.Fatal("fully-assembled chunk's enc copy should have been demoted")
	}

	presence, err := idx.ChunkPresence(chunkHash)
	if err != nil {
		t.Fatal(err)
	}
	if presence != index.PresenceInOpenFS {
		t.Fatalf("expected chunk to remain present via openfs after demotion, got %v", presence)
	}
	_ = pathID
}

// TestDeletedMetaCascadesChunkRowAndSweepsBlob exercises scenario S3 end
// to end through the real delete path, rather than fabricating an
// orphan blob directly: submitting a DELETED Meta for a path must
// remove its files row via a real DELETE (so chunk_gc_on_file_delete
// fires), which drops the now-unreferenced chunks row, which Sweep then
// reads as an orphan and removes the blob for.
func TestDeletedMetaCascadesChunkRowAndSweepsBlob(t *testing.T) {
	root, idx, key, pathID, chunkHash, _, _, sk := setup(t)
	enc, err := NewEncStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	open := NewOpenStorage(root, idx, key)
	cs := New(enc, open, idx, key)

	ciphertext, err := open.Get(chunkHash)
	if err != nil {
		t.Fatal(err)
	}
	if err := cs.PutCiphertext(chunkHash, ciphertext); err != nil {
		t.Fatal(err)
	}
	if has, err := idx.ChunkHasRow(chunkHash); err != nil || !has {
		t.Fatalf("expected chunk row to exist before deletion, has=%v err=%v", has, err)
	}

	deleted := meta.Meta{PathID: pathID, Type: meta.TypeDeleted, Revision: 2}
	sm, err := meta.Sign(deleted, sk)
	if err != nil {
		t.Fatal(err)
	}
	results, err := idx.PutMeta([]meta.SignedMeta{sm})
	if err != nil {
		t.Fatal(err)
	}
	if results[0] != nil {
		t.Fatalf("deleted meta should have been accepted, got %v", results[0])
	}

	if has, err := idx.ChunkHasRow(chunkHash); err != nil || has {
		t.Fatalf("expected chunk row to be gone after delete cascade, has=%v err=%v", has, err)
	}

	removed, _, err := cs.Sweep(idx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 orphaned blob removed by sweep, got %d", removed)
	}
	if enc.Has(chunkHash) {
		t.Fatal("blob for the deleted path's chunk should have been swept")
	}
}

