package fileassembler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/librevault/synccore/build"
	"github.com/librevault/synccore/chunkstorage"
	"github.com/librevault/synccore/crypto"
	"github.com/librevault/synccore/index"
	"github.com/librevault/synccore/meta"
	"github.com/librevault/synccore/relpath"
	"github.com/librevault/synccore/secret"
)

// buildFixture signs a one-chunk FILE Meta for relPath=name holding
// plaintext, commits it to a fresh Index, and returns everything a
// FileAssembler needs to materialize it.
func buildFixture(t *testing.T, name string, plaintext []byte) (sec secret.Secret, idx *index.Index, pathID crypto.PathID, enc *chunkstorage.EncStorage, cs *chunkstorage.ChunkStorage, ciphertext []byte) {
	t.Helper()
	var err error
	sec, err = secret.New()
	if err != nil {
		t.Fatal(err)
	}
	vk, _ := sec.GetVerifyingKey()
	idx, err = index.Open(filepath.Join(t.TempDir(), "index.db"), vk)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	encKey, _ := sec.GetEncryptionKey()
	rp, err := relpath.New(name)
	if err != nil {
		t.Fatal(err)
	}
	pathID, err = crypto.ComputePathID(mustPathIDKey(t, sec), rp.String())
	if err != nil {
		t.Fatal(err)
	}
	encPathIV := crypto.GenerateIV()
	encPath, err := encKey.Encrypt(encPathIV, []byte(rp.String()))
	if err != nil {
		t.Fatal(err)
	}

	chunkIV := crypto.GenerateIV()
	ciphertext, err = encKey.Encrypt(chunkIV, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	chunkHash := crypto.HashBytes(ciphertext)

	m := meta.Meta{
		PathID:    pathID,
		EncPath:   encPath,
		EncPathIV: encPathIV,
		Type:      meta.TypeFile,
		Revision:  time.Now().UnixNano(),
		FileMap: []meta.ChunkInfo{
			{CiphertextHash: chunkHash, Size: uint64(len(plaintext)), IV: chunkIV},
		},
		Attribs: meta.Attribs{Mode: 0644, MTime: time.Now().UnixNano()},
	}
	sk, err := sec.GetSigningKey()
	if err != nil {
		t.Fatal(err)
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

	enc, err = chunkstorage.NewEncStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	open := chunkstorage.NewOpenStorage(t.TempDir(), idx, encKey)
	cs = chunkstorage.New(enc, open, idx, encKey)
	return sec, idx, pathID, enc, cs, ciphertext
}

func mustPathIDKey(t *testing.T, sec secret.Secret) []byte {
	t.Helper()
	k, err := sec.GetPathIDKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

// TestAssembleFromChunksOnly checks scenario S5: given an empty working
// tree, injecting a SignedMeta and its ciphertext chunk and calling
// QueueAssemble materializes the original file.
func TestAssembleFromChunksOnly(t *testing.T) {
	plaintext := []byte("reconstruct me from chunks alone")
	sec, idx, pathID, enc, cs, ciphertext := buildFixture(t, "restored.txt", plaintext)

	chunkHash := crypto.HashBytes(ciphertext)
	if err := cs.PutCiphertext(chunkHash, ciphertext); err != nil {
		t.Fatal(err)
	}
	_ = enc

	root := t.TempDir()
	fa := New(root, idx, cs, sec, nil, nil)
	if err := fa.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fa.Close() })

	fa.QueueAssemble(pathID)

	path := filepath.Join(root, "restored.txt")
	var data []byte
	if err := build.Retry(150, 20*time.Millisecond, func() (err error) {
		data, err = os.ReadFile(path)
		return err
	}); err != nil {
		t.Fatal("timed out waiting for file to be assembled:", err)
	}
	if string(data) != string(plaintext) {
		t.Fatalf("assembled content mismatch: got %q want %q", data, plaintext)
	}
}

// fakeAnnouncer records PrepareAssemble calls and whether the announced
// path already existed under root when each call was made.
type fakeAnnouncer struct {
	root    string
	calls   []string
	existed []bool
}

func (f *fakeAnnouncer) PrepareAssemble(rp relpath.RelPath, t meta.Type, withRemoval bool) {
	f.calls = append(f.calls, rp.String())
	_, err := os.Lstat(rp.AbsPath(f.root))
	f.existed = append(f.existed, err == nil)
}

// TestAssembleAnnouncesBeforeWriting checks that PrepareAssemble is
// called before the working-tree mutation, the happens-before ordering
// spec.md §5 requires so AutoIndexer can suppress the resulting event.
func TestAssembleAnnouncesBeforeWriting(t *testing.T) {
	plaintext := []byte("announced write")
	sec, idx, pathID, _, cs, ciphertext := buildFixture(t, "ann.txt", plaintext)
	if err := cs.PutCiphertext(crypto.HashBytes(ciphertext), ciphertext); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	ann := &fakeAnnouncer{root: root}
	fa := New(root, idx, cs, sec, ann, nil)
	if err := fa.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fa.Close() })

	fa.QueueAssemble(pathID)

	if err := build.Retry(150, 20*time.Millisecond, func() error {
		_, err := os.ReadFile(filepath.Join(root, "ann.txt"))
		return err
	}); err != nil {
		t.Fatal("timed out waiting for assembly:", err)
	}

	if len(ann.calls) != 1 || ann.calls[0] != "ann.txt" {
		t.Fatalf("expected exactly one PrepareAssemble(ann.txt) call, got %v", ann.calls)
	}
	if ann.existed[0] {
		t.Fatal("PrepareAssemble was called after ann.txt had already been written")
	}
}

// TestAssembleIncompleteWhenChunkMissing checks that a missing chunk
// leaves the file unmaterialized rather than producing a truncated
// file.
func TestAssembleIncompleteWhenChunkMissing(t *testing.T) {
	sec, idx, pathID, _, cs, _ := buildFixture(t, "missing.txt", []byte("never arrives"))

	root := t.TempDir()
	fa := New(root, idx, cs, sec, nil, nil)

	err := fa.assembleOne(pathID)
	if err == nil {
		t.Fatal("expected an error when the chunk is unavailable")
	}
	if _, statErr := os.Stat(filepath.Join(root, "missing.txt")); statErr == nil {
		t.Fatal("file should not exist when assembly is incomplete")
	}
}

// TestAssembleDeletedRemovesFile checks the DELETED dispatch branch.
func TestAssembleDeletedRemovesFile(t *testing.T) {
	sec, err := secret.New()
	if err != nil {
		t.Fatal(err)
	}
	vk, _ := sec.GetVerifyingKey()
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"), vk)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	encKey, _ := sec.GetEncryptionKey()
	rp, _ := relpath.New("bye.txt")
	pathIDKey, _ := sec.GetPathIDKey()
	pathID, _ := crypto.ComputePathID(pathIDKey, rp.String())
	encPathIV := crypto.GenerateIV()
	encPath, _ := encKey.Encrypt(encPathIV, []byte(rp.String()))

	m := meta.Meta{PathID: pathID, EncPath: encPath, EncPathIV: encPathIV, Type: meta.TypeDeleted, Revision: time.Now().UnixNano()}
	sk, _ := sec.GetSigningKey()
	sm, err := meta.Sign(m, sk)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idx.PutMeta([]meta.SignedMeta{sm}); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "bye.txt"), []byte("still here"), 0600); err != nil {
		t.Fatal(err)
	}

	enc, err := chunkstorage.NewEncStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	open := chunkstorage.NewOpenStorage(root, idx, encKey)
	cs := chunkstorage.New(enc, open, idx, encKey)

	fa := New(root, idx, cs, sec, nil, nil)
	if err := fa.assembleOne(pathID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "bye.txt")); !os.IsNotExist(err) {
		t.Fatal("expected file to be removed by DELETED assembly")
	}
}
