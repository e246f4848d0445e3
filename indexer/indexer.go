// Package indexer implements spec.md §4.5: turning one relative path
// into a signed Meta and committing it to the Index. Content-defined
// chunking uses github.com/restic/chunker's Rabin fingerprinting, the
// same library two other repos in the retrieval pack
// (FairForge-vaultaire, jotjot-knoxite) use for the "edits yield
// mostly-overlapping chunk sets" property spec.md §4.5 calls for.
package indexer

import (
	"io"
	"os"
	"runtime"
	"time"

	"github.com/librevault/synccore/crypto"
	"github.com/librevault/synccore/index"
	"github.com/librevault/synccore/meta"
	"github.com/librevault/synccore/persist"
	"github.com/librevault/synccore/relpath"
	"github.com/librevault/synccore/secret"
	"github.com/restic/chunker"
	"github.com/uplo-tech/errors"
)

// chunkPolynomial is a fixed Rabin irreducible polynomial, the same
// constant value restic/chunker's own test suite uses. It only needs to
// be fixed within one Indexer instance: chunk boundaries are a property
// of one peer's own repeated indexing of one file, not something peers
// need to agree on (peers replicate the resulting FileMap, not the
// polynomial).
const chunkPolynomial chunker.Pol = 0x3DA3358B4DC173

// Config bounds content-defined chunk sizes. Defaults mirror
// restic/chunker's own MinSize/MaxSize; tests and small working trees
// typically override them so that tiny fixture files still exercise
// more than one chunk boundary. MinChunkSize must be at least 64,
// restic/chunker's rolling-hash window: below that no boundary is ever
// found and each file becomes a single chunk.
type Config struct {
	MinChunkSize uint
	MaxChunkSize uint
}

// DefaultConfig returns restic/chunker's own default bounds (512KiB/8MiB).
func DefaultConfig() Config {
	return Config{MinChunkSize: chunker.MinSize, MaxChunkSize: chunker.MaxSize}
}

// metaStore is the subset of *index.Index the Indexer needs: read the
// prior Meta for update-chunking, commit the freshly built one.
type metaStore interface {
	GetMeta(pathID crypto.PathID) (meta.SignedMeta, error)
	PutMeta(batch []meta.SignedMeta) ([]error, error)
}

// Indexer builds and commits a fresh SignedMeta for one relative path at
// a time. It holds no state beyond an optional logger; concurrency
// across paths is bounded by the semaphore sized at construction,
// matching spec.md §4.5's "concurrency is bounded by a work queue."
type Indexer struct {
	root   string
	secret secret.Secret
	idx    metaStore
	cfg    Config
	log    *persist.Logger

	sem chan struct{}
}

// New builds an Indexer rooted at root, using sec for path/content
// encryption and signing, idx as the backing store, and concurrency as
// the maximum number of IndexPath calls running at once.
func New(root string, sec secret.Secret, idx metaStore, cfg Config, concurrency int, log *persist.Logger) *Indexer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Indexer{
		root:   root,
		secret: sec,
		idx:    idx,
		cfg:    cfg,
		log:    log,
		sem:    make(chan struct{}, concurrency),
	}
}

// IndexPath implements spec.md §4.5: compute PathID, encrypt the path,
// stat and route by type, build or update the FileMap, sign, and commit
// a batch of one to the Index. The returned SignedMeta is the one this
// call built even when the Index reports it as an ErrStaleRevision
// no-op (spec.md §7: stale submissions are not an error).
func (ix *Indexer) IndexPath(rp relpath.RelPath) (meta.SignedMeta, error) {
	ix.sem <- struct{}{}
	defer func() { <-ix.sem }()

	pathIDKey, err := ix.secret.GetPathIDKey()
	if err != nil {
		return meta.SignedMeta{}, errors.AddContext(err, "could not get path id key")
	}
	pathID, err := crypto.ComputePathID(pathIDKey, rp.String())
	if err != nil {
		return meta.SignedMeta{}, errors.AddContext(err, "could not compute path id")
	}

	encKey, err := ix.secret.GetEncryptionKey()
	if err != nil {
		return meta.SignedMeta{}, errors.AddContext(err, "could not get encryption key")
	}
	encPathIV := crypto.GenerateIV()
	encPath, err := encKey.Encrypt(encPathIV, []byte(rp.String()))
	if err != nil {
		return meta.SignedMeta{}, errors.AddContext(err, "could not encrypt path")
	}

	m := meta.Meta{
		PathID:    pathID,
		EncPath:   encPath,
		EncPathIV: encPathIV,
	}

	absPath := rp.AbsPath(ix.root)
	info, statErr := os.Lstat(absPath)
	switch {
	case os.IsNotExist(statErr):
		if ix.log != nil {
			ix.log.Debugln("indexing deleted path", rp.String())
		}
		m.Type = meta.TypeDeleted
		m.Revision = time.Now().UnixNano()
	case statErr != nil:
		return meta.SignedMeta{}, errors.AddContext(statErr, "could not stat path")
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(absPath)
		if err != nil {
			return meta.SignedMeta{}, errors.AddContext(err, "could not read symlink target")
		}
		targetIV := crypto.GenerateIV()
		encTarget, err := encKey.Encrypt(targetIV, []byte(target))
		if err != nil {
			return meta.SignedMeta{}, errors.AddContext(err, "could not encrypt symlink target")
		}
		m.Type = meta.TypeSymlink
		m.SymlinkTarget = encTarget
		m.SymlinkTargetIV = targetIV
		m.Revision = info.ModTime().UnixNano()
		m.Attribs = attribsOf(info)
	case info.IsDir():
		m.Type = meta.TypeDirectory
		m.Revision = info.ModTime().UnixNano()
		m.Attribs = attribsOf(info)
	default:
		fileMap, err := ix.buildFileMap(absPath, pathID, encKey)
		if err != nil {
			return meta.SignedMeta{}, errors.AddContext(err, "could not build file map")
		}
		m.Type = meta.TypeFile
		m.FileMap = fileMap
		m.Revision = info.ModTime().UnixNano()
		m.Attribs = attribsOf(info)
	}

	sk, err := ix.secret.GetSigningKey()
	if err != nil {
		return meta.SignedMeta{}, errors.AddContext(err, "could not get signing key")
	}
	sm, err := meta.Sign(m, sk)
	if err != nil {
		return meta.SignedMeta{}, errors.AddContext(err, "could not sign meta")
	}

	results, err := ix.idx.PutMeta([]meta.SignedMeta{sm})
	if err != nil {
		return meta.SignedMeta{}, errors.AddContext(err, "could not commit meta")
	}
	if putErr := results[0]; putErr != nil && !errors.Contains(putErr, index.ErrStaleRevision) {
		return meta.SignedMeta{}, putErr
	}
	return sm, nil
}

// buildFileMap produces the ordered chunk sequence for absPath,
// reusing the ciphertext hash and IV of any chunk whose plaintext
// content is unchanged from the path's previous FileMap (spec.md §4.5:
// "IVs are sticky per chunk across updates; only newly introduced
// chunks get fresh IVs").
func (ix *Indexer) buildFileMap(absPath string, pathID crypto.PathID, encKey crypto.AESKey) ([]meta.ChunkInfo, error) {
	prevChunks := ix.previousChunksByPlaintextHash(pathID)

	f, err := os.Open(absPath)
	if err != nil {
		return nil, errors.AddContext(err, "could not open file for chunking")
	}
	defer f.Close()

	ch := chunker.NewWithBoundaries(f, chunkPolynomial, ix.cfg.MinChunkSize, ix.cfg.MaxChunkSize)

	buf := make([]byte, ix.cfg.MaxChunkSize)
	var out []meta.ChunkInfo
	for {
		chunk, err := ch.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.AddContext(err, "could not read next chunk")
		}

		data := append([]byte(nil), chunk.Data...)
		plaintextHash := crypto.HashBytes(data)

		if prev, ok := prevChunks[plaintextHash]; ok && prev.Size == uint64(len(data)) {
			out = append(out, prev)
		} else {
			iv := crypto.GenerateIV()
			ciphertext, err := encKey.Encrypt(iv, data)
			if err != nil {
				return nil, errors.AddContext(err, "could not encrypt chunk")
			}
			out = append(out, meta.ChunkInfo{
				CiphertextHash:   crypto.HashBytes(ciphertext),
				PlaintextHash:    plaintextHash,
				HasPlaintextHash: true,
				Size:             uint64(len(data)),
				IV:               iv,
			})
		}

		// Yield between chunks so indexing a large file does not starve
		// the internal lane (spec.md §5).
		runtime.Gosched()
	}
	return out, nil
}

func (ix *Indexer) previousChunksByPlaintextHash(pathID crypto.PathID) map[crypto.Hash]meta.ChunkInfo {
	out := map[crypto.Hash]meta.ChunkInfo{}
	prevSM, err := ix.idx.GetMeta(pathID)
	if err != nil {
		return out
	}
	vk, err := ix.secret.GetVerifyingKey()
	if err != nil {
		return out
	}
	prevMeta, err := prevSM.Verify(vk)
	if err != nil || prevMeta.Type != meta.TypeFile {
		return out
	}
	for _, c := range prevMeta.FileMap {
		if c.HasPlaintextHash {
			out[c.PlaintextHash] = c
		}
	}
	return out
}
