// Package fileassembler implements spec.md §4.7: materializing a file
// on disk from a Meta by fetching its chunks, decrypting them, and
// writing the result in place, coordinating with an Announcer (an
// autoindexer.AutoIndexer in practice) so the write doesn't loop back
// through the indexer. Structure (queue-and-periodic-worker, per-type
// dispatch) is grounded on
// original_source/daemon/folder/chunk/FileAssembler.h's
// assemble_queue_/periodic_assemble_operation/assemble_file split.
package fileassembler

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/librevault/synccore/chunkstorage"
	"github.com/librevault/synccore/crypto"
	"github.com/librevault/synccore/index"
	"github.com/librevault/synccore/meta"
	"github.com/librevault/synccore/persist"
	"github.com/librevault/synccore/relpath"
	"github.com/librevault/synccore/secret"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"
)

// ErrIncomplete is returned when a FILE Meta cannot be fully assembled
// because one or more of its chunks is not yet available; the item is
// retried with bounded backoff rather than treated as a failure (spec.md
// §5/§7), mirroring the timer-driven retry in
// original_source/daemon/folder/chunk/FileAssembler.h's
// periodic_assemble_operation.
var ErrIncomplete = errors.New("not all chunks are available to assemble this file")

const tempSuffix = ".lvassemble"

// retryBaseDelay/retryMaxDelay bound the backoff applied between
// retries of a FILE Meta whose chunks are not yet all available:
// delay doubles per consecutive ErrIncomplete, capped at retryMaxDelay,
// and resets once the path assembles successfully.
const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
)

// metaStore is the subset of *index.Index FileAssembler needs.
type metaStore interface {
	GetMeta(pathID crypto.PathID) (meta.SignedMeta, error)
	MarkAssembled(pathID crypto.PathID, chunkID crypto.Hash, assembled bool) error
}

// chunkSource is the subset of *chunkstorage.ChunkStorage FileAssembler
// needs to fetch ciphertext chunk data, which assembleFile decrypts.
type chunkSource interface {
	GetCiphertext(hash crypto.Hash) ([]byte, error)
}

// Announcer is implemented by autoindexer.AutoIndexer: it is told about
// an upcoming write so it can suppress the watcher event that write
// would otherwise generate (spec.md §4.6/§5).
type Announcer interface {
	PrepareAssemble(rp relpath.RelPath, t meta.Type, withRemoval bool)
}

// FileAssembler materializes Metas onto the working tree at root.
type FileAssembler struct {
	root      string
	idx       metaStore
	storage   chunkSource
	secret    secret.Secret
	announcer Announcer
	log       *persist.Logger

	tg threadgroup.ThreadGroup

	queue *assembleQueue

	retryMu     sync.Mutex
	retryCount  map[crypto.PathID]int
	retryTimers map[crypto.PathID]*time.Timer
}

// New builds a FileAssembler rooted at root. announcer may be nil (a
// read-only replica with no local AutoIndexer to suppress), in which
// case PrepareAssemble calls are simply skipped.
func New(root string, idx metaStore, storage chunkSource, sec secret.Secret, announcer Announcer, log *persist.Logger) *FileAssembler {
	return &FileAssembler{
		root:        root,
		idx:         idx,
		storage:     storage,
		secret:      sec,
		announcer:   announcer,
		log:         log,
		queue:       newAssembleQueue(),
		retryCount:  make(map[crypto.PathID]int),
		retryTimers: make(map[crypto.PathID]*time.Timer),
	}
}

// QueueAssemble enqueues pathID for assembly; a periodic worker drains
// the queue (spec.md §4.7 step 1-2). Re-queuing an already-pending
// PathID is a no-op.
func (fa *FileAssembler) QueueAssemble(pathID crypto.PathID) {
	fa.queue.push(pathID)
}

// Run launches the periodic drain worker and blocks until ctx-like
// shutdown via Close; callers typically invoke it with tg.Launch from
// the owning folder.Folder.
func (fa *FileAssembler) Run() {
	for {
		pathID, ok := fa.queue.pop(fa.tg.StopChan())
		if !ok {
			return
		}
		if err := fa.assembleOne(pathID); err != nil {
			if errors.Contains(err, ErrIncomplete) {
				fa.scheduleRetry(pathID) // chunks may arrive later
			} else if fa.log != nil {
				fa.log.Println("assembly failed:", err)
			}
			continue
		}
		fa.clearRetry(pathID)
	}
}

// Start launches Run on the internal thread group.
func (fa *FileAssembler) Start() error {
	return fa.tg.Launch(fa.Run)
}

// Close stops the drain worker, letting any in-flight item reach a safe
// point (its temp file deleted, no partial rename) before returning, and
// cancels any pending backoff retries.
func (fa *FileAssembler) Close() error {
	err := fa.tg.Stop()
	fa.retryMu.Lock()
	for _, t := range fa.retryTimers {
		t.Stop()
	}
	fa.retryMu.Unlock()
	return err
}

// scheduleRetry re-queues pathID after a backoff delay that doubles per
// consecutive ErrIncomplete, capped at retryMaxDelay, instead of
// spinning the drain loop on a chunk that has not arrived yet.
func (fa *FileAssembler) scheduleRetry(pathID crypto.PathID) {
	fa.retryMu.Lock()
	defer fa.retryMu.Unlock()

	n := fa.retryCount[pathID]
	fa.retryCount[pathID] = n + 1
	delay := retryBaseDelay << n
	if delay <= 0 || delay > retryMaxDelay {
		delay = retryMaxDelay
	}

	if t, ok := fa.retryTimers[pathID]; ok {
		t.Stop()
	}
	fa.retryTimers[pathID] = time.AfterFunc(delay, func() {
		fa.queue.push(pathID)
	})
}

// clearRetry drops any backoff state for pathID after a successful
// assembly, so a later incompleteness starts backing off from scratch.
func (fa *FileAssembler) clearRetry(pathID crypto.PathID) {
	fa.retryMu.Lock()
	defer fa.retryMu.Unlock()
	delete(fa.retryCount, pathID)
	delete(fa.retryTimers, pathID)
}

func (fa *FileAssembler) assembleOne(pathID crypto.PathID) error {
	if err := fa.tg.Add(); err != nil {
		return nil // shutting down; drop silently
	}
	defer fa.tg.Done()

	sm, err := fa.idx.GetMeta(pathID)
	if err != nil {
		if errors.Contains(err, index.ErrNotFound) {
			return nil // nothing to assemble
		}
		return errors.AddContext(err, "could not load meta for assembly")
	}
	vk, err := fa.secret.GetVerifyingKey()
	if err != nil {
		return errors.AddContext(err, "could not get verifying key")
	}
	m, err := sm.Verify(vk)
	if err != nil {
		return errors.AddContext(err, "meta failed signature verification")
	}

	encKey, err := fa.secret.GetEncryptionKey()
	if err != nil {
		return errors.AddContext(err, "could not get encryption key")
	}
	pathBytes, err := encKey.Decrypt(m.EncPathIV, m.EncPath)
	if err != nil {
		return errors.AddContext(err, "could not decrypt path")
	}
	rp, err := relpath.New(string(pathBytes))
	if err != nil {
		return errors.AddContext(err, "decrypted path is invalid")
	}

	switch m.Type {
	case meta.TypeDeleted:
		return fa.assembleDeleted(rp)
	case meta.TypeDirectory:
		return fa.assembleDirectory(rp, m)
	case meta.TypeSymlink:
		return fa.assembleSymlink(rp, m, encKey)
	case meta.TypeFile:
		return fa.assembleFile(pathID, rp, m, encKey)
	default:
		return errors.New("unknown meta type")
	}
}

func (fa *FileAssembler) announce(rp relpath.RelPath, t meta.Type, withRemoval bool) {
	if fa.announcer != nil {
		fa.announcer.PrepareAssemble(rp, t, withRemoval)
	}
}

func (fa *FileAssembler) assembleDeleted(rp relpath.RelPath) error {
	fa.announce(rp, meta.TypeDeleted, true)
	abs := rp.AbsPath(fa.root)
	if err := os.RemoveAll(abs); err != nil {
		return errors.AddContext(err, "could not remove deleted path")
	}
	return nil
}

func (fa *FileAssembler) assembleDirectory(rp relpath.RelPath, m meta.Meta) error {
	abs := rp.AbsPath(fa.root)
	if err := os.MkdirAll(abs, os.FileMode(m.Attribs.Mode)|0700); err != nil {
		return errors.AddContext(err, "could not create directory")
	}
	return applyAttribs(abs, m.Attribs)
}

func (fa *FileAssembler) assembleSymlink(rp relpath.RelPath, m meta.Meta, encKey crypto.AESKey) error {
	target, err := encKey.Decrypt(m.SymlinkTargetIV, m.SymlinkTarget)
	if err != nil {
		return errors.AddContext(err, "could not decrypt symlink target")
	}
	abs := rp.AbsPath(fa.root)
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return errors.AddContext(err, "could not remove existing path before symlinking")
	}
	if err := os.Symlink(string(target), abs); err != nil {
		return errors.AddContext(err, "could not create symlink")
	}
	return nil
}

func (fa *FileAssembler) assembleFile(pathID crypto.PathID, rp relpath.RelPath, m meta.Meta, encKey crypto.AESKey) error {
	abs := rp.AbsPath(fa.root)
	if err := os.MkdirAll(filepath.Dir(abs), 0700); err != nil {
		return errors.AddContext(err, "could not create parent directory")
	}

	tmp := abs + tempSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.AddContext(err, "could not create temp assembly file")
	}
	removeTemp := true
	defer func() {
		if removeTemp {
			_ = os.Remove(tmp)
		}
	}()

	for _, c := range m.FileMap {
		ciphertext, err := fa.storage.GetCiphertext(c.CiphertextHash)
		if err != nil {
			f.Close()
			return errors.Compose(ErrIncomplete, err)
		}
		plaintext, err := encKey.Decrypt(c.IV, ciphertext)
		if err != nil {
			f.Close()
			return errors.AddContext(err, "could not decrypt chunk")
		}
		if _, err := f.Write(plaintext); err != nil {
			f.Close()
			return errors.AddContext(err, "could not write chunk to temp file")
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.AddContext(err, "could not fsync assembled file")
	}
	if err := f.Close(); err != nil {
		return errors.AddContext(err, "could not close assembled file")
	}

	fa.announce(rp, meta.TypeFile, false)
	if err := os.Rename(tmp, abs); err != nil {
		return errors.AddContext(err, "could not rename assembled file into place")
	}
	removeTemp = false

	for _, c := range m.FileMap {
		if err := fa.idx.MarkAssembled(pathID, c.CiphertextHash, true); err != nil {
			return errors.AddContext(err, "could not mark chunk assembled")
		}
	}

	return applyAttribs(abs, m.Attribs)
}
