// Package folder wires the seven sync-core components behind the
// external interfaces spec.md §6 names, owning the internal lane (§5)
// that serializes the SubmitMeta and PutCiphertext Index mutations and
// the threadgroup.ThreadGroup that
// drains in-flight work on shutdown. Its role mirrors MetaStorage in
// original_source/daemon/folder/meta/MetaStorage.cpp: the thing that
// owns Index + Indexer + AutoIndexer and answers is_indexing/
// prepare_assemble for the rest of the daemon.
package folder

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/librevault/synccore/autoindexer"
	"github.com/librevault/synccore/chunkstorage"
	"github.com/librevault/synccore/crypto"
	"github.com/librevault/synccore/fileassembler"
	"github.com/librevault/synccore/index"
	"github.com/librevault/synccore/indexer"
	"github.com/librevault/synccore/meta"
	"github.com/librevault/synccore/persist"
	"github.com/librevault/synccore/relpath"
	"github.com/librevault/synccore/secret"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"
)

// FolderState is the degraded-state signal spec.md §7 asks for: "surface
// as a folder-level degraded state" after repeated IoError/DbError.
type FolderState int

// The three states a Folder can report.
const (
	StateIdle FolderState = iota
	StateIndexing
	StateDegraded
)

func (s FolderState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIndexing:
		return "indexing"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// degradedThreshold is how many consecutive IoError/DbError responses
// from Index or ChunkStorage operations push a Folder into
// StateDegraded (spec.md §7).
const degradedThreshold = 5

// Params is the plain configuration descriptor spec.md §9 design notes
// call for ("the core accepts configuration as a plain descriptor at
// construction") instead of a global singleton.
type Params struct {
	// OpenPath is the root of the user-visible synchronized tree.
	OpenPath string
	// BlockPath is the root of EncStorage's blob directory.
	BlockPath string
	// DBPath is the sqlite index file path.
	DBPath string

	Secret secret.Secret

	// Debounce is AutoIndexer's debounce window; zero uses
	// autoindexer.DefaultDebounce.
	Debounce time.Duration

	// MinChunkSize/MaxChunkSize bound the Indexer's content-defined
	// chunking; zero uses indexer.DefaultConfig().
	MinChunkSize uint
	MaxChunkSize uint

	// IndexConcurrency bounds how many paths the Indexer chunks at
	// once; zero defaults to 2.
	IndexConcurrency int
}

// PathRevision is one entry of ListPathRevisions.
type PathRevision struct {
	PathID   crypto.PathID
	Revision int64
}

// Folder owns one synchronized folder's Secret, Index, ChunkStorage,
// Indexer, AutoIndexer and FileAssembler, and exposes the operations
// spec.md §6 lists for the control surface, meta exchange, chunk
// exchange, and assembly control.
type Folder struct {
	params Params
	log    *persist.Logger

	idx     *index.Index
	enc     *chunkstorage.EncStorage
	storage *chunkstorage.ChunkStorage

	indexer   *indexer.Indexer
	auto      *autoindexer.AutoIndexer
	assembler *fileassembler.FileAssembler

	tg threadgroup.ThreadGroup

	// lane is the single-goroutine internal lane (spec.md §5):
	// SubmitMeta and PutCiphertext post their Index mutations here so
	// they compose without cross-goroutine locking of the store.
	// IndexPath (through the Indexer) and the FileAssembler write to the
	// Index directly, not through the lane; the Index's single sqlite
	// connection is what serializes their writes with the lane's.
	lane chan func()

	indexingCount int32
	degradedCount int32
	rescanCh      chan struct{}

	mu sync.Mutex
}

// Open constructs a Folder from params: opens the Index, EncStorage and
// OpenStorage, and — only at ReadWrite+ — an Indexer and AutoIndexer;
// FileAssembler is built whenever the secret can read plaintext
// (ReadOnly+), since even a read-only replica materializes files from
// peer-supplied Metas and chunks.
func Open(params Params, log *persist.Logger) (*Folder, error) {
	if params.Debounce <= 0 {
		params.Debounce = autoindexer.DefaultDebounce
	}
	if params.MinChunkSize == 0 || params.MaxChunkSize == 0 {
		cfg := indexer.DefaultConfig()
		params.MinChunkSize, params.MaxChunkSize = cfg.MinChunkSize, cfg.MaxChunkSize
	}
	if params.IndexConcurrency <= 0 {
		params.IndexConcurrency = 2
	}

	vk, err := params.Secret.GetVerifyingKey()
	if err != nil {
		return nil, errors.AddContext(err, "folder requires at least a ReadOnly secret")
	}

	if err := os.MkdirAll(params.OpenPath, 0700); err != nil {
		return nil, errors.AddContext(err, "could not create open directory")
	}
	if err := os.MkdirAll(filepath.Dir(params.DBPath), 0700); err != nil {
		return nil, errors.AddContext(err, "could not create db directory")
	}

	idx, err := index.Open(params.DBPath, vk)
	if err != nil {
		return nil, errors.AddContext(err, "could not open index")
	}

	enc, err := chunkstorage.NewEncStorage(params.BlockPath)
	if err != nil {
		idx.Close()
		return nil, errors.AddContext(err, "could not open enc storage")
	}

	f := &Folder{
		params:   params,
		log:      log,
		idx:      idx,
		enc:      enc,
		lane:     make(chan func(), 256),
		rescanCh: make(chan struct{}, 1),
	}

	var encKeyErr error
	var encKey crypto.AESKey
	if encKey, encKeyErr = params.Secret.GetEncryptionKey(); encKeyErr == nil {
		open := chunkstorage.NewOpenStorage(params.OpenPath, idx, encKey)
		f.storage = chunkstorage.New(enc, open, idx, encKey)
	}

	if params.Secret.Level() >= secret.LevelReadWrite {
		f.indexer = indexer.New(params.OpenPath, params.Secret,
			idx, indexer.Config{MinChunkSize: params.MinChunkSize, MaxChunkSize: params.MaxChunkSize},
			params.IndexConcurrency, log)

		auto, err := autoindexer.New(params.OpenPath, params.Debounce, f, log)
		if err != nil {
			f.Close()
			return nil, errors.AddContext(err, "could not start auto indexer")
		}
		f.auto = auto
	}

	if encKeyErr == nil {
		var announcer fileassembler.Announcer
		if f.auto != nil {
			announcer = f.auto
		}
		f.assembler = fileassembler.New(params.OpenPath, idx, f.storage, params.Secret, announcer, log)
		if err := f.assembler.Start(); err != nil {
			f.Close()
			return nil, errors.AddContext(err, "could not start file assembler")
		}
	}

	if err := f.tg.Launch(f.runLane); err != nil {
		f.Close()
		return nil, errors.AddContext(err, "could not start internal lane")
	}

	return f, nil
}

// runLane is the internal lane goroutine: it drains the closures that
// SubmitMeta and PutCiphertext post, running them one at a time
// (spec.md §5).
func (f *Folder) runLane() {
	for {
		select {
		case <-f.tg.StopChan():
			// Drain anything already queued before exiting.
			for {
				select {
				case task := <-f.lane:
					task()
				default:
					return
				}
			}
		case task := <-f.lane:
			task()
		}
	}
}

// post runs fn on the internal lane and waits for it to finish.
func (f *Folder) post(fn func() error) error {
	done := make(chan error, 1)
	select {
	case f.lane <- func() { done <- fn() }:
	case <-f.tg.StopChan():
		return errors.New("folder is closing")
	}
	select {
	case err := <-done:
		return err
	case <-f.tg.StopChan():
		return errors.New("folder is closing")
	}
}

// IndexPath implements the pathIndexer interface AutoIndexer expects,
// tracking IsIndexing()'s counter and degraded-state bookkeeping around
// each call (spec.md §6/§7).
func (f *Folder) IndexPath(rp relpath.RelPath) (meta.SignedMeta, error) {
	if f.indexer == nil {
		return meta.SignedMeta{}, errors.New("folder has no indexer below ReadWrite")
	}
	atomic.AddInt32(&f.indexingCount, 1)
	defer atomic.AddInt32(&f.indexingCount, -1)

	sm, err := f.indexer.IndexPath(rp)
	f.noteResult(err)
	return sm, err
}

func (f *Folder) noteResult(err error) {
	if err == nil {
		atomic.StoreInt32(&f.degradedCount, 0)
		return
	}
	if errors.Contains(err, index.ErrBadSignature) || errors.Contains(err, index.ErrStaleRevision) ||
		errors.Contains(err, chunkstorage.ErrHashMismatch) || errors.Contains(err, chunkstorage.ErrUnknownChunk) {
		return // peer/config faults are not environmental degradation
	}
	atomic.AddInt32(&f.degradedCount, 1)
}

// IsIndexing reports whether the Indexer currently has work in flight.
func (f *Folder) IsIndexing() bool {
	return atomic.LoadInt32(&f.indexingCount) > 0
}

// TriggerFullRescan walks the open directory and indexes every path
// found, the supplemented operation SPEC_FULL.md §6 names.
func (f *Folder) TriggerFullRescan() {
	select {
	case f.rescanCh <- struct{}{}:
	default:
	}
	if f.indexer == nil {
		return
	}
	_ = filepath.Walk(f.params.OpenPath, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == f.params.OpenPath {
			return nil
		}
		rp, rerr := relpath.FromAbsPath(path, f.params.OpenPath)
		if rerr != nil {
			return nil
		}
		_, _ = f.IndexPath(rp)
		return nil
	})
	select {
	case <-f.rescanCh:
	default:
	}
}

// ListPathRevisions implements spec.md §6's meta-exchange listing.
func (f *Folder) ListPathRevisions() ([]PathRevision, error) {
	all, err := f.idx.GetAllMeta()
	if err != nil {
		return nil, err
	}
	vk, err := f.params.Secret.GetVerifyingKey()
	if err != nil {
		return nil, err
	}
	out := make([]PathRevision, 0, len(all))
	for _, sm := range all {
		m, err := sm.Verify(vk)
		if err != nil {
			continue
		}
		out = append(out, PathRevision{PathID: m.PathID, Revision: m.Revision})
	}
	return out, nil
}

// GetMeta implements spec.md §6's GetMeta(PathID).
func (f *Folder) GetMeta(pathID crypto.PathID) (meta.SignedMeta, error) {
	return f.idx.GetMeta(pathID)
}

// SubmitMeta implements spec.md §6's submit_meta(SignedMeta), routed
// through the internal lane so it composes with local indexing
// (spec.md §5).
func (f *Folder) SubmitMeta(sm meta.SignedMeta) error {
	return f.post(func() error {
		results, err := f.idx.PutMeta([]meta.SignedMeta{sm})
		if err != nil {
			f.noteResult(err)
			return err
		}
		f.noteResult(results[0])
		if results[0] != nil && !errors.Contains(results[0], index.ErrStaleRevision) {
			return results[0]
		}
		return nil
	})
}

// HaveChunk implements spec.md §6's have_chunk(hash).
func (f *Folder) HaveChunk(hash crypto.Hash) bool {
	presence, err := f.idx.ChunkPresence(hash)
	if err != nil {
		return false
	}
	return presence != index.PresenceAbsent
}

// GetCiphertext implements spec.md §6's get_ciphertext(hash).
func (f *Folder) GetCiphertext(hash crypto.Hash) ([]byte, error) {
	if f.storage == nil {
		return nil, errors.New("folder has no plaintext access below ReadOnly")
	}
	return f.storage.GetCiphertext(hash)
}

// PutCiphertext implements spec.md §6's put_ciphertext(hash, bytes),
// routed through the internal lane since it mutates chunk presence
// bookkeeping in the Index.
func (f *Folder) PutCiphertext(hash crypto.Hash, data []byte) error {
	if f.storage == nil {
		return errors.New("folder has no chunk storage below ReadOnly")
	}
	return f.post(func() error {
		err := f.storage.PutCiphertext(hash, data)
		f.noteResult(err)
		return err
	})
}

// QueueAssemble implements spec.md §6's queue_assemble(PathID).
func (f *Folder) QueueAssemble(pathID crypto.PathID) {
	if f.assembler != nil {
		f.assembler.QueueAssemble(pathID)
	}
}

// PrepareAssemble implements spec.md §6's
// prepare_assemble(path, type, with_removal), forwarded to AutoIndexer
// when one exists (a read-only replica has no local watcher to
// suppress).
func (f *Folder) PrepareAssemble(rp relpath.RelPath, t meta.Type, withRemoval bool) {
	if f.auto != nil {
		f.auto.PrepareAssemble(rp, t, withRemoval)
	}
}

// State reports the folder-level degraded state spec.md §7 describes.
func (f *Folder) State() FolderState {
	if atomic.LoadInt32(&f.degradedCount) >= degradedThreshold {
		return StateDegraded
	}
	if f.IsIndexing() {
		return StateIndexing
	}
	return StateIdle
}

// Close drains in-flight work and releases every resource the Folder
// owns, per spec.md §5's shutdown sequence: drain the assemble queue to
// a safe point, cancel the watcher, wait for in-flight Index
// transactions, then close the database.
func (f *Folder) Close() error {
	var errs []error
	if f.assembler != nil {
		errs = append(errs, f.assembler.Close())
	}
	if f.auto != nil {
		errs = append(errs, f.auto.Close())
	}
	errs = append(errs, f.tg.Stop())
	errs = append(errs, f.idx.Close())
	return errors.Compose(errs...)
}
