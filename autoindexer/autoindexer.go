// Package autoindexer implements spec.md §4.6: a debounced filesystem
// watcher that feeds changed paths to an Indexer, coordinating with
// FileAssembler so the core never re-indexes its own writes. The
// watcher itself is github.com/fsnotify/fsnotify, the idiomatic Go
// choice used throughout the retrieval pack (cs3org-reva,
// jesseduffield-lazydocker, marmos91-dittofs).
package autoindexer

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/librevault/synccore/meta"
	"github.com/librevault/synccore/persist"
	"github.com/librevault/synccore/relpath"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"
)

// pathIndexer is the subset of *indexer.Indexer AutoIndexer needs. Kept
// narrow so tests can supply a fake without constructing a real Secret
// and Index.
type pathIndexer interface {
	IndexPath(rp relpath.RelPath) (meta.SignedMeta, error)
}

// DefaultDebounce is spec.md §4.6's suggested default debounce window.
const DefaultDebounce = 5 * time.Second

// suppressionWindow bounds how long an expected-event suppression
// entered by PrepareAssemble survives before it is discarded, so a
// watcher event that never arrives (e.g. the OS coalesced it away)
// cannot leak a permanent suppression for that path.
const suppressionWindow = 5 * time.Second

// AutoIndexer watches root for filesystem mutations, debounces them per
// path, and submits the result to an Indexer. It suppresses the next
// watcher event expected to be caused by FileAssembler's own writes via
// PrepareAssemble, per spec.md §4.6.
type AutoIndexer struct {
	root     string
	debounce time.Duration
	indexer  pathIndexer
	log      *persist.Logger
	watcher  *fsnotify.Watcher

	tg threadgroup.ThreadGroup

	mu         sync.Mutex
	pending    map[string]*time.Timer
	suppressed map[string]time.Time
}

// New creates an AutoIndexer rooted at root. Per spec.md §4.6,
// AutoIndexer is only ever instantiated for ReadWrite+ secrets; callers
// (folder.Folder) are responsible for that gating.
func New(root string, debounce time.Duration, ix pathIndexer, log *persist.Logger) (*AutoIndexer, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.AddContext(err, "could not create filesystem watcher")
	}
	ai := &AutoIndexer{
		root:       root,
		debounce:   debounce,
		indexer:    ix,
		log:        log,
		watcher:    w,
		pending:    make(map[string]*time.Timer),
		suppressed: make(map[string]time.Time),
	}
	if err := ai.watchTree(root); err != nil {
		w.Close()
		return nil, errors.AddContext(err, "could not watch working tree")
	}
	if err := ai.tg.Launch(ai.eventLoop); err != nil {
		w.Close()
		return nil, errors.AddContext(err, "could not start watcher event loop")
	}
	return ai, nil
}

// watchTree adds a watch for root and every directory beneath it;
// fsnotify is not recursive on its own.
func (ai *AutoIndexer) watchTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return ai.watcher.Add(path)
		}
		return nil
	})
}

// Close stops the event loop and the underlying watcher, draining any
// in-flight debounce timers.
func (ai *AutoIndexer) Close() error {
	err := ai.tg.Stop()
	ai.mu.Lock()
	for _, t := range ai.pending {
		t.Stop()
	}
	ai.mu.Unlock()
	return errors.Compose(err, ai.watcher.Close())
}

func (ai *AutoIndexer) eventLoop() {
	for {
		select {
		case <-ai.tg.StopChan():
			return
		case ev, ok := <-ai.watcher.Events:
			if !ok {
				return
			}
			ai.handleEvent(ev)
		case err, ok := <-ai.watcher.Errors:
			if !ok {
				return
			}
			if ai.log != nil {
				ai.log.Println("filesystem watcher error:", err)
			}
		}
	}
}

func (ai *AutoIndexer) handleEvent(ev fsnotify.Event) {
	rp, err := relpath.FromAbsPath(ev.Name, ai.root)
	if err != nil {
		return // outside the working tree or not representable; ignore
	}

	// A newly created directory needs its own watch so descendants are
	// observed too.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			_ = ai.watcher.Add(ev.Name)
		}
	}

	if ai.consumeSuppression(rp.String()) {
		if ai.log != nil {
			ai.log.Debugln("suppressed self-echo event for", rp.String())
		}
		return
	}

	ai.markDirty(rp)
}

// consumeSuppression reports whether path has an unexpired expected-
// event suppression and, if so, removes it (a suppression is consumed
// by at most one event).
func (ai *AutoIndexer) consumeSuppression(path string) bool {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	expiry, ok := ai.suppressed[path]
	if !ok {
		return false
	}
	delete(ai.suppressed, path)
	return time.Now().Before(expiry)
}

// markDirty implements the Clean->Dirty and Dirty->Dirty (reset timer)
// transitions spec.md §4.6 describes.
func (ai *AutoIndexer) markDirty(rp relpath.RelPath) {
	ai.mu.Lock()
	defer ai.mu.Unlock()

	key := rp.String()
	if t, ok := ai.pending[key]; ok {
		t.Stop()
	}
	ai.pending[key] = time.AfterFunc(ai.debounce, func() { ai.submit(rp) })
}

// submit implements Dirty->Submitted->Clean: the debounce timer
// elapsed, so hand the path to the Indexer. If a new event re-entered
// Dirty while this was in flight, pending will hold a fresh timer by
// the time this returns and the path is correctly Dirty again rather
// than Clean.
func (ai *AutoIndexer) submit(rp relpath.RelPath) {
	ai.mu.Lock()
	delete(ai.pending, rp.String())
	ai.mu.Unlock()

	if err := ai.tg.Add(); err != nil {
		return // shutting down
	}
	defer ai.tg.Done()

	if _, err := ai.indexer.IndexPath(rp); err != nil && ai.log != nil {
		ai.log.Println("auto-index failed for", rp.String(), ":", err)
	}
}

// PrepareAssemble announces an upcoming FileAssembler-driven mutation
// of relpath so the next matching watcher event is suppressed instead
// of triggering a redundant re-index (spec.md §4.6/§5: this
// happens-before the assembler's filesystem write, which happens-before
// the watcher event it would otherwise generate).
func (ai *AutoIndexer) PrepareAssemble(rp relpath.RelPath, _ meta.Type, _ bool) {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	ai.suppressed[rp.String()] = time.Now().Add(suppressionWindow)
}
