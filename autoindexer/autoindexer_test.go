package autoindexer

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/librevault/synccore/build"
	"github.com/librevault/synccore/meta"
	"github.com/librevault/synccore/relpath"
	"github.com/uplo-tech/errors"
)

// fakeIndexer records every path it was asked to index, standing in
// for a real indexer.Indexer so these tests exercise debounce and
// suppression logic in isolation.
type fakeIndexer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeIndexer) IndexPath(rp relpath.RelPath) (meta.SignedMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rp.String())
	return meta.SignedMeta{}, nil
}

func (f *fakeIndexer) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == path {
			n++
		}
	}
	return n
}

func newTestAutoIndexer(t *testing.T, debounce time.Duration) (*AutoIndexer, *fakeIndexer, string) {
	t.Helper()
	root := t.TempDir()
	fi := &fakeIndexer{}
	ai, err := New(root, debounce, fi, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ai.Close() })
	return ai, fi, root
}

// TestDebounceCoalescesRapidEvents checks the Dirty->Dirty (reset
// timer) transition: several rapid writes to the same path should
// submit it to the Indexer only once.
func TestDebounceCoalescesRapidEvents(t *testing.T) {
	ai, fi, root := newTestAutoIndexer(t, 150*time.Millisecond)
	path := filepath.Join(root, "a.txt")

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte{byte(i)}, 0600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := build.Retry(100, 20*time.Millisecond, func() error {
		if fi.callCount("a.txt") == 0 {
			return errors.New("no submission yet")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if n := fi.callCount("a.txt"); n != 1 {
		t.Fatalf("expected exactly 1 submission after coalescing rapid writes, got %d", n)
	}
}

// TestPrepareAssembleSuppressesNextEvent checks spec.md §4.6/§8
// invariant 10: an assembler-announced write does not produce an
// auto-index submission for that path.
func TestPrepareAssembleSuppressesNextEvent(t *testing.T) {
	ai, fi, root := newTestAutoIndexer(t, 80*time.Millisecond)
	path := filepath.Join(root, "b.txt")

	rp, err := relpath.New("b.txt")
	if err != nil {
		t.Fatal(err)
	}
	// Finish the file outside the watched tree and rename it into place,
	// as FileAssembler's last step does, so the watcher reports a single
	// event for b.txt: the one the announcement suppresses.
	tmp := filepath.Join(t.TempDir(), "b.txt")
	if err := os.WriteFile(tmp, []byte("assembled content"), 0600); err != nil {
		t.Fatal(err)
	}
	ai.PrepareAssemble(rp, meta.TypeFile, false)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	// Give the watcher ample time to have delivered and debounced the
	// event, were it not suppressed.
	time.Sleep(500 * time.Millisecond)

	if n := fi.callCount("b.txt"); n != 0 {
		t.Fatalf("expected the assembler's own write to be suppressed, got %d submissions", n)
	}
}

// TestUnannouncedWriteStillTriggersIndex is the control for the
// suppression test above: an ordinary write with no PrepareAssemble
// call must still be picked up.
func TestUnannouncedWriteStillTriggersIndex(t *testing.T) {
	_, fi, root := newTestAutoIndexer(t, 80*time.Millisecond)
	path := filepath.Join(root, "c.txt")
	if err := os.WriteFile(path, []byte("plain write"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := build.Retry(100, 20*time.Millisecond, func() error {
		if fi.callCount("c.txt") == 0 {
			return errors.New("no submission yet")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if n := fi.callCount("c.txt"); n != 1 {
		t.Fatalf("expected the unannounced write to trigger exactly 1 submission, got %d", n)
	}
}
