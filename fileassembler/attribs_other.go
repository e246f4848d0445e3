//go:build !unix

package fileassembler

import (
	"os"
	"time"

	"github.com/librevault/synccore/meta"
	"github.com/uplo-tech/errors"
)

// applyAttribs falls back to the standard library on non-unix
// platforms: os.Chtimes follows a final symlink, which is an accepted
// platform limitation there (golang.org/x/sys/unix's Lutimes has no
// portable non-unix equivalent in the retrieval pack's stack).
func applyAttribs(path string, a meta.Attribs) error {
	if a.Mode != 0 {
		if err := os.Chmod(path, os.FileMode(a.Mode)); err != nil {
			return errors.AddContext(err, "could not apply file mode")
		}
	}
	mtime := time.Unix(0, a.MTime)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		return errors.AddContext(err, "could not apply mtime")
	}
	return nil
}
