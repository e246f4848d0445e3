//go:build unix

package fileassembler

import (
	"time"

	"github.com/librevault/synccore/meta"
	"github.com/uplo-tech/errors"
	"golang.org/x/sys/unix"
)

// applyAttribs restores mode bits with unix.Chmod and mtime with
// unix.Lutimes, which — unlike os.Chtimes — does not follow a final
// symlink component. FileAssembler calls it for directories and files
// only; a SYMLINK Meta's attributes are not applied.
func applyAttribs(path string, a meta.Attribs) error {
	if a.Mode != 0 {
		if err := unix.Chmod(path, uint32(a.Mode)); err != nil {
			return errors.AddContext(err, "could not apply file mode")
		}
	}
	mtime := time.Unix(0, a.MTime)
	tv := unix.NsecToTimeval(mtime.UnixNano())
	if err := unix.Lutimes(path, []unix.Timeval{tv, tv}); err != nil {
		return errors.AddContext(err, "could not apply mtime")
	}
	return nil
}
