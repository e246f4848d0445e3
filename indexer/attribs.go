package indexer

import (
	"os"

	"github.com/librevault/synccore/meta"
)

// attribsOf extracts the platform attribute bag spec.md §3/§4.5 call
// "a bag of bytes": POSIX permission bits always, Windows attributes
// only on Windows builds (windowsAttribOf in attribs_windows.go /
// attribs_other.go).
func attribsOf(info os.FileInfo) meta.Attribs {
	return meta.Attribs{
		Mode:          uint32(info.Mode().Perm()),
		WindowsAttrib: windowsAttribOf(info),
		MTime:         info.ModTime().UnixNano(),
	}
}
