//go:build windows

package indexer

import (
	"os"
	"syscall"
)

// windowsAttribOf reads the raw Win32 file attribute bitmask, when the
// OS exposed one in the FileInfo.
func windowsAttribOf(info os.FileInfo) uint32 {
	if sys, ok := info.Sys().(*syscall.Win32FileAttributeData); ok {
		return sys.FileAttributes
	}
	return 0
}
