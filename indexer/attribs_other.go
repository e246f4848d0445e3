//go:build !windows

package indexer

import "os"

// windowsAttribOf is always zero off Windows; the field still exists
// on the wire (spec.md §3) so a peer on another platform can carry it
// through unmodified.
func windowsAttribOf(os.FileInfo) uint32 {
	return 0
}
