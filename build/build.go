package build

// Recognized values for the Release build tag, mirroring the teacher's
// build package release-type strings.
const (
	releaseStandard = "standard"
	releaseDev      = "dev"
	releaseTesting  = "testing"
)

var (
	// Release is set at build time via -ldflags ("standard", "dev", or
	// "testing") and defaults to "dev" for a plain `go build`.
	Release = releaseDev

	// Version is the current version of this module.
	Version = "0.1.0"

	// IssuesURL points bug reports at the project's issue tracker.
	IssuesURL = "https://github.com/librevault/synccore/issues"
)

// DEBUG is true for dev/testing builds and false for release builds.
var DEBUG = Release != releaseStandard
