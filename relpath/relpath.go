// Package relpath implements the relative-path type that the indexer and
// file assembler pass around before it is turned into a PathID or an
// absolute filesystem path.
package relpath

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/uplo-tech/errors"
)

// ErrEmptyPath is returned for an empty non-root path.
var ErrEmptyPath = errors.New("path must be a nonempty string")

// ErrInvalidPath is the error for an invalid RelPath.
var ErrInvalidPath = errors.New("invalid relative path")

// RelPath is a slash-separated path relative to a folder's open directory.
// It is always stored in cleaned, forward-slash form regardless of the
// host OS, so that PathID = HMAC(key, RelPath.String()) is stable across
// platforms.
type RelPath struct {
	path string
}

// New returns a new RelPath, validating and cleaning s.
func New(s string) (RelPath, error) {
	return newRelPath(s)
}

// MustNew is New but panics on error; for package-level constants only.
func MustNew(s string) RelPath {
	rp, err := New(s)
	if err != nil {
		panic("relpath: invalid constant path: " + err.Error())
	}
	return rp
}

func newRelPath(s string) (RelPath, error) {
	rp := RelPath{path: clean(s)}
	return rp, rp.Validate()
}

func clean(s string) string {
	s = filepath.ToSlash(s)
	s = strings.TrimPrefix(s, "/")
	s = strings.TrimSuffix(s, "/")
	return s
}

// String returns the cleaned, slash-separated path.
func (rp RelPath) String() string {
	return rp.path
}

// IsEmpty reports whether rp is the zero value.
func (rp RelPath) IsEmpty() bool {
	return rp.path == ""
}

// Dir returns the parent of rp, or the empty RelPath if rp has no parent.
func (rp RelPath) Dir() RelPath {
	elems := strings.Split(rp.path, "/")
	if len(elems) <= 1 {
		return RelPath{}
	}
	return RelPath{path: strings.Join(elems[:len(elems)-1], "/")}
}

// Name returns the last path element of rp.
func (rp RelPath) Name() string {
	elems := strings.Split(rp.path, "/")
	return elems[len(elems)-1]
}

// Join appends s to rp and returns the new RelPath.
func (rp RelPath) Join(s string) (RelPath, error) {
	c := clean(s)
	if c == "" {
		return RelPath{}, errors.New("cannot join an empty string to a relpath")
	}
	if rp.path == "" {
		return newRelPath(c)
	}
	return newRelPath(rp.path + "/" + c)
}

// Equals compares two RelPaths for equality.
func (rp RelPath) Equals(other RelPath) bool {
	return rp.path == other.path
}

// AbsPath resolves rp against the given folder root, using OS-native
// separators.
func (rp RelPath) AbsPath(root string) string {
	return filepath.Join(root, filepath.FromSlash(rp.path))
}

// FromAbsPath builds a RelPath from an absolute path known to live under
// root.
func FromAbsPath(absPath, root string) (RelPath, error) {
	root = filepath.Clean(root)
	absPath = filepath.Clean(absPath)
	if !strings.HasPrefix(absPath, root) {
		return RelPath{}, errors.AddContext(ErrInvalidPath, absPath+" is not inside "+root)
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(absPath, root), string(filepath.Separator))
	return newRelPath(rel)
}

// MarshalJSON marshals a RelPath as a plain string.
func (rp RelPath) MarshalJSON() ([]byte, error) {
	return json.Marshal(rp.path)
}

// UnmarshalJSON unmarshals a RelPath from a plain string.
func (rp *RelPath) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := newRelPath(s)
	if err != nil {
		return err
	}
	*rp = parsed
	return nil
}

// Validate checks that rp is a legal relative path: no directory traversal,
// no absolute-path markers, no empty elements, valid UTF-8.
func (rp RelPath) Validate() error {
	return validate(rp.path)
}

func validate(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if path == ".." || path == "." {
		return errors.AddContext(ErrInvalidPath, "path cannot be '.' or '..'")
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "../") || strings.HasPrefix(path, "./") {
		return errors.AddContext(ErrInvalidPath, "path cannot begin with /, ./ or ../")
	}

	var prevElem string
	for _, elem := range strings.Split(path, "/") {
		if elem == "." || elem == ".." {
			return errors.AddContext(ErrInvalidPath, "path cannot contain . or .. elements")
		}
		if prevElem != "" && elem == "" {
			return errors.AddContext(ErrInvalidPath, "path cannot contain empty elements")
		}
		prevElem = elem
	}

	if !utf8.ValidString(path) {
		return errors.AddContext(ErrInvalidPath, "path is not valid utf8")
	}
	return nil
}
