// Package meta defines Meta, the canonical replication unit described
// in spec.md §3, its deterministic wire codec (§6), and SignedMeta, the
// signed envelope every consumer must verify before acting on a Meta.
//
// The manual field-by-field Marshal/Unmarshal methods — rather than a
// reflection-based encoder — follow the teacher's own
// types.Block.MarshalUplo/UnmarshalUplo convention, which exists
// precisely because a canonical signed wire object needs a fixed field
// order that reflection over struct tags can't guarantee.
package meta

import (
	"bytes"
	"unsafe"

	"github.com/librevault/synccore/crypto"
	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"
)

// Type is the kind of filesystem entry a Meta describes.
type Type uint8

// The four Meta types spec.md §3 names.
const (
	TypeFile Type = iota
	TypeDirectory
	TypeSymlink
	TypeDeleted
)

func (t Type) String() string {
	switch t {
	case TypeFile:
		return "FILE"
	case TypeDirectory:
		return "DIRECTORY"
	case TypeSymlink:
		return "SYMLINK"
	case TypeDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// wireVersion is bumped whenever the wire layout changes incompatibly.
const wireVersion = 1

// maxMetaSize bounds how much a single Meta can expand to when decoded,
// the same defensive cap the teacher's encoding.NewDecoder takes.
const maxMetaSize = 64 << 20

// ChunkInfo describes one chunk of a FileMap.
type ChunkInfo struct {
	CiphertextHash crypto.Hash
	// PlaintextHash is the zero Hash when absent (spec.md §3: "optional,
	// ReadWrite+ only").
	PlaintextHash crypto.Hash
	HasPlaintextHash bool
	Size           uint64
	IV             [crypto.IVSize]byte
}

// Attribs is the platform attribute bag spec.md §3/§4.5 describes as
// "a bag of bytes."
type Attribs struct {
	Mode           uint32
	WindowsAttrib  uint32
	MTime          int64 // revision unit: nanoseconds since epoch
}

// Meta is the canonical, signable description of one path at one
// revision.
type Meta struct {
	PathID    crypto.PathID
	EncPath   []byte
	EncPathIV [crypto.IVSize]byte
	Type      Type
	Revision  int64 // nanoseconds; spec.md §3 "typically mtime in nanoseconds"

	FileMap []ChunkInfo // FILE only

	// SymlinkTarget is AES-CBC ciphertext of the link target (SYMLINK
	// only); SymlinkTargetIV is its IV.
	SymlinkTarget   []byte
	SymlinkTargetIV [crypto.IVSize]byte

	Attribs Attribs
}

// MarshalBinary serializes m deterministically: fixed field order, no
// reflection, so that signing is stable across implementations (spec.md
// §6).
func (m Meta) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	e := encoding.NewEncoder(&buf)

	e.WriteUint64(wireVersion)
	_, _ = e.Write(m.PathID[:])
	e.WritePrefixedBytes(m.EncPath)
	_, _ = e.Write(m.EncPathIV[:])
	e.WriteUint64(uint64(m.Type))
	e.WriteUint64(uint64(m.Revision))

	e.WriteUint64(uint64(m.Attribs.Mode))
	e.WriteUint64(uint64(m.Attribs.WindowsAttrib))
	e.WriteUint64(uint64(m.Attribs.MTime))

	e.WriteInt(len(m.FileMap))
	for _, c := range m.FileMap {
		_, _ = e.Write(c.CiphertextHash[:])
		_, _ = e.Write(c.PlaintextHash[:])
		e.WriteBool(c.HasPlaintextHash)
		e.WriteUint64(c.Size)
		_, _ = e.Write(c.IV[:])
	}

	e.WritePrefixedBytes(m.SymlinkTarget)
	_, _ = e.Write(m.SymlinkTargetIV[:])

	if err := e.Err(); err != nil {
		return nil, errors.AddContext(err, "could not encode Meta")
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a Meta encoded by MarshalBinary.
func (m *Meta) UnmarshalBinary(data []byte) error {
	d := encoding.NewDecoder(bytes.NewReader(data), maxMetaSize)

	if version := d.NextUint64(); version != wireVersion {
		return errors.AddContext(ErrBadFormat, "unsupported Meta wire version")
	}
	d.ReadFull(m.PathID[:])

	m.EncPath = d.ReadPrefixedBytes()
	d.ReadFull(m.EncPathIV[:])

	m.Type = Type(d.NextUint64())
	m.Revision = int64(d.NextUint64())

	m.Attribs.Mode = uint32(d.NextUint64())
	m.Attribs.WindowsAttrib = uint32(d.NextUint64())
	m.Attribs.MTime = int64(d.NextUint64())

	m.FileMap = make([]ChunkInfo, d.NextPrefix(unsafe.Sizeof(ChunkInfo{})))
	for i := range m.FileMap {
		d.ReadFull(m.FileMap[i].CiphertextHash[:])
		d.ReadFull(m.FileMap[i].PlaintextHash[:])
		m.FileMap[i].HasPlaintextHash = d.NextBool()
		m.FileMap[i].Size = d.NextUint64()
		d.ReadFull(m.FileMap[i].IV[:])
	}

	m.SymlinkTarget = d.ReadPrefixedBytes()
	d.ReadFull(m.SymlinkTargetIV[:])

	if err := d.Err(); err != nil {
		return errors.Compose(ErrBadFormat, err)
	}
	return nil
}

// ErrBadFormat is returned when a Meta cannot be decoded.
var ErrBadFormat = errors.New("malformed Meta wire format")
