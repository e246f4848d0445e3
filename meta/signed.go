package meta

import (
	"bytes"

	"github.com/librevault/synccore/crypto"
	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"
)

// ErrBadSignature is returned when a SignedMeta's signature does not
// verify against its payload, per spec.md §4.1/§7 ("untrusted Metas are
// rejected with BadSignature before being written to the Index").
var ErrBadSignature = errors.New("meta signature does not verify")

// SignedMeta pairs a Meta's canonical encoding with the signature a
// ReadWrite+ secret produced over it. It is the only form a Meta ever
// takes once it leaves the process that created it (spec.md §4.3: the
// Index stores signed bytes, never a bare Meta).
type SignedMeta struct {
	MetaBytes []byte
	Signature []byte
}

// Sign encodes m and signs the encoding with key, producing the
// envelope that travels through the Index and wire protocol.
func Sign(m Meta, key crypto.SigningKey) (SignedMeta, error) {
	raw, err := m.MarshalBinary()
	if err != nil {
		return SignedMeta{}, errors.AddContext(err, "could not encode meta for signing")
	}
	sig, err := key.Sign(raw)
	if err != nil {
		return SignedMeta{}, errors.AddContext(err, "could not sign meta")
	}
	return SignedMeta{MetaBytes: raw, Signature: sig}, nil
}

// Verify checks sm's signature against key and, on success, decodes the
// Meta it carries. Callers must treat a returned error as meaning the
// Meta is untrusted and must not be persisted or acted on (spec.md §8
// invariant 8).
func (sm SignedMeta) Verify(key crypto.VerifyingKey) (Meta, error) {
	if !key.Verify(sm.MetaBytes, sm.Signature) {
		return Meta{}, ErrBadSignature
	}
	var m Meta
	if err := m.UnmarshalBinary(sm.MetaBytes); err != nil {
		return Meta{}, errors.AddContext(err, "signature verified but meta did not decode")
	}
	return m, nil
}

// MarshalBinary serializes sm as length-prefixed MetaBytes followed by
// a length-prefixed signature, the wire layout spec.md §6 describes for
// a transmitted SignedMeta.
func (sm SignedMeta) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	e := encoding.NewEncoder(&buf)
	e.WritePrefixedBytes(sm.MetaBytes)
	e.WritePrefixedBytes(sm.Signature)
	if err := e.Err(); err != nil {
		return nil, errors.AddContext(err, "could not encode signed meta")
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a SignedMeta encoded by MarshalBinary. It does
// not verify the signature; call Verify for that.
func (sm *SignedMeta) UnmarshalBinary(data []byte) error {
	d := encoding.NewDecoder(bytes.NewReader(data), maxMetaSize)
	sm.MetaBytes = d.ReadPrefixedBytes()
	sm.Signature = d.ReadPrefixedBytes()
	if err := d.Err(); err != nil {
		return errors.Compose(ErrBadFormat, err)
	}
	return nil
}
