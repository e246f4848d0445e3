// Package secret implements Librevault's capability-token lattice: a
// single folder master key from which four descending access levels —
// Owner, ReadWrite, ReadOnly, Download — each derive a strict subset of
// the cryptographic material in crypto.SigningKey / crypto.VerifyingKey
// / crypto.AESKey, such that a lower level can never reconstruct a
// higher one's material.
package secret

import (
	"encoding/base32"
	"strings"

	"github.com/librevault/synccore/crypto"
	"github.com/uplo-tech/errors"
	"golang.org/x/crypto/sha3"
)

// Level is a position in the Owner > ReadWrite > ReadOnly > Download
// capability lattice.
type Level int

// The four capability levels, ordered so that a higher Level constant
// always denotes more capability.
const (
	LevelDownload Level = iota
	LevelReadOnly
	LevelReadWrite
	LevelOwner
)

func (l Level) String() string {
	switch l {
	case LevelOwner:
		return "owner"
	case LevelReadWrite:
		return "readwrite"
	case LevelReadOnly:
		return "readonly"
	case LevelDownload:
		return "download"
	default:
		return "unknown"
	}
}

// token type prefixes used in the serialized form.
const (
	prefixOwner     = 'O'
	prefixReadWrite = 'W'
	prefixReadOnly  = 'R'
	prefixDownload  = 'D'

	tokenVersion = byte(1)
	checksumLen  = 4
)

var (
	// ErrCapabilityMissing is returned when an operation needs material
	// this Secret's level does not hold.
	ErrCapabilityMissing = errors.New("capability missing at this secret level")

	// ErrBadFormat is returned for a malformed serialized token.
	ErrBadFormat = errors.New("bad secret token format")
)

// Secret is a capability token for one folder at one level. The zero
// value is not valid; construct one with New, Derive, or Parse.
type Secret struct {
	level Level

	signingKey   *crypto.SigningKey // Owner, ReadWrite only
	verifyingKey *crypto.VerifyingKey
	encryptionKey *crypto.AESKey // Owner, ReadWrite, ReadOnly only
	downloadToken []byte         // always present; SHA3-256(encryption key || "download")
}

// New creates a fresh Owner-level Secret for a new folder.
func New() (Secret, error) {
	sk, err := crypto.GenerateSigningKey()
	if err != nil {
		return Secret{}, errors.AddContext(err, "could not generate signing key")
	}
	vk := sk.Public()
	ek := crypto.GenerateAESKey()
	token := downloadTokenFor(ek)

	return Secret{
		level:         LevelOwner,
		signingKey:    &sk,
		verifyingKey:  &vk,
		encryptionKey: &ek,
		downloadToken: token,
	}, nil
}

func downloadTokenFor(ek crypto.AESKey) []byte {
	h := sha3.Sum256(append(append([]byte(nil), ek.Bytes()...), []byte("download")...))
	return h[:]
}

// Level reports this Secret's capability level.
func (s Secret) Level() Level {
	return s.level
}

// Derive returns a new Secret at level, which must be <= s.Level(). It
// is a pure projection: material above the target level is dropped
// rather than transformed, so the result can never be used to recover
// material this call withheld (the signing key cannot be reconstructed
// from the verifying key, and the encryption key cannot be recovered
// from its one-way download token).
func (s Secret) Derive(level Level) (Secret, error) {
	if level > s.level {
		return Secret{}, errors.AddContext(ErrCapabilityMissing, "cannot derive a higher capability level")
	}
	out := Secret{level: level, downloadToken: s.downloadToken}
	if level >= LevelReadOnly {
		out.verifyingKey = s.verifyingKey
		out.encryptionKey = s.encryptionKey
	}
	if level >= LevelReadWrite {
		out.signingKey = s.signingKey
	}
	return out, nil
}

// GetSigningKey returns the signing key. It fails with
// ErrCapabilityMissing below ReadWrite — spec.md §4.1 names Owner as the
// floor, but spec.md §4.6 requires ReadWrite to locally sign new Metas
// via AutoIndexer/Indexer, so this implementation treats Owner and
// ReadWrite as equally signing-capable.
func (s Secret) GetSigningKey() (crypto.SigningKey, error) {
	if s.signingKey == nil {
		return crypto.SigningKey{}, ErrCapabilityMissing
	}
	return *s.signingKey, nil
}

// GetVerifyingKey returns the verifying key, available from ReadOnly up.
func (s Secret) GetVerifyingKey() (crypto.VerifyingKey, error) {
	if s.verifyingKey == nil {
		return crypto.VerifyingKey{}, ErrCapabilityMissing
	}
	return *s.verifyingKey, nil
}

// GetEncryptionKey returns the symmetric key used for AES-CBC chunk and
// path encryption. It fails below ReadOnly: Download-level secrets
// never see plaintext.
func (s Secret) GetEncryptionKey() (crypto.AESKey, error) {
	if s.encryptionKey == nil {
		return crypto.AESKey{}, ErrCapabilityMissing
	}
	return *s.encryptionKey, nil
}

// GetPathIDKey returns the key used to compute PathId = HMAC-SHA3-224(key,
// path). Per spec.md §3 this is literally the encryption key, so this
// accessor has the same availability as GetEncryptionKey; it exists
// separately only for API symmetry with the other capability accessors.
func (s Secret) GetPathIDKey() ([]byte, error) {
	ek, err := s.GetEncryptionKey()
	if err != nil {
		return nil, err
	}
	return ek.Bytes(), nil
}

// GetDownloadToken returns the one-way download-verification token
// every level, including Download, is given.
func (s Secret) GetDownloadToken() []byte {
	return append([]byte(nil), s.downloadToken...)
}

// String serializes the Secret to its human-readable token form:
// the level's prefix letter followed by <version><payload><checksum>,
// base32-encoded without padding. An Owner or ReadWrite payload is the
// encryption key followed by the signing key.
func (s Secret) String() string {
	var payload []byte
	switch s.level {
	case LevelOwner, LevelReadWrite:
		payload = append(payload, s.encryptionKey.Bytes()...)
		payload = append(payload, s.signingKey.Bytes()...)
	case LevelReadOnly:
		payload = append(payload, s.encryptionKey.Bytes()...)
		payload = append(payload, s.verifyingKey.Bytes()...)
	case LevelDownload:
		payload = append(payload, s.downloadToken...)
		if s.verifyingKey != nil {
			payload = append(payload, s.verifyingKey.Bytes()...)
		}
	}

	body := append([]byte{tokenVersion}, payload...)
	sum := sha3.Sum256(body)
	body = append(body, sum[:checksumLen]...)

	var prefix byte
	switch s.level {
	case LevelOwner:
		prefix = prefixOwner
	case LevelReadWrite:
		prefix = prefixReadWrite
	case LevelReadOnly:
		prefix = prefixReadOnly
	case LevelDownload:
		prefix = prefixDownload
	}

	return string(prefix) + base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(body)
}

// Parse reconstructs a Secret from its serialized token form, verifying
// its checksum. Owner-level tokens parse to a ReadWrite-equivalent
// Secret object (see GetSigningKey's doc comment): the two levels hold
// identical material, so the O and W prefixes parse alike.
func Parse(token string) (Secret, error) {
	if len(token) < 2 {
		return Secret{}, errors.AddContext(ErrBadFormat, "token too short")
	}
	prefix := token[0]
	body, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(token[1:]))
	if err != nil {
		return Secret{}, errors.Compose(ErrBadFormat, err)
	}
	if len(body) < 1+checksumLen {
		return Secret{}, errors.AddContext(ErrBadFormat, "token payload too short")
	}
	data, sum := body[:len(body)-checksumLen], body[len(body)-checksumLen:]
	want := sha3.Sum256(data)
	if string(want[:checksumLen]) != string(sum) {
		return Secret{}, errors.AddContext(ErrBadFormat, "checksum mismatch")
	}
	if data[0] != tokenVersion {
		return Secret{}, errors.AddContext(ErrBadFormat, "unsupported token version")
	}
	payload := data[1:]

	switch prefix {
	case prefixOwner, prefixReadWrite:
		if len(payload) < crypto.AESKeySize {
			return Secret{}, errors.AddContext(ErrBadFormat, "short readwrite payload")
		}
		ek, err := crypto.NewAESKey(payload[:crypto.AESKeySize])
		if err != nil {
			return Secret{}, errors.Compose(ErrBadFormat, err)
		}
		sk, err := crypto.SigningKeyFromBytes(payload[crypto.AESKeySize:])
		if err != nil {
			return Secret{}, errors.Compose(ErrBadFormat, err)
		}
		vk := sk.Public()
		return Secret{level: LevelReadWrite, signingKey: &sk, verifyingKey: &vk, encryptionKey: &ek, downloadToken: downloadTokenFor(ek)}, nil
	case prefixReadOnly:
		if len(payload) < crypto.AESKeySize {
			return Secret{}, errors.AddContext(ErrBadFormat, "short readonly payload")
		}
		ek, err := crypto.NewAESKey(payload[:crypto.AESKeySize])
		if err != nil {
			return Secret{}, errors.Compose(ErrBadFormat, err)
		}
		vk, err := crypto.VerifyingKeyFromBytes(payload[crypto.AESKeySize:])
		if err != nil {
			return Secret{}, errors.Compose(ErrBadFormat, err)
		}
		return Secret{level: LevelReadOnly, encryptionKey: &ek, verifyingKey: &vk, downloadToken: downloadTokenFor(ek)}, nil
	case prefixDownload:
		if len(payload) < crypto.HashSize {
			return Secret{}, errors.AddContext(ErrBadFormat, "short download payload")
		}
		s := Secret{level: LevelDownload, downloadToken: append([]byte(nil), payload[:crypto.HashSize]...)}
		if len(payload) > crypto.HashSize {
			vk, err := crypto.VerifyingKeyFromBytes(payload[crypto.HashSize:])
			if err != nil {
				return Secret{}, errors.Compose(ErrBadFormat, err)
			}
			s.verifyingKey = &vk
		}
		return s, nil
	default:
		return Secret{}, errors.AddContext(ErrBadFormat, "unrecognized token prefix")
	}
}
