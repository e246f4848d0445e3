// Package crypto implements the primitives the sync core is built on:
// AES-CBC for chunk and path encryption, HMAC-SHA3-224 for PathIDs,
// ECDSA-SHA3-256 for Meta signatures, and SHA3-256 content hashing.
//
// The wrapper-type pattern (a key type with Encrypt/Decrypt methods,
// fastrand for all key/IV material) follows the teacher's own
// CipherKey abstraction, narrowed to the single concrete scheme the
// spec calls for instead of a pluggable cipher registry.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"math/big"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
	"golang.org/x/crypto/sha3"
)

const (
	// HashSize is the length in bytes of a SHA3-256 content hash.
	HashSize = 32

	// PathIDSize is the length in bytes of an HMAC-SHA3-224 PathID.
	PathIDSize = 28

	// AESKeySize is the length in bytes of an AES-256 key.
	AESKeySize = 32

	// IVSize is the length in bytes of an AES-CBC IV (the AES block size).
	IVSize = aes.BlockSize
)

var (
	// ErrBadFormat is returned when a key, IV, or signature does not match
	// the format this package expects.
	ErrBadFormat = errors.New("bad cryptographic format")

	// ErrShortKey is returned when a key is shorter than required.
	ErrShortKey = errors.New("key too short")

	// ErrZeroIV is returned for a zero-length IV.
	ErrZeroIV = errors.New("zero-length IV")

	// ErrInvalidPadding is returned when PKCS#7 padding fails to validate
	// on decrypt; this always indicates a wrong key, wrong IV, or
	// corrupted ciphertext.
	ErrInvalidPadding = errors.New("invalid PKCS#7 padding")
)

// Hash is a SHA3-256 content hash, used to address chunks by ciphertext
// and (for ReadWrite+ secrets) to record plaintext_hash.
type Hash [HashSize]byte

// HashBytes returns the SHA3-256 hash of data.
func HashBytes(data []byte) Hash {
	return Hash(sha3.Sum256(data))
}

// PathID is an HMAC-SHA3-224 of a relative path under a folder's
// path-id key; it is the stable, capability-hiding identifier of a file
// across revisions.
type PathID [PathIDSize]byte

// ComputePathID returns HMAC-SHA3-224(key, path).
func ComputePathID(key []byte, path string) (PathID, error) {
	if len(key) == 0 {
		return PathID{}, ErrShortKey
	}
	mac := hmac.New(sha3.New224, key)
	mac.Write([]byte(path))
	var id PathID
	copy(id[:], mac.Sum(nil))
	return id, nil
}

// GenerateIV returns a fresh random AES-CBC IV. IVs must never be reused
// with the same key; callers generate a new one for every new chunk and
// every EncPath.
func GenerateIV() [IVSize]byte {
	var iv [IVSize]byte
	fastrand.Read(iv[:])
	return iv
}

// AESKey is an AES-256 key used in CBC mode with PKCS#7 padding.
type AESKey struct {
	key []byte
}

// NewAESKey wraps an existing 32-byte key.
func NewAESKey(key []byte) (AESKey, error) {
	if len(key) < AESKeySize {
		return AESKey{}, ErrShortKey
	}
	k := make([]byte, AESKeySize)
	copy(k, key)
	return AESKey{key: k}, nil
}

// GenerateAESKey returns a fresh random AES-256 key.
func GenerateAESKey() AESKey {
	return AESKey{key: fastrand.Bytes(AESKeySize)}
}

// Bytes returns the raw key material.
func (k AESKey) Bytes() []byte {
	return append([]byte(nil), k.key...)
}

// Encrypt PKCS#7-pads plaintext and AES-CBC encrypts it with iv, which
// must never be reused with this key for different plaintext.
func (k AESKey) Encrypt(iv [IVSize]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, errors.AddContext(err, "could not create AES cipher")
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt AES-CBC decrypts ciphertext with iv and removes PKCS#7 padding.
// It fails with ErrZeroIV, ErrBadFormat, or ErrInvalidPadding rather than
// panicking on malformed input.
func (k AESKey) Decrypt(iv [IVSize]byte, ciphertext []byte) ([]byte, error) {
	isZero := true
	for _, b := range iv {
		if b != 0 {
			isZero = false
			break
		}
	}
	if isZero {
		return nil, ErrZeroIV
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.AddContext(ErrBadFormat, "ciphertext is not a multiple of the block size")
	}
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, errors.AddContext(err, "could not create AES cipher")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-padLen], nil
}

// SigningKey is an ECDSA-SHA3-256 private key; only Owner-level secrets
// expose one.
type SigningKey struct {
	priv *ecdsa.PrivateKey
}

// VerifyingKey is the public half of a SigningKey; every capability
// level down to Download can be given one.
type VerifyingKey struct {
	pub *ecdsa.PublicKey
}

// GenerateSigningKey creates a new P-256 ECDSA key pair.
func GenerateSigningKey() (SigningKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), fastrandReader{})
	if err != nil {
		return SigningKey{}, errors.AddContext(err, "could not generate ECDSA key")
	}
	return SigningKey{priv: priv}, nil
}

// SigningKeyFromBytes reconstructs a SigningKey from its raw scalar.
func SigningKeyFromBytes(b []byte) (SigningKey, error) {
	if len(b) == 0 {
		return SigningKey{}, ErrShortKey
	}
	curve := elliptic.P256()
	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = curve
	priv.D = new(big.Int).SetBytes(b)
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(b)
	return SigningKey{priv: priv}, nil
}

// Bytes returns the raw private scalar.
func (k SigningKey) Bytes() []byte {
	return k.priv.D.Bytes()
}

// Public returns the VerifyingKey for k.
func (k SigningKey) Public() VerifyingKey {
	return VerifyingKey{pub: &k.priv.PublicKey}
}

// Sign signs message (typically a serialized Meta) with SHA3-256 and
// returns a DER-encoded ASN.1 SEQUENCE{r,s} signature, the wire format
// the spec requires.
func (k SigningKey) Sign(message []byte) ([]byte, error) {
	digest := sha3.Sum256(message)
	r, s, err := ecdsa.Sign(fastrandReader{}, k.priv, digest[:])
	if err != nil {
		return nil, errors.AddContext(err, "could not sign message")
	}
	return marshalECDSASignature(r, s)
}

// VerifyingKeyFromBytes reconstructs a VerifyingKey from an uncompressed
// point encoding (0x04 || X || Y).
func VerifyingKeyFromBytes(b []byte) (VerifyingKey, error) {
	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, b)
	if x == nil {
		return VerifyingKey{}, errors.AddContext(ErrBadFormat, "invalid public key encoding")
	}
	return VerifyingKey{pub: &ecdsa.PublicKey{Curve: curve, X: x, Y: y}}, nil
}

// Bytes returns the uncompressed point encoding of the public key.
func (k VerifyingKey) Bytes() []byte {
	return elliptic.Marshal(k.pub.Curve, k.pub.X, k.pub.Y)
}

// Verify reports whether sig is a valid DER-encoded ECDSA-SHA3-256
// signature over message by this key. A malformed DER encoding is
// treated as a verification failure.
func (k VerifyingKey) Verify(message, sig []byte) bool {
	r, s, err := unmarshalECDSASignature(sig)
	if err != nil {
		return false
	}
	digest := sha3.Sum256(message)
	return ecdsa.Verify(k.pub, digest[:], r, s)
}

// fastrandReader adapts fastrand to the io.Reader interface expected by
// crypto/ecdsa, matching the teacher's convention of sourcing all
// randomness from fastrand rather than crypto/rand directly.
type fastrandReader struct{}

func (fastrandReader) Read(p []byte) (int, error) {
	fastrand.Read(p)
	return len(p), nil
}
