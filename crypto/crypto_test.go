package crypto

import (
	"bytes"
	"testing"

	"github.com/uplo-tech/fastrand"
)

// TestAESCBCRoundTrip checks that encryption and decryption invert each
// other, the property spec.md §8 invariant 2 is built on.
func TestAESCBCRoundTrip(t *testing.T) {
	key := GenerateAESKey()
	iv := GenerateIV()

	plaintext := fastrand.Bytes(600)
	ciphertext, err := key.Encrypt(iv, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	decrypted, err := key.Decrypt(iv, ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatal("decrypted plaintext does not match original")
	}

	// Multiple encryptions with the same key and IV should return the
	// same ciphertext (CBC is deterministic given key+iv+plaintext).
	again, err := key.Encrypt(iv, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ciphertext, again) {
		t.Fatal("repeated encryption with same key/iv/plaintext should match")
	}
}

// TestAESCBCZeroIV checks that decrypting with a zero-length-equivalent
// (all-zero) IV is rejected, per spec.md §4.2.
func TestAESCBCZeroIV(t *testing.T) {
	key := GenerateAESKey()
	var zeroIV [IVSize]byte
	ciphertext, err := key.Encrypt(GenerateIV(), []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := key.Decrypt(zeroIV, ciphertext); err != ErrZeroIV {
		t.Fatalf("expected ErrZeroIV, got %v", err)
	}
}

// TestShortKeyRejected checks that a too-short key is rejected rather
// than silently truncated/padded.
func TestShortKeyRejected(t *testing.T) {
	if _, err := NewAESKey([]byte("short")); err == nil {
		t.Fatal("expected error for short AES key")
	}
	if _, err := ComputePathID(nil, "a/b"); err == nil {
		t.Fatal("expected error for empty PathID key")
	}
}

// TestPathIDStable checks that PathID is stable for the same key+path
// and differs across paths, per spec.md §8 invariant 1.
func TestPathIDStable(t *testing.T) {
	key := fastrand.Bytes(32)
	id1, err := ComputePathID(key, "docs/report.txt")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := ComputePathID(key, "docs/report.txt")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatal("PathID is not stable across calls")
	}
	id3, err := ComputePathID(key, "docs/other.txt")
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id3 {
		t.Fatal("different paths produced the same PathID")
	}
}

// TestSignVerifyRoundTrip checks spec.md §8 invariant 8: verification
// succeeds for an untampered message and fails if any byte changes.
func TestSignVerifyRoundTrip(t *testing.T) {
	sk, err := GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	vk := sk.Public()

	message := []byte("a serialized Meta goes here")
	sig, err := sk.Sign(message)
	if err != nil {
		t.Fatal(err)
	}
	if !vk.Verify(message, sig) {
		t.Fatal("valid signature failed to verify")
	}

	tampered := append([]byte(nil), message...)
	tampered[0] ^= 0xFF
	if vk.Verify(tampered, sig) {
		t.Fatal("signature verified for tampered message")
	}
}

// TestVerifyRejectsBadFormatSignature checks that a non-DER signature is
// rejected rather than panicking.
func TestVerifyRejectsBadFormatSignature(t *testing.T) {
	sk, err := GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	vk := sk.Public()
	if vk.Verify([]byte("msg"), []byte("not a der signature")) {
		t.Fatal("verify should reject malformed signature")
	}
}

// TestKeyRoundTrip checks SigningKeyFromBytes/VerifyingKeyFromBytes
// reconstruct usable keys.
func TestKeyRoundTrip(t *testing.T) {
	sk, err := GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	sk2, err := SigningKeyFromBytes(sk.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	vk2, err := VerifyingKeyFromBytes(sk.Public().Bytes())
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("round trip")
	sig, err := sk2.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !vk2.Verify(msg, sig) {
		t.Fatal("reconstructed keys failed to round trip a signature")
	}
}
