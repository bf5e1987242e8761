package envelope

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
)

// Verify reconstructs the RSA public key embedded in r and checks the
// RSASSA-PKCS1-v1_5(SHA-256) signature against digest, per spec §4.6.
// Both the digest comparison and the signature check must succeed.
func Verify(r Record, digest [32]byte) error {
	if r.Digest != digest {
		return cvmerr.New(cvmerr.HashMismatch, "envelope.Verify", fmt.Errorf("digest mismatch"))
	}
	pub := r.PublicKey()
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, r.Digest[:], r.Signature); err != nil {
		return cvmerr.New(cvmerr.HashMismatch, "envelope.Verify", fmt.Errorf("signature verify: %w", err))
	}
	return nil
}

// VerifyBytes is a convenience wrapper that hashes data and calls
// Verify with the resulting digest.
func VerifyBytes(r Record, data []byte) error {
	return Verify(r, sha256.Sum256(data))
}

// parsePKIXOrPKCS1PublicKey accepts either PKIX ("PUBLIC KEY") or
// PKCS#1 ("RSA PUBLIC KEY") DER encodings, since external signtool
// implementations vary in which OpenSSL emits by default.
func parsePKIXOrPKCS1PublicKey(der []byte) (*rsa.PublicKey, error) {
	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		if rsaKey, ok := key.(*rsa.PublicKey); ok {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("PKIX key is not RSA")
	}
	return x509.ParsePKCS1PublicKey(der)
}
