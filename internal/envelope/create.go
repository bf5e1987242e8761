package envelope

import (
	"crypto/sha256"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/shellx"
)

// minimal trims leading zero bytes from a big-endian integer, per §3's
// "stripped to minimal form" requirement.
func minimal(b []byte) []byte {
	i := 0
	for i < len(b)-1 && b[i] == 0 {
		i++
	}
	return b[i:]
}

// Create signs data's SHA-256 digest by invoking the external
// signtool over a temp file, per spec §4.6. signtool must produce
// <tmpfile>.sig (raw RSA signature), <tmpfile>.pub (PEM public key),
// and optionally <tmpfile>.signerpubkeyhash.
func Create(data []byte, signtool string) (Record, error) {
	digest := sha256.Sum256(data)

	tmp, err := os.CreateTemp("", "cvmdisk-envelope-*")
	if err != nil {
		return Record{}, cvmerr.New(cvmerr.IoError, "envelope.Create", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Record{}, cvmerr.New(cvmerr.IoError, "envelope.Create", err)
	}
	if err := tmp.Close(); err != nil {
		return Record{}, cvmerr.New(cvmerr.IoError, "envelope.Create", err)
	}

	if _, err := shellx.Run(signtool, tmpPath); err != nil {
		return Record{}, cvmerr.New(cvmerr.ExternalTool, "envelope.Create", fmt.Errorf("signtool: %w", err))
	}
	defer os.Remove(tmpPath + ".sig")
	defer os.Remove(tmpPath + ".pub")
	defer os.Remove(tmpPath + ".signerpubkeyhash")

	sig, err := os.ReadFile(tmpPath + ".sig")
	if err != nil {
		return Record{}, cvmerr.New(cvmerr.ExternalTool, "envelope.Create", fmt.Errorf("read %s.sig: %w", tmpPath, err))
	}
	pubPEM, err := os.ReadFile(tmpPath + ".pub")
	if err != nil {
		return Record{}, cvmerr.New(cvmerr.ExternalTool, "envelope.Create", fmt.Errorf("read %s.pub: %w", tmpPath, err))
	}

	exponent, modulus, err := parsePublicKeyPEM(pubPEM)
	if err != nil {
		return Record{}, err
	}

	signer := signerOf(modulus, exponent)

	if hashBytes, err := os.ReadFile(tmpPath + ".signerpubkeyhash"); err == nil {
		if len(hashBytes) != maxSignerSize {
			return Record{}, cvmerr.New(cvmerr.CorruptFormat, "envelope.Create", fmt.Errorf("signerpubkeyhash is %d bytes, want %d", len(hashBytes), maxSignerSize))
		}
		var got [maxSignerSize]byte
		copy(got[:], hashBytes)
		if got != signer {
			return Record{}, cvmerr.New(cvmerr.CorruptFormat, "envelope.Create", fmt.Errorf("signerpubkeyhash does not match SHA-256(modulus||exponent)"))
		}
	}

	r := Record{
		Digest:    digest,
		Signer:    signer,
		Signature: sig,
		Exponent:  exponent,
		Modulus:   modulus,
	}

	// Self-verify, per spec §4.6 step 5: both against the constructed
	// record and against the record after a Marshal/Unmarshal round
	// trip (each check rebuilds the public key from the embedded
	// exponent and modulus), to catch round-trip bugs in the PEM parse
	// or the record encoding.
	if err := Verify(r, digest); err != nil {
		return Record{}, cvmerr.New(cvmerr.CorruptFormat, "envelope.Create", fmt.Errorf("self-verify failed: %w", err))
	}
	encoded, err := r.Marshal()
	if err != nil {
		return Record{}, err
	}
	decoded, err := Unmarshal(encoded)
	if err != nil {
		return Record{}, err
	}
	if err := Verify(decoded, digest); err != nil {
		return Record{}, cvmerr.New(cvmerr.CorruptFormat, "envelope.Create", fmt.Errorf("self-verify after encoding round trip failed: %w", err))
	}

	return r, nil
}

// parsePublicKeyPEM extracts the minimal-form big-endian exponent and
// modulus from a PEM-encoded RSA public key.
func parsePublicKeyPEM(pemBytes []byte) (exponent, modulus []byte, err error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, nil, cvmerr.New(cvmerr.CorruptFormat, "envelope.parsePublicKeyPEM", fmt.Errorf("no PEM block found"))
	}
	pub, err := parsePKIXOrPKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, nil, cvmerr.New(cvmerr.CorruptFormat, "envelope.parsePublicKeyPEM", err)
	}
	modulus = minimal(pub.N.Bytes())
	exponent = minimal(big.NewInt(int64(pub.E)).Bytes())
	return exponent, modulus, nil
}

// GenKeys produces a PEM RSA keypair under $HOME/.cvmsign, per spec
// §4.6's Genkeys operation. It shells out to the host's openssl the
// way the teacher's image-signing flow shells out to sbsign/openssl
// rather than linking libcrypto directly.
func GenKeys(bits int) (privPath, pubPath string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", cvmerr.New(cvmerr.IoError, "envelope.GenKeys", err)
	}
	dir := filepath.Join(home, ".cvmsign")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", cvmerr.New(cvmerr.IoError, "envelope.GenKeys", err)
	}

	privPath = filepath.Join(dir, "signing.key")
	pubPath = filepath.Join(dir, "signing.pub")

	if _, err := shellx.Run("openssl", "genrsa", "-out", privPath, fmt.Sprintf("%d", bits)); err != nil {
		return "", "", cvmerr.New(cvmerr.ExternalTool, "envelope.GenKeys", fmt.Errorf("genrsa: %w", err))
	}
	if err := os.Chmod(privPath, 0600); err != nil {
		return "", "", cvmerr.New(cvmerr.IoError, "envelope.GenKeys", err)
	}
	if _, err := shellx.Run("openssl", "rsa", "-in", privPath, "-pubout", "-out", pubPath); err != nil {
		return "", "", cvmerr.New(cvmerr.ExternalTool, "envelope.GenKeys", fmt.Errorf("rsa -pubout: %w", err))
	}

	return privPath, pubPath, nil
}
