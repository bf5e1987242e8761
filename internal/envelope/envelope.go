// Package envelope implements spec component F: the fixed 4096-byte
// signature record binding a SHA-256 digest to an RSA public key, a
// signer identity derived from that key, and the record's creation
// (via an external sign-tool collaborator) and verification. Grounded
// on the teacher's imagesign/imagesecure external-signing-tool
// invocation pattern, adapted from its AuthentiCode/ESRP flow to this
// spec's §4.6/§6 RSASSA-PKCS1-v1_5 record with the exponent/modulus
// embedded directly in the record rather than fetched from a remote
// signing service.
package envelope

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
)

// RecordSize is the fixed on-disk signature record size (spec §6).
const RecordSize = 4096

// Magic identifies a valid signature record.
const Magic = 0x9d2d3be907d34589

// Version is the only supported record version.
const Version = 1

const (
	maxDigestSize    = 32
	maxSignerSize    = 32
	maxSignatureSize = 1024
	maxExponentSize  = 32
	maxModulusSize   = 1024
)

const (
	offMagic          = 0
	offVersion        = 8
	offDigest         = 16
	offSigner         = 48
	offSignature      = 80
	offSignatureSize  = 1104
	offExponent       = 1112
	offExponentSize   = 1144
	offModulus        = 1152
	offModulusSize    = 2176
	recordPayloadSize = 2184
)

// Record is the in-memory form of a signature envelope.
type Record struct {
	Digest    [maxDigestSize]byte
	Signer    [maxSignerSize]byte
	Signature []byte // RSASSA-PKCS1-v1_5(SHA-256) over Digest
	Exponent  []byte // big-endian, minimal form
	Modulus   []byte // big-endian, minimal form
}

func signerOf(modulus, exponent []byte) [maxSignerSize]byte {
	h := sha256.New()
	h.Write(modulus)
	h.Write(exponent)
	var out [maxSignerSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PublicKey reconstructs an *rsa.PublicKey from the record's embedded
// exponent and modulus.
func (r Record) PublicKey() *rsa.PublicKey {
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(r.Modulus),
		E: int(new(big.Int).SetBytes(r.Exponent).Int64()),
	}
}

// Marshal encodes r into a RecordSize-byte buffer per spec §6.
func (r Record) Marshal() ([]byte, error) {
	if len(r.Signature) > maxSignatureSize {
		return nil, cvmerr.New(cvmerr.InvalidArgument, "envelope.Marshal", fmt.Errorf("signature is %d bytes, max %d", len(r.Signature), maxSignatureSize))
	}
	if len(r.Exponent) > maxExponentSize {
		return nil, cvmerr.New(cvmerr.InvalidArgument, "envelope.Marshal", fmt.Errorf("exponent is %d bytes, max %d", len(r.Exponent), maxExponentSize))
	}
	if len(r.Modulus) > maxModulusSize {
		return nil, cvmerr.New(cvmerr.InvalidArgument, "envelope.Marshal", fmt.Errorf("modulus is %d bytes, max %d", len(r.Modulus), maxModulusSize))
	}

	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint64(buf[offMagic:offMagic+8], Magic)
	binary.LittleEndian.PutUint64(buf[offVersion:offVersion+8], Version)
	copy(buf[offDigest:offDigest+maxDigestSize], r.Digest[:])
	copy(buf[offSigner:offSigner+maxSignerSize], r.Signer[:])
	copy(buf[offSignature:offSignature+maxSignatureSize], r.Signature)
	binary.LittleEndian.PutUint64(buf[offSignatureSize:offSignatureSize+8], uint64(len(r.Signature)))
	copy(buf[offExponent:offExponent+maxExponentSize], r.Exponent)
	binary.LittleEndian.PutUint64(buf[offExponentSize:offExponentSize+8], uint64(len(r.Exponent)))
	copy(buf[offModulus:offModulus+maxModulusSize], r.Modulus)
	binary.LittleEndian.PutUint64(buf[offModulusSize:offModulusSize+8], uint64(len(r.Modulus)))
	return buf, nil
}

// Unmarshal decodes a RecordSize-byte buffer into a Record, validating
// the magic, version, and every length field against its §3 bound.
func Unmarshal(buf []byte) (Record, error) {
	if len(buf) < RecordSize {
		return Record{}, cvmerr.New(cvmerr.InvalidArgument, "envelope.Unmarshal", fmt.Errorf("short buffer"))
	}
	magic := binary.LittleEndian.Uint64(buf[offMagic : offMagic+8])
	if magic != Magic {
		return Record{}, cvmerr.New(cvmerr.CorruptFormat, "envelope.Unmarshal", fmt.Errorf("bad magic %#x", magic))
	}
	version := binary.LittleEndian.Uint64(buf[offVersion : offVersion+8])
	if version != Version {
		return Record{}, cvmerr.New(cvmerr.CorruptFormat, "envelope.Unmarshal", fmt.Errorf("unsupported version %d", version))
	}

	var r Record
	copy(r.Digest[:], buf[offDigest:offDigest+maxDigestSize])
	copy(r.Signer[:], buf[offSigner:offSigner+maxSignerSize])

	sigSize := binary.LittleEndian.Uint64(buf[offSignatureSize : offSignatureSize+8])
	if sigSize > maxSignatureSize {
		return Record{}, cvmerr.New(cvmerr.CorruptFormat, "envelope.Unmarshal", fmt.Errorf("signature_size %d exceeds %d", sigSize, maxSignatureSize))
	}
	r.Signature = append([]byte(nil), buf[offSignature:offSignature+sigSize]...)

	expSize := binary.LittleEndian.Uint64(buf[offExponentSize : offExponentSize+8])
	if expSize > maxExponentSize {
		return Record{}, cvmerr.New(cvmerr.CorruptFormat, "envelope.Unmarshal", fmt.Errorf("exponent_size %d exceeds %d", expSize, maxExponentSize))
	}
	r.Exponent = append([]byte(nil), buf[offExponent:offExponent+expSize]...)

	modSize := binary.LittleEndian.Uint64(buf[offModulusSize : offModulusSize+8])
	if modSize > maxModulusSize {
		return Record{}, cvmerr.New(cvmerr.CorruptFormat, "envelope.Unmarshal", fmt.Errorf("modulus_size %d exceeds %d", modSize, maxModulusSize))
	}
	r.Modulus = append([]byte(nil), buf[offModulus:offModulus+modSize]...)

	return r, nil
}
