// Package gptguid provides the GUID type used throughout the GPT,
// verity, and thin-provisioning components, plus the well-known
// partition type GUIDs from spec §6. GPT stores a GUID's first three
// fields little-endian and the last two fields (clock-seq + node) big
// endian -- the "mixed-endian" Microsoft GUID wire format -- which is
// different from the big-endian-everywhere RFC 4122 byte layout
// google/uuid otherwise assumes, so this package owns the on-disk
// encode/decode adapters. Grounded on the original guid.c/guid.h and on
// the well-known-GUID table kept by the original_source/cvmdisk sources.
package gptguid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// GUID is a 128-bit globally unique identifier, held in RFC 4122
// (network, big-endian) byte order in memory. Use ToDisk/FromDisk at
// the GPT on-disk boundary.
type GUID = uuid.UUID

// Nil is the zero GUID, used to mark an empty GPT entry slot.
var Nil GUID

// Well-known partition type GUIDs, spec §6.
var (
	TypeMBRProtective = uuid.MustParse("21686148-6449-6e6f-744e-656564454649")
	TypeEFISystem     = uuid.MustParse("c12a7328-f81f-11d2-ba4b-00a0c93ec93b")
	TypeLinuxFS       = uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")
	TypeVerityHash    = uuid.MustParse("3416e185-0efa-4ba5-bf43-be206e7f9af0")
	TypeThinData      = uuid.MustParse("136ce4af-afed-4f96-84ff-0651088074ee")
	TypeThinMeta      = uuid.MustParse("ed71d74e-250a-4f9f-a29b-32246f9bb43a")
	TypeRootfsUpper   = uuid.MustParse("c148c601-508c-4f28-aa23-3c1a6955f649")
)

// NewRandom returns a cryptographically random GUID, used whenever the
// GPT engine mints a new unique_guid for a partition entry.
func NewRandom() (GUID, error) {
	g, err := uuid.NewRandomFromReader(rand.Reader)
	if err != nil {
		return Nil, fmt.Errorf("generate random guid: %w", err)
	}
	return g, nil
}

// ToDisk encodes a GUID into the 16-byte mixed-endian layout the GPT
// spec requires: data1 (4 bytes) and data2/data3 (2 bytes each)
// little-endian, followed by the 8 remaining bytes verbatim.
func ToDisk(g GUID) [16]byte {
	var out [16]byte
	b := g[:]
	binary.LittleEndian.PutUint32(out[0:4], binary.BigEndian.Uint32(b[0:4]))
	binary.LittleEndian.PutUint16(out[4:6], binary.BigEndian.Uint16(b[4:6]))
	binary.LittleEndian.PutUint16(out[6:8], binary.BigEndian.Uint16(b[6:8]))
	copy(out[8:16], b[8:16])
	return out
}

// FromDisk decodes a 16-byte mixed-endian GPT GUID field back into the
// RFC 4122 big-endian in-memory form.
func FromDisk(b [16]byte) GUID {
	var g GUID
	binary.BigEndian.PutUint32(g[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(g[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(g[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(g[8:16], b[8:16])
	return g
}

// IsZero reports whether g is the all-zero GUID, the GPT convention for
// an empty entry slot.
func IsZero(g GUID) bool { return g == Nil }
