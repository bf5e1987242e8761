// Package gpt implements spec component C: loading, validating,
// rewriting, and CRC-stamping a primary/backup GUID Partition Table,
// including the add/remove/resize/resolve operations and the
// backup-relocation-after-resize repair. Grounded on the fixed-offset
// byte packing idiom used throughout the example corpus's disk-format
// readers (see filesystem/ext4/superblock.go) and on the field layout
// of the Fuchsia thinfs gpt package, adapted to this spec's §3/§6
// layout and to this spec's bespoke sort/classify/resize semantics
// that a general-purpose GPT library does not provide.
package gpt

import (
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
)

// BlockSize is the fixed GPT sector size (spec §6).
const BlockSize = 512

// HeaderSize is the number of meaningful bytes in a GPT header; the
// header still occupies a full BlockSize-byte block on disk.
const HeaderSize = 92

// EntrySize is the byte size of one partition table entry.
const EntrySize = 128

// NumEntries is the fixed number of entries in each entry array.
const NumEntries = 128

// EntryArrayBlocks is the number of 512-byte blocks the entry array
// occupies: 128 entries * 128 bytes / 512 bytes-per-block.
const EntryArrayBlocks = (NumEntries * EntrySize) / BlockSize

// AlignmentLBA is the partition alignment boundary in sectors (1 MiB).
const AlignmentLBA = 2048

var signature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

// emptyEndingLBA is the max-valued ending_lba sentinel for an empty
// slot (spec §3). sortEntries does not consult it; it orders empty
// slots last by IsEmpty.
const emptyEndingLBA = ^uint64(0)

// Header is the in-memory form of a GPT primary or backup header.
type Header struct {
	Signature       [8]byte
	Revision        uint32
	HeaderSize      uint32
	HeaderCRC32     uint32
	Reserved        uint32
	MyLBA           uint64
	AlternateLBA    uint64
	FirstUsableLBA  uint64
	LastUsableLBA   uint64
	DiskGUID        gptguid.GUID
	FirstEntryLBA   uint64
	NumberOfEntries uint32
	SizeOfEntry     uint32
	EntriesCRC32    uint32
}

// Entry is one 128-byte GPT partition table entry.
type Entry struct {
	TypeGUID   gptguid.GUID
	UniqueGUID gptguid.GUID
	StartLBA   uint64
	EndLBA     uint64 // inclusive, per the GPT spec
	Attributes uint64
	NameUTF16  [36]uint16
}

// IsEmpty reports whether the entry is an unused slot.
func (e Entry) IsEmpty() bool { return gptguid.IsZero(e.TypeGUID) }

// NumBlocks returns the partition's length in 512-byte sectors.
func (e Entry) NumBlocks() uint64 {
	if e.IsEmpty() {
		return 0
	}
	return e.EndLBA - e.StartLBA + 1
}

// Name returns the entry's UTF-16 partition name as a Go string.
func (e Entry) Name() string {
	n := 0
	for n < len(e.NameUTF16) && e.NameUTF16[n] != 0 {
		n++
	}
	return string(utf16Decode(e.NameUTF16[:n]))
}

// SetName encodes s as the entry's UTF-16 partition name, truncating to
// fit the fixed 36-code-unit field.
func (e *Entry) SetName(s string) {
	encoded := utf16Encode(s)
	var buf [36]uint16
	n := copy(buf[:], encoded)
	_ = n
	e.NameUTF16 = buf
}

// Table is a fully loaded GPT: the primary header/entries and the
// backup header/entries, plus the geometry of the container they
// describe.
type Table struct {
	Primary       Header
	PrimaryEntry  []Entry
	Backup        Header
	BackupEntry   []Entry
	TotalBlocks   uint64 // size of the underlying container, in 512-byte sectors
	blockSize     int64
	readOnly      bool
}
