package gpt

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
)

// marshalHeader encodes h into a BlockSize-byte block, zero-padded
// beyond HeaderSize, with headerCRC32 computed over exactly HeaderSize
// bytes with that field zeroed, per spec §3's invariant.
func marshalHeader(h Header) []byte {
	buf := make([]byte, BlockSize)
	copy(buf[0:8], h.Signature[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Revision)
	binary.LittleEndian.PutUint32(buf[12:16], h.HeaderSize)
	// HeaderCRC32 at [16:20] left zero for the CRC computation below.
	binary.LittleEndian.PutUint32(buf[20:24], h.Reserved)
	binary.LittleEndian.PutUint64(buf[24:32], h.MyLBA)
	binary.LittleEndian.PutUint64(buf[32:40], h.AlternateLBA)
	binary.LittleEndian.PutUint64(buf[40:48], h.FirstUsableLBA)
	binary.LittleEndian.PutUint64(buf[48:56], h.LastUsableLBA)
	diskGUID := gptguid.ToDisk(h.DiskGUID)
	copy(buf[56:72], diskGUID[:])
	binary.LittleEndian.PutUint64(buf[72:80], h.FirstEntryLBA)
	binary.LittleEndian.PutUint32(buf[80:84], h.NumberOfEntries)
	binary.LittleEndian.PutUint32(buf[84:88], h.SizeOfEntry)
	binary.LittleEndian.PutUint32(buf[88:92], h.EntriesCRC32)

	crc := crc32.ChecksumIEEE(buf[0:HeaderSize])
	binary.LittleEndian.PutUint32(buf[16:20], crc)
	return buf
}

// unmarshalHeader decodes a BlockSize-byte block into a Header.
func unmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < BlockSize {
		return Header{}, cvmerr.New(cvmerr.InvalidArgument, "gpt.unmarshalHeader", fmt.Errorf("short buffer"))
	}
	var h Header
	copy(h.Signature[:], buf[0:8])
	h.Revision = binary.LittleEndian.Uint32(buf[8:12])
	h.HeaderSize = binary.LittleEndian.Uint32(buf[12:16])
	h.HeaderCRC32 = binary.LittleEndian.Uint32(buf[16:20])
	h.Reserved = binary.LittleEndian.Uint32(buf[20:24])
	h.MyLBA = binary.LittleEndian.Uint64(buf[24:32])
	h.AlternateLBA = binary.LittleEndian.Uint64(buf[32:40])
	h.FirstUsableLBA = binary.LittleEndian.Uint64(buf[40:48])
	h.LastUsableLBA = binary.LittleEndian.Uint64(buf[48:56])
	var diskGUID [16]byte
	copy(diskGUID[:], buf[56:72])
	h.DiskGUID = gptguid.FromDisk(diskGUID)
	h.FirstEntryLBA = binary.LittleEndian.Uint64(buf[72:80])
	h.NumberOfEntries = binary.LittleEndian.Uint32(buf[80:84])
	h.SizeOfEntry = binary.LittleEndian.Uint32(buf[84:88])
	h.EntriesCRC32 = binary.LittleEndian.Uint32(buf[88:92])
	if h.Signature != signature {
		return h, cvmerr.New(cvmerr.CorruptFormat, "gpt.unmarshalHeader", fmt.Errorf("bad signature %q", h.Signature))
	}
	return h, nil
}

// marshalEntry encodes one 128-byte partition entry.
func marshalEntry(e Entry) []byte {
	buf := make([]byte, EntrySize)
	typeGUID := gptguid.ToDisk(e.TypeGUID)
	uniqueGUID := gptguid.ToDisk(e.UniqueGUID)
	copy(buf[0:16], typeGUID[:])
	copy(buf[16:32], uniqueGUID[:])
	binary.LittleEndian.PutUint64(buf[32:40], e.StartLBA)
	binary.LittleEndian.PutUint64(buf[40:48], e.EndLBA)
	binary.LittleEndian.PutUint64(buf[48:56], e.Attributes)
	for i, u := range e.NameUTF16 {
		binary.LittleEndian.PutUint16(buf[56+i*2:58+i*2], u)
	}
	return buf
}

func unmarshalEntry(buf []byte) Entry {
	var e Entry
	var typeGUID, uniqueGUID [16]byte
	copy(typeGUID[:], buf[0:16])
	copy(uniqueGUID[:], buf[16:32])
	e.TypeGUID = gptguid.FromDisk(typeGUID)
	e.UniqueGUID = gptguid.FromDisk(uniqueGUID)
	e.StartLBA = binary.LittleEndian.Uint64(buf[32:40])
	e.EndLBA = binary.LittleEndian.Uint64(buf[40:48])
	e.Attributes = binary.LittleEndian.Uint64(buf[48:56])
	for i := range e.NameUTF16 {
		e.NameUTF16[i] = binary.LittleEndian.Uint16(buf[56+i*2 : 58+i*2])
	}
	return e
}

// marshalEntries encodes the full 128-entry array.
func marshalEntries(entries []Entry) []byte {
	buf := make([]byte, NumEntries*EntrySize)
	for i := 0; i < NumEntries; i++ {
		var e Entry
		if i < len(entries) {
			e = entries[i]
		}
		copy(buf[i*EntrySize:(i+1)*EntrySize], marshalEntry(e))
	}
	return buf
}

func unmarshalEntries(buf []byte) []Entry {
	entries := make([]Entry, NumEntries)
	for i := 0; i < NumEntries; i++ {
		entries[i] = unmarshalEntry(buf[i*EntrySize : (i+1)*EntrySize])
	}
	return entries
}

func entriesCRC32(entries []Entry) uint32 {
	return crc32.ChecksumIEEE(marshalEntries(entries))
}
