package gpt

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/microsoft/cvmboot-sub000/internal/blockdev"
	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
)

// TrailingBlocks is the number of 512-byte sectors the backup entry
// array plus backup header occupy at the tail of the container.
const TrailingBlocks = EntryArrayBlocks + 1

// Load reads the primary header (LBA 1) and primary entry array (LBAs
// 2..33) from dev; the MBR at LBA 0 is not read. It then reconciles the backup copy against the
// container's current size, per spec §4.3. When dev was opened
// read-write the primary entry array is sorted (empty slots last,
// spec §3) before the backup reconciliation runs.
func Load(dev *blockdev.Device, writable bool) (*Table, error) {
	if dev.BlockSize() != BlockSize {
		return nil, cvmerr.New(cvmerr.InvalidArgument, "gpt.Load", fmt.Errorf("device block size %d, want %d", dev.BlockSize(), BlockSize))
	}

	headerBuf, err := dev.Get(1, 1)
	if err != nil {
		return nil, cvmerr.New(cvmerr.IoError, "gpt.Load", err)
	}
	primary, err := unmarshalHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	entriesBuf, err := dev.Get(2, EntryArrayBlocks)
	if err != nil {
		return nil, cvmerr.New(cvmerr.IoError, "gpt.Load", err)
	}
	entries := unmarshalEntries(entriesBuf)

	t := &Table{
		Primary:      primary,
		PrimaryEntry: entries,
		TotalBlocks:  uint64(dev.NumBlocks()),
	}

	if writable {
		sortEntries(t.PrimaryEntry)
	}

	if err := t.reconcileBackup(dev, writable); err != nil {
		return nil, err
	}

	t.recomputeCRCs()
	return t, nil
}

// sortEntries sorts entries by StartLBA with empty slots (zero
// TypeGUID, per IsEmpty) pushed to the end, the invariant spec §3
// requires after Load.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ei, ej := entries[i], entries[j]
		iEmpty, jEmpty := ei.IsEmpty(), ej.IsEmpty()
		if iEmpty != jEmpty {
			return jEmpty // non-empty before empty
		}
		if iEmpty && jEmpty {
			return false
		}
		return ei.StartLBA < ej.StartLBA
	})
}

// IsSorted reports whether the primary entry array is sorted by
// StartLBA with no null gap before a non-null entry, the diagnostic
// signal spec §4.3/§4.8 uses to detect a still-`base` image.
func (t *Table) IsSorted() bool {
	seenEmpty := false
	lastStart := uint64(0)
	for i, e := range t.PrimaryEntry {
		if e.IsEmpty() {
			seenEmpty = true
			continue
		}
		if seenEmpty {
			return false // non-empty entry after a null gap
		}
		if i > 0 && e.StartLBA < lastStart {
			return false
		}
		lastStart = e.StartLBA
	}
	return true
}

func (t *Table) expectedLastUsableLBA() uint64 {
	return t.TotalBlocks - uint64(TrailingBlocks) - 1
}

func (t *Table) expectedBackupLBA(lastUsable uint64) uint64 {
	return lastUsable + uint64(EntryArrayBlocks) + 1
}

// reconcileBackup implements spec §4.3's load-time backup handling: if
// the container's geometry hasn't changed since the header was
// written, cross-check the on-disk backup byte-for-byte (a mismatch is
// fatal only on a read-only load; a writable load replaces the backup
// with one regenerated from the possibly just-sorted primary);
// otherwise regenerate last_usable_lba/backup_lba and the whole backup
// copy from the primary.
func (t *Table) reconcileBackup(dev *blockdev.Device, writable bool) error {
	newLastUsable := t.expectedLastUsableLBA()

	if newLastUsable == t.Primary.LastUsableLBA {
		backupHeaderBuf, err := dev.Get(int64(t.Primary.AlternateLBA), 1)
		if err != nil {
			return cvmerr.New(cvmerr.IoError, "gpt.reconcileBackup", err)
		}
		backupHeader, err := unmarshalHeader(backupHeaderBuf)
		if err != nil {
			return err
		}
		backupEntriesBuf, err := dev.Get(int64(t.Primary.AlternateLBA)-int64(EntryArrayBlocks), int64(EntryArrayBlocks))
		if err != nil {
			return cvmerr.New(cvmerr.IoError, "gpt.reconcileBackup", err)
		}
		backupEntries := unmarshalEntries(backupEntriesBuf)

		expected := t.expectedBackupHeader()
		expectedBuf := marshalHeader(expected)
		gotBuf := marshalHeader(backupHeader)
		if !bytes.Equal(expectedBuf, gotBuf) && !writable {
			return cvmerr.New(cvmerr.CorruptFormat, "gpt.reconcileBackup", fmt.Errorf("backup header does not match regenerated primary-derived header"))
		}
		if entriesCRC32(backupEntries) != entriesCRC32(t.PrimaryEntry) && !writable {
			return cvmerr.New(cvmerr.CorruptFormat, "gpt.reconcileBackup", fmt.Errorf("backup entry array does not match primary"))
		}

		t.Backup = backupHeader
		t.BackupEntry = backupEntries
		if writable {
			t.Backup = expected
			t.BackupEntry = cloneEntries(t.PrimaryEntry)
		}
		return nil
	}

	// Container was resized: recompute geometry and regenerate the
	// backup wholesale from the primary.
	t.Primary.LastUsableLBA = newLastUsable
	t.Primary.AlternateLBA = t.expectedBackupLBA(newLastUsable)
	t.Backup = t.expectedBackupHeader()
	t.BackupEntry = cloneEntries(t.PrimaryEntry)
	return nil
}

// expectedBackupHeader derives the backup header's field values from
// the current primary header.
func (t *Table) expectedBackupHeader() Header {
	b := t.Primary
	b.MyLBA = t.Primary.AlternateLBA
	b.AlternateLBA = t.Primary.MyLBA
	b.FirstEntryLBA = t.Primary.AlternateLBA - uint64(EntryArrayBlocks)
	return b
}

func cloneEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// recomputeCRCs refreshes EntriesCRC32/HeaderCRC32 on both the primary
// and backup headers after any mutation, per spec §4.3.
func (t *Table) recomputeCRCs() {
	crc := entriesCRC32(t.PrimaryEntry)
	t.Primary.EntriesCRC32 = crc
	t.Backup.EntriesCRC32 = entriesCRC32(t.BackupEntry)

	// HeaderCRC32 is implicitly recomputed by marshalHeader at Sync
	// time; store it here too so in-memory readers see a consistent
	// value before Sync is called.
	primaryBuf := marshalHeader(t.Primary)
	t.Primary.HeaderCRC32 = getCRCField(primaryBuf)
	backupBuf := marshalHeader(t.Backup)
	t.Backup.HeaderCRC32 = getCRCField(backupBuf)
}

func getCRCField(buf []byte) uint32 {
	h, _ := unmarshalHeader(buf)
	return h.HeaderCRC32
}

// NewBlank constructs a fresh, empty GPT for a container of the given
// total block count, with a random disk GUID.
func NewBlank(totalBlocks uint64) (*Table, error) {
	diskGUID, err := gptguid.NewRandom()
	if err != nil {
		return nil, err
	}

	t := &Table{
		TotalBlocks:  totalBlocks,
		PrimaryEntry: make([]Entry, NumEntries),
	}
	lastUsable := t.expectedLastUsableLBA()
	t.Primary = Header{
		Signature:       signature,
		Revision:        0x00010000,
		HeaderSize:      HeaderSize,
		MyLBA:           1,
		AlternateLBA:    t.expectedBackupLBA(lastUsable),
		FirstUsableLBA:  uint64(EntryArrayBlocks) + 2,
		LastUsableLBA:   lastUsable,
		DiskGUID:        diskGUID,
		FirstEntryLBA:   2,
		NumberOfEntries: NumEntries,
		SizeOfEntry:     EntrySize,
	}
	t.Backup = t.expectedBackupHeader()
	t.BackupEntry = cloneEntries(t.PrimaryEntry)
	t.recomputeCRCs()
	return t, nil
}
