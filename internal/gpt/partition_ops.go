package gpt

import (
	"fmt"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
)

// alignUp rounds lba up to the next AlignmentLBA boundary.
func alignUp(lba uint64) uint64 {
	rem := lba % AlignmentLBA
	if rem == 0 {
		return lba
	}
	return lba + (AlignmentLBA - rem)
}

// firstFreeSlot returns the index of the first empty entry, or -1 if
// the table is full.
func (t *Table) firstFreeSlot() int {
	for i, e := range t.PrimaryEntry {
		if e.IsEmpty() {
			return i
		}
	}
	return -1
}

// FindByType returns the index of the first entry whose TypeGUID
// matches typ, or -1 if none does.
func (t *Table) FindByType(typ gptguid.GUID) int {
	for i, e := range t.PrimaryEntry {
		if !e.IsEmpty() && e.TypeGUID == typ {
			return i
		}
	}
	return -1
}

// FindByUnique returns the index of the entry whose UniqueGUID matches
// id, or -1 if none does.
func (t *Table) FindByUnique(id gptguid.GUID) int {
	for i, e := range t.PrimaryEntry {
		if !e.IsEmpty() && e.UniqueGUID == id {
			return i
		}
	}
	return -1
}

// TrailingFreeSpace returns the number of unused, aligned sectors
// between the end of the last allocated partition and LastUsableLBA,
// the quantity spec §4.3's resize/grow operations consume from.
func (t *Table) TrailingFreeSpace() uint64 {
	last := t.Primary.FirstUsableLBA - 1
	for _, e := range t.PrimaryEntry {
		if e.IsEmpty() {
			continue
		}
		if e.EndLBA > last {
			last = e.EndLBA
		}
	}
	start := alignUp(last + 1)
	if start > t.Primary.LastUsableLBA {
		return 0
	}
	return t.Primary.LastUsableLBA - start + 1
}

// AddPartition appends a new partition of the given size (in sectors)
// at the first aligned free slot past the current trailing partition,
// with a fresh random unique GUID, per spec §4.3. Returns the index of
// the new entry.
func (t *Table) AddPartition(typ gptguid.GUID, name string, numBlocks uint64) (int, error) {
	if numBlocks == 0 {
		return -1, cvmerr.New(cvmerr.InvalidArgument, "gpt.AddPartition", fmt.Errorf("numBlocks must be positive"))
	}
	slot := t.firstFreeSlot()
	if slot < 0 {
		return -1, cvmerr.New(cvmerr.OutOfRange, "gpt.AddPartition", fmt.Errorf("entry array is full"))
	}

	last := t.Primary.FirstUsableLBA - 1
	for _, e := range t.PrimaryEntry {
		if e.IsEmpty() {
			continue
		}
		if e.EndLBA > last {
			last = e.EndLBA
		}
	}
	start := alignUp(last + 1)
	end := start + numBlocks - 1
	if end > t.Primary.LastUsableLBA {
		return -1, cvmerr.New(cvmerr.OutOfSpace, "gpt.AddPartition", fmt.Errorf("partition of %d blocks at LBA %d exceeds last usable LBA %d", numBlocks, start, t.Primary.LastUsableLBA))
	}

	unique, err := gptguid.NewRandom()
	if err != nil {
		return -1, err
	}

	e := Entry{
		TypeGUID:   typ,
		UniqueGUID: unique,
		StartLBA:   start,
		EndLBA:     end,
	}
	e.SetName(name)
	t.PrimaryEntry[slot] = e
	sortEntries(t.PrimaryEntry)

	return t.FindByUnique(unique), nil
}

// RemovePartition clears the entry at index i.
func (t *Table) RemovePartition(i int) error {
	if i < 0 || i >= len(t.PrimaryEntry) {
		return cvmerr.New(cvmerr.OutOfRange, "gpt.RemovePartition", fmt.Errorf("index %d out of range", i))
	}
	t.PrimaryEntry[i] = Entry{}
	sortEntries(t.PrimaryEntry)
	return nil
}

// RemovePartitionsByType clears every entry whose TypeGUID matches
// typ, returning the number removed.
func (t *Table) RemovePartitionsByType(typ gptguid.GUID) int {
	n := 0
	for i, e := range t.PrimaryEntry {
		if !e.IsEmpty() && e.TypeGUID == typ {
			t.PrimaryEntry[i] = Entry{}
			n++
		}
	}
	if n > 0 {
		sortEntries(t.PrimaryEntry)
	}
	return n
}

// ResizePartition grows or shrinks the entry at index i so its length
// becomes numBlocks sectors, in place (StartLBA unchanged). The new
// extent must not overlap the next entry and must not exceed
// LastUsableLBA, per spec §4.3.
func (t *Table) ResizePartition(i int, numBlocks uint64) error {
	if i < 0 || i >= len(t.PrimaryEntry) {
		return cvmerr.New(cvmerr.OutOfRange, "gpt.ResizePartition", fmt.Errorf("index %d out of range", i))
	}
	e := t.PrimaryEntry[i]
	if e.IsEmpty() {
		return cvmerr.New(cvmerr.InvalidArgument, "gpt.ResizePartition", fmt.Errorf("entry %d is empty", i))
	}
	if numBlocks == 0 {
		return cvmerr.New(cvmerr.InvalidArgument, "gpt.ResizePartition", fmt.Errorf("numBlocks must be positive"))
	}

	newEnd := e.StartLBA + numBlocks - 1
	if newEnd > t.Primary.LastUsableLBA {
		return cvmerr.New(cvmerr.OutOfRange, "gpt.ResizePartition", fmt.Errorf("new end LBA %d exceeds last usable LBA %d", newEnd, t.Primary.LastUsableLBA))
	}

	nextStart := t.Primary.LastUsableLBA + 1
	for j, other := range t.PrimaryEntry {
		if j == i || other.IsEmpty() {
			continue
		}
		if other.StartLBA > e.StartLBA && other.StartLBA < nextStart {
			nextStart = other.StartLBA
		}
	}
	if newEnd >= nextStart {
		return cvmerr.New(cvmerr.OutOfRange, "gpt.ResizePartition", fmt.Errorf("new end LBA %d would overlap the following partition at LBA %d", newEnd, nextStart))
	}

	t.PrimaryEntry[i].EndLBA = newEnd
	return nil
}
