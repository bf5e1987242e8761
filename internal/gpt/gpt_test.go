package gpt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"

	"github.com/microsoft/cvmboot-sub000/internal/blockdev"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
)

const testTotalBlocks = 1 << 20 // 512 MiB container

func newTestDevice(t *testing.T) *blockdev.Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(testTotalBlocks * BlockSize); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	dev, err := blockdev.Open(path, blockdev.ReadWrite, BlockSize, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestNewBlankLoadRoundTrip(t *testing.T) {
	dev := newTestDevice(t)
	blank, err := NewBlank(testTotalBlocks)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	if err := Sync(dev, blank); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	reloaded, err := Load(dev, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if diff := deep.Equal(blank.Primary, reloaded.Primary); diff != nil {
		t.Errorf("primary header round-trip mismatch: %v", diff)
	}
	if diff := deep.Equal(blank.PrimaryEntry, reloaded.PrimaryEntry); diff != nil {
		t.Errorf("primary entries round-trip mismatch: %v", diff)
	}
	if diff := deep.Equal(blank.Backup, reloaded.Backup); diff != nil {
		t.Errorf("backup header round-trip mismatch: %v", diff)
	}
	if !reloaded.IsSorted() {
		t.Errorf("reloaded table reports unsorted")
	}
}

func TestAddPartitionAlignsAndAppends(t *testing.T) {
	blank, err := NewBlank(testTotalBlocks)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}

	idx, err := blank.AddPartition(gptguid.TypeLinuxFS, "root", 100000)
	if err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	e := blank.PrimaryEntry[idx]
	if e.StartLBA%AlignmentLBA != 0 {
		t.Errorf("partition not aligned: StartLBA=%d", e.StartLBA)
	}
	if e.NumBlocks() != 100000 {
		t.Errorf("NumBlocks = %d, want 100000", e.NumBlocks())
	}
	if e.Name() != "root" {
		t.Errorf("Name() = %q, want root", e.Name())
	}

	idx2, err := blank.AddPartition(gptguid.TypeEFISystem, "esp", 2048)
	if err != nil {
		t.Fatalf("AddPartition 2: %v", err)
	}
	e2 := blank.PrimaryEntry[idx2]
	if e2.StartLBA <= e.EndLBA {
		t.Errorf("second partition (StartLBA=%d) overlaps first (EndLBA=%d)", e2.StartLBA, e.EndLBA)
	}
}

func TestAddPartitionRejectsOutOfSpace(t *testing.T) {
	blank, err := NewBlank(AlignmentLBA * 2)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	if _, err := blank.AddPartition(gptguid.TypeLinuxFS, "too-big", 1<<30); err == nil {
		t.Fatalf("want OutOfSpace error")
	}
}

func TestFindByTypeAndUnique(t *testing.T) {
	blank, err := NewBlank(testTotalBlocks)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	idx, err := blank.AddPartition(gptguid.TypeVerityHash, "verity-hash", 4096)
	if err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	if got := blank.FindByType(gptguid.TypeVerityHash); got != idx {
		t.Errorf("FindByType = %d, want %d", got, idx)
	}
	if got := blank.FindByType(gptguid.TypeThinData); got != -1 {
		t.Errorf("FindByType for absent type = %d, want -1", got)
	}

	unique := blank.PrimaryEntry[idx].UniqueGUID
	if got := blank.FindByUnique(unique); got != idx {
		t.Errorf("FindByUnique = %d, want %d", got, idx)
	}
}

func TestRemovePartitionsByType(t *testing.T) {
	blank, err := NewBlank(testTotalBlocks)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	if _, err := blank.AddPartition(gptguid.TypeThinData, "thin-data", 4096); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	if _, err := blank.AddPartition(gptguid.TypeLinuxFS, "root", 4096); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}

	n := blank.RemovePartitionsByType(gptguid.TypeThinData)
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if blank.FindByType(gptguid.TypeThinData) != -1 {
		t.Errorf("thin-data partition still present after removal")
	}
	if blank.FindByType(gptguid.TypeLinuxFS) == -1 {
		t.Errorf("unrelated root partition removed as a side effect")
	}
	if !blank.IsSorted() {
		t.Errorf("table not sorted after removal")
	}
}

func TestResizePartitionRefusesOverlap(t *testing.T) {
	blank, err := NewBlank(testTotalBlocks)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	rootIdx, err := blank.AddPartition(gptguid.TypeLinuxFS, "root", AlignmentLBA)
	if err != nil {
		t.Fatalf("AddPartition root: %v", err)
	}
	espIdx, err := blank.AddPartition(gptguid.TypeEFISystem, "esp", AlignmentLBA)
	if err != nil {
		t.Fatalf("AddPartition esp: %v", err)
	}

	if err := blank.ResizePartition(rootIdx, AlignmentLBA*3); err == nil {
		t.Fatalf("want overlap error growing into the next partition")
	}
	if err := blank.ResizePartition(espIdx, AlignmentLBA*2); err != nil {
		t.Fatalf("ResizePartition within free space: %v", err)
	}
}

func TestIsSortedDetectsNullGap(t *testing.T) {
	blank, err := NewBlank(testTotalBlocks)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	if _, err := blank.AddPartition(gptguid.TypeLinuxFS, "root", 4096); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	if _, err := blank.AddPartition(gptguid.TypeEFISystem, "esp", 4096); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	// Punch a null gap directly, bypassing RemovePartition's re-sort,
	// to simulate a disk written by something other than this engine.
	blank.PrimaryEntry[0] = Entry{}
	if blank.IsSorted() {
		t.Fatalf("IsSorted reported true across a null gap before a non-empty entry")
	}
}

func TestTrailingFreeSpace(t *testing.T) {
	blank, err := NewBlank(testTotalBlocks)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	before := blank.TrailingFreeSpace()
	if _, err := blank.AddPartition(gptguid.TypeLinuxFS, "root", AlignmentLBA*10); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	after := blank.TrailingFreeSpace()
	if after >= before {
		t.Errorf("TrailingFreeSpace did not shrink after allocating: before=%d after=%d", before, after)
	}
}

func TestLoadRepairsBackupAfterContainerGrowth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(testTotalBlocks * BlockSize); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	dev, err := blockdev.Open(path, blockdev.ReadWrite, BlockSize, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	blank, err := NewBlank(testTotalBlocks)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	if err := Sync(dev, blank); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	dev.Close()

	// Grow the underlying container without touching its GPT; Load
	// must notice last_usable_lba no longer matches and regenerate the
	// backup at the new tail instead of failing the cross-check.
	if err := os.Truncate(path, (testTotalBlocks+AlignmentLBA)*BlockSize); err != nil {
		t.Fatalf("grow container: %v", err)
	}

	dev2, err := blockdev.Open(path, blockdev.ReadWrite, BlockSize, 0, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer dev2.Close()

	grown, err := Load(dev2, true)
	if err != nil {
		t.Fatalf("Load after growth: %v", err)
	}
	if grown.Primary.LastUsableLBA == blank.Primary.LastUsableLBA {
		t.Errorf("LastUsableLBA did not move after container growth")
	}
	if grown.Primary.LastUsableLBA != grown.expectedLastUsableLBA() {
		t.Errorf("LastUsableLBA = %d, want %d", grown.Primary.LastUsableLBA, grown.expectedLastUsableLBA())
	}
}
