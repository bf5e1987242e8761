package lifecycle

import (
	"fmt"
	"os"

	"github.com/microsoft/cvmboot-sub000/internal/blockdev"
	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/gpt"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
	"github.com/microsoft/cvmboot-sub000/internal/imagestate"
	"github.com/microsoft/cvmboot-sub000/internal/sparse"
	"github.com/microsoft/cvmboot-sub000/internal/stopwatch"
)

// Strip implements spec §4.9's `strip(disk)`: builds a new, smaller
// container holding every partition except the root filesystem,
// copying each one's live fragments across, then swaps it in for the
// original disk. AddPartition's deterministic first-fit placement
// reproduces the original partitions' LBAs exactly, since they were
// laid out by this same engine in the first place, so each partition
// keeps the same absolute offset in the new container as in the old.
func Strip(diskPath string) (err error) {
	sw := stopwatch.New()
	defer func() { log.Infof("strip took %.3fs", sw.Seconds()) }()

	got, err := State(diskPath)
	if err != nil {
		return err
	}
	if got == imagestate.Base || got == imagestate.Unknown {
		return cvmerr.New(cvmerr.LifecycleInvalid, "lifecycle.Strip", fmt.Errorf("image is %s, want prepared or protected", got))
	}

	lo, table, dev, err := openTable(diskPath, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if derr := lo.Detach(); derr != nil && err == nil {
			err = derr
		}
	}()

	rootIdx := table.FindByType(gptguid.TypeLinuxFS)
	if rootIdx < 0 {
		return cvmerr.New(cvmerr.LifecycleInvalid, "lifecycle.Strip", fmt.Errorf("no Linux filesystem partition found"))
	}

	totalBlocks := estimateStrippedSize(table, rootIdx)

	tmpPath := diskPath + ".strip.tmp"
	if err := os.Truncate(tmpPath, 0); err != nil && !os.IsNotExist(err) {
		return cvmerr.New(cvmerr.IoError, "lifecycle.Strip", err)
	}
	newFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return cvmerr.New(cvmerr.IoError, "lifecycle.Strip", err)
	}
	if err := newFile.Truncate(int64(totalBlocks) * gpt.BlockSize); err != nil {
		newFile.Close()
		os.Remove(tmpPath)
		return cvmerr.New(cvmerr.IoError, "lifecycle.Strip", err)
	}
	newFile.Close()

	newTable, err := gpt.NewBlank(totalBlocks)
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	type placement struct {
		oldIdx, newIdx int
	}
	var placements []placement
	for idx, e := range table.PrimaryEntry {
		if e.IsEmpty() || idx == rootIdx {
			continue
		}
		newIdx, err := newTable.AddPartition(e.TypeGUID, e.Name(), e.NumBlocks())
		if err != nil {
			os.Remove(tmpPath)
			return err
		}
		placements = append(placements, placement{oldIdx: idx, newIdx: newIdx})
	}

	newDev, err := blockdev.Open(tmpPath, blockdev.ReadWrite, gpt.BlockSize, 0, 0)
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := gpt.Sync(newDev, newTable); err != nil {
		newDev.Close()
		os.Remove(tmpPath)
		return err
	}
	newDev.Close()

	oldContainer, err := os.Open(lo.Path)
	if err != nil {
		os.Remove(tmpPath)
		return cvmerr.New(cvmerr.IoError, "lifecycle.Strip", err)
	}
	newContainer, err := os.OpenFile(tmpPath, os.O_RDWR, 0)
	if err != nil {
		oldContainer.Close()
		os.Remove(tmpPath)
		return cvmerr.New(cvmerr.IoError, "lifecycle.Strip", err)
	}

	for _, p := range placements {
		oldEntry := table.PrimaryEntry[p.oldIdx]
		newEntry := newTable.PrimaryEntry[p.newIdx]
		if oldEntry.StartLBA != newEntry.StartLBA {
			oldContainer.Close()
			newContainer.Close()
			os.Remove(tmpPath)
			return cvmerr.New(cvmerr.LifecycleInvalid, "lifecycle.Strip", fmt.Errorf("partition %q relaid out at LBA %d instead of %d", oldEntry.Name(), newEntry.StartLBA, oldEntry.StartLBA))
		}
		start := int64(oldEntry.StartLBA) * gpt.BlockSize
		end := start + int64(oldEntry.NumBlocks())*gpt.BlockSize
		if err := sparse.Copy(oldContainer, newContainer, start, end, sparse.CopyOptions{FlushEvery: 4096}); err != nil {
			oldContainer.Close()
			newContainer.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	oldContainer.Close()
	newContainer.Close()

	if err := lo.Detach(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	// Prevent the deferred cleanup from detaching twice.
	lo.Path = ""

	if err := os.Rename(tmpPath, diskPath); err != nil {
		return cvmerr.New(cvmerr.IoError, "lifecycle.Strip", err)
	}

	return nil
}

// estimateStrippedSize sums the non-root partitions' aligned sizes
// plus the fixed GPT header/entry-array overhead at both ends of the
// container, per spec §4.9's "sized to the sum of non-root partitions".
func estimateStrippedSize(t *gpt.Table, rootIdx int) uint64 {
	overhead := uint64(gpt.EntryArrayBlocks) + 2 + uint64(gpt.TrailingBlocks)
	var sum uint64
	for idx, e := range t.PrimaryEntry {
		if e.IsEmpty() || idx == rootIdx {
			continue
		}
		aligned := e.NumBlocks()
		if rem := aligned % gpt.AlignmentLBA; rem != 0 {
			aligned += gpt.AlignmentLBA - rem
		}
		sum += aligned
	}
	return overhead + sum + gpt.AlignmentLBA
}
