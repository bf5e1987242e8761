package thinpool

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/gpt"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
)

// Layout adds a thin-data and thin-meta partition to t sized per
// sizing, then punches a hole through each partition's whole extent on
// the backing container file so both start out fully sparse, per spec
// §4.5. Returns the indices of the new data and meta entries.
func Layout(t *gpt.Table, containerPath string, sizing Sizing) (dataIdx, metaIdx int, err error) {
	dataBlocks := uint64(sizing.DataPartitionSize) / gpt.BlockSize
	metaBlocks := uint64(sizing.MetaPartitionSize) / gpt.BlockSize

	dataIdx, err = t.AddPartition(gptguid.TypeThinData, "thin-data", dataBlocks)
	if err != nil {
		return -1, -1, err
	}
	metaIdx, err = t.AddPartition(gptguid.TypeThinMeta, "thin-meta", metaBlocks)
	if err != nil {
		return -1, -1, err
	}

	f, err := unix.Open(containerPath, unix.O_RDWR, 0)
	if err != nil {
		return -1, -1, cvmerr.New(cvmerr.IoError, "thinpool.Layout", fmt.Errorf("open %s: %w", containerPath, err))
	}
	defer unix.Close(f)

	for _, idx := range []int{dataIdx, metaIdx} {
		e := t.PrimaryEntry[idx]
		off := int64(e.StartLBA) * gpt.BlockSize
		length := int64(e.NumBlocks()) * gpt.BlockSize
		mode := unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE
		if err := unix.Fallocate(f, uint32(mode), off, length); err != nil {
			return -1, -1, cvmerr.New(cvmerr.IoError, "thinpool.Layout", fmt.Errorf("punch hole [%d,%d): %w", off, off+length, err))
		}
	}

	return dataIdx, metaIdx, nil
}
