package verity

import (
	"bytes"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/microsoft/cvmboot-sub000/internal/blockdev"
	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
)

// VerifyDataDevice recomputes each data block's digest the same way
// Format does (including the sparse and all-zero fast paths) and
// compares it to tree's loaded leaf digest, failing on the first
// mismatch per spec §4.4. The number of blocks checked must equal
// tree.Superblock.DataBlocks.
func VerifyDataDevice(dataDev *blockdev.Device, tree *HashTree, nonSparse *bitset.BitSet) error {
	if dataDev.BlockSize() != BlockSize {
		return cvmerr.New(cvmerr.InvalidArgument, "verity.VerifyDataDevice", fmt.Errorf("data device must use %d-byte blocks", BlockSize))
	}

	zh := zeroHash(tree.salt)
	buf := make([]byte, BlockSize)
	checked := uint64(0)
	for blk := uint64(0); blk < tree.Superblock.DataBlocks; blk++ {
		var digest [32]byte
		if nonSparse != nil && !nonSparse.Test(uint(blk)) {
			digest = zh
		} else {
			if _, err := dataDev.File().ReadAt(buf, dataDev.Start()+int64(blk)*BlockSize); err != nil {
				return cvmerr.New(cvmerr.IoError, "verity.VerifyDataDevice", fmt.Errorf("read data block %d: %w", blk, err))
			}
			if AllZero(buf) {
				digest = zh
			} else {
				digest = hashBlock(tree.salt, buf)
			}
		}
		if !bytes.Equal(digest[:], tree.leaves[blk][:]) {
			return cvmerr.New(cvmerr.HashMismatch, "verity.VerifyDataDevice", fmt.Errorf("data block %d hash mismatch", blk))
		}
		checked++
	}

	if checked != tree.Superblock.DataBlocks {
		return cvmerr.New(cvmerr.CorruptFormat, "verity.VerifyDataDevice", fmt.Errorf("checked %d blocks, want %d", checked, tree.Superblock.DataBlocks))
	}
	return nil
}
