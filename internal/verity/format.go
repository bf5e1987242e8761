package verity

import (
	"crypto/sha256"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/microsoft/cvmboot-sub000/internal/blockdev"
	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
)

// FormatResult carries the root hash and geometry Format derived.
type FormatResult struct {
	RootHash [sha256.Size]byte
	Sizing   Sizing
}

// Format builds a hash tree for dataDev into hashDev, writing the
// superblock and reporting the root hash, per spec §4.4. nonSparse, if
// non-nil, marks which data blocks are allocated (bit i set means
// block i has real content); unset blocks are hashed as zero without
// reading the underlying device, the sparse fast path spec step 2
// describes. Pass nil to always read every data block.
func Format(dataDev, hashDev *blockdev.Device, uuid gptguid.GUID, salt [SaltSize]byte, nonSparse *bitset.BitSet) (FormatResult, error) {
	if dataDev.BlockSize() != BlockSize || hashDev.BlockSize() != BlockSize {
		return FormatResult{}, cvmerr.New(cvmerr.InvalidArgument, "verity.Format", fmt.Errorf("data and hash devices must use %d-byte blocks", BlockSize))
	}

	sizing, err := Size(dataDev.FileSize())
	if err != nil {
		return FormatResult{}, err
	}
	if hashDev.FileSize() < sizing.HashDevSize {
		return FormatResult{}, cvmerr.New(cvmerr.OutOfRange, "verity.Format", fmt.Errorf("hash device is %d bytes, need at least %d", hashDev.FileSize(), sizing.HashDevSize))
	}

	zh := zeroHash(salt)

	written := make([]bool, sizing.TotalNodes+1) // +1 for the superblock slot

	// Step 3: leaves layer.
	leafLayerIdx := 0
	leafOff := layerBlockOffset(sizing.Layers, leafLayerIdx)
	nblks := sizing.DataBlocks
	leafBlocks := sizing.Layers[leafLayerIdx]

	digestBuf := make([]byte, BlockSize)
	dataBuf := make([]byte, BlockSize)
	for lb := uint64(0); lb < leafBlocks; lb++ {
		for slot := 0; slot < DigestsPerBlock; slot++ {
			blk := lb*DigestsPerBlock + uint64(slot)
			var digest [sha256.Size]byte
			if blk >= nblks {
				digest = zh
			} else if nonSparse != nil && !nonSparse.Test(uint(blk)) {
				digest = zh
			} else {
				if _, err := dataDev.File().ReadAt(dataBuf, dataDev.Start()+int64(blk)*BlockSize); err != nil {
					return FormatResult{}, cvmerr.New(cvmerr.IoError, "verity.Format", fmt.Errorf("read data block %d: %w", blk, err))
				}
				if AllZero(dataBuf) {
					digest = zh
				} else {
					digest = hashBlock(salt, dataBuf)
				}
			}
			copy(digestBuf[slot*sha256.Size:(slot+1)*sha256.Size], digest[:])
		}
		if err := hashDev.Put(int64(leafOff+lb), 1, append([]byte(nil), digestBuf...)); err != nil {
			return FormatResult{}, cvmerr.New(cvmerr.IoError, "verity.Format", err)
		}
		written[leafOff+lb] = true
	}

	// Step 4: higher layers, bottom-up.
	var lastTopBlock []byte
	for layerIdx := 1; layerIdx < len(sizing.Layers); layerIdx++ {
		belowOff := layerBlockOffset(sizing.Layers, layerIdx-1)
		belowBlocks := sizing.Layers[layerIdx-1]
		thisOff := layerBlockOffset(sizing.Layers, layerIdx)
		thisBlocks := sizing.Layers[layerIdx]

		for tb := uint64(0); tb < thisBlocks; tb++ {
			for slot := 0; slot < DigestsPerBlock; slot++ {
				childBlk := tb*DigestsPerBlock + uint64(slot)
				var digest [sha256.Size]byte
				if childBlk >= belowBlocks {
					digest = zh
				} else {
					childBuf, err := hashDev.Get(int64(belowOff+childBlk), 1)
					if err != nil {
						return FormatResult{}, cvmerr.New(cvmerr.IoError, "verity.Format", err)
					}
					digest = hashBlock(salt, childBuf)
				}
				copy(digestBuf[slot*sha256.Size:(slot+1)*sha256.Size], digest[:])
			}
			buf := append([]byte(nil), digestBuf...)
			if err := hashDev.Put(int64(thisOff+tb), 1, buf); err != nil {
				return FormatResult{}, cvmerr.New(cvmerr.IoError, "verity.Format", err)
			}
			written[thisOff+tb] = true
			if layerIdx == len(sizing.Layers)-1 && tb == 0 {
				lastTopBlock = buf
			}
		}
	}
	if lastTopBlock == nil {
		// Single-layer tree: the leaves layer is also the top layer.
		b, err := hashDev.Get(int64(leafOff), 1)
		if err != nil {
			return FormatResult{}, cvmerr.New(cvmerr.IoError, "verity.Format", err)
		}
		lastTopBlock = b
	}

	// Step 5: root hash.
	root := hashBlock(salt, lastTopBlock)

	// Step 6: superblock.
	sb := Superblock{
		UUID:          uuid,
		DataBlockSize: BlockSize,
		HashBlockSize: BlockSize,
		DataBlocks:    nblks,
		Salt:          salt,
	}
	if err := hashDev.Put(0, 1, marshalSuperblock(sb)); err != nil {
		return FormatResult{}, cvmerr.New(cvmerr.IoError, "verity.Format", err)
	}
	written[0] = true

	// Step 7: zero-fill anything not written, so there are no
	// uninitialized reads in the hash device.
	var zero [BlockSize]byte
	for i, w := range written {
		if !w {
			if err := hashDev.Put(int64(i), 1, zero[:]); err != nil {
				return FormatResult{}, cvmerr.New(cvmerr.IoError, "verity.Format", err)
			}
		}
	}

	return FormatResult{RootHash: root, Sizing: sizing}, nil
}
