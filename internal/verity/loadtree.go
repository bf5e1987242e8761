package verity

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/microsoft/cvmboot-sub000/internal/blockdev"
	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
)

// HashTree is a fully loaded, validated hash tree ready for data-block
// verification.
type HashTree struct {
	Superblock Superblock
	Sizing     Sizing
	salt       [SaltSize]byte
	// leaves holds one 32-byte digest per data block, extracted from
	// the leaves layer, for VerifyDataDevice's O(1) lookup.
	leaves [][sha256.Size]byte
}

// LoadHashTree reads every layer block of hashDev, validates the
// top-down parent/child hash chain against rootHash, and returns a
// HashTree ready for VerifyDataDevice. The total number of
// parent/child comparisons performed must equal Sizing.TotalNodes,
// per spec §4.4; a short-circuited validation is a defect.
func LoadHashTree(hashDev *blockdev.Device, rootHash [sha256.Size]byte) (*HashTree, error) {
	root, sb, err := GetRootHash(hashDev)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(root[:], rootHash[:]) {
		return nil, cvmerr.New(cvmerr.HashMismatch, "verity.LoadHashTree", fmt.Errorf("root hash mismatch"))
	}

	sizing, err := Size(int64(sb.DataBlocks) * BlockSize)
	if err != nil {
		return nil, err
	}

	layerBlocks := make([][][]byte, len(sizing.Layers))
	for li, n := range sizing.Layers {
		off := layerBlockOffset(sizing.Layers, li)
		blocks := make([][]byte, n)
		for b := uint64(0); b < n; b++ {
			buf, err := hashDev.Get(int64(off+b), 1)
			if err != nil {
				return nil, cvmerr.New(cvmerr.IoError, "verity.LoadHashTree", err)
			}
			blocks[b] = buf
		}
		layerBlocks[li] = blocks
	}

	// The root-to-top-block comparison above is the first check;
	// every subsequent parent/child comparison below brings the total
	// to sizing.TotalNodes, since the topmost layer always reduces to
	// exactly one node (spec §4.4).
	checks := uint64(1)
	for li := len(sizing.Layers) - 1; li >= 1; li-- {
		parents := layerBlocks[li]
		children := layerBlocks[li-1]
		for pb, parentBlock := range parents {
			for slot := 0; slot < DigestsPerBlock; slot++ {
				childBlk := uint64(pb)*DigestsPerBlock + uint64(slot)
				if childBlk >= uint64(len(children)) {
					continue
				}
				want := parentBlock[slot*sha256.Size : (slot+1)*sha256.Size]
				got := hashBlock(sb.Salt, children[childBlk])
				checks++
				if !bytes.Equal(want, got[:]) {
					return nil, cvmerr.New(cvmerr.HashMismatch, "verity.LoadHashTree", fmt.Errorf("layer %d block %d child %d hash mismatch", li, pb, slot))
				}
			}
		}
	}

	if checks != sizing.TotalNodes {
		return nil, cvmerr.New(cvmerr.CorruptFormat, "verity.LoadHashTree", fmt.Errorf("validated %d nodes, want %d", checks, sizing.TotalNodes))
	}

	leafBlocks := layerBlocks[0]
	leaves := make([][sha256.Size]byte, sb.DataBlocks)
	for lb, block := range leafBlocks {
		for slot := 0; slot < DigestsPerBlock; slot++ {
			blk := uint64(lb)*DigestsPerBlock + uint64(slot)
			if blk >= sb.DataBlocks {
				break
			}
			copy(leaves[blk][:], block[slot*sha256.Size:(slot+1)*sha256.Size])
		}
	}

	return &HashTree{Superblock: sb, Sizing: sizing, salt: sb.Salt, leaves: leaves}, nil
}
