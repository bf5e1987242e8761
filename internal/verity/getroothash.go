package verity

import (
	"crypto/sha256"
	"fmt"

	"github.com/microsoft/cvmboot-sub000/internal/blockdev"
	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
)

// GetRootHash re-derives the root hash stored implicitly in hashDev by
// reading the superblock (for its salt) and block 1 (the top of the
// tree on disk), the inverse of Format step 5, per spec §4.4.
func GetRootHash(hashDev *blockdev.Device) ([sha256.Size]byte, Superblock, error) {
	var root [sha256.Size]byte

	sbBuf, err := hashDev.Get(0, 1)
	if err != nil {
		return root, Superblock{}, cvmerr.New(cvmerr.IoError, "verity.GetRootHash", err)
	}
	sb, err := unmarshalSuperblock(sbBuf)
	if err != nil {
		return root, Superblock{}, err
	}

	top, err := hashDev.Get(1, 1)
	if err != nil {
		return root, Superblock{}, cvmerr.New(cvmerr.IoError, "verity.GetRootHash", fmt.Errorf("read top block: %w", err))
	}

	root = hashBlock(sb.Salt, top)
	return root, sb, nil
}
