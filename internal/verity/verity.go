// Package verity implements spec component D: formatting and
// verifying a dm-verity-compatible Merkle hash tree over a data
// partition, including the sparse-aware fast path that substitutes a
// precomputed zero-block hash for unallocated or all-zero data
// blocks. Grounded on the on-disk superblock layout documented by the
// veritysetup-go and snapd dm-verity reference packages, adapted to
// this spec's §3/§4.4 fixed-salt, single-algorithm (SHA-256) variant.
package verity

import (
	"crypto/sha256"
	"fmt"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
)

// BlockSize is the fixed data/hash block size (spec §1/§4.4 Non-goals
// restrict this implementation to 4096).
const BlockSize = 4096

// DigestsPerBlock is the fan-out of the hash tree: 4096/32.
const DigestsPerBlock = BlockSize / sha256.Size

// SaltSize is the fixed on-disk salt field width.
const SaltSize = 32

// SuperblockSize is the fixed on-disk superblock record size.
const SuperblockSize = BlockSize

var signature = [8]byte{'v', 'e', 'r', 'i', 't', 'y', 0, 0}
var algorithmName = [32]byte{'s', 'h', 'a', '2', '5', '6'}

// ZeroSalt is the all-zero salt this spec uses by default (spec §9's
// "Zero salt" open question: deterministic images over random ones).
var ZeroSalt = [SaltSize]byte{}

// Superblock is the in-memory form of the verity superblock, stored in
// the first SuperblockSize-byte block of the hash device.
type Superblock struct {
	UUID          gptguid.GUID
	DataBlockSize uint32
	HashBlockSize uint32
	DataBlocks    uint64
	Salt          [SaltSize]byte
}

// Sizing is the hash-device geometry derived from a data device's
// byte length, per spec §4.4.
type Sizing struct {
	DataBlocks  uint64
	Layers      []uint64 // node count per layer, leaves first
	TotalNodes  uint64
	HashDevSize int64 // bytes, including the superblock block
}

// minHashDevSize is the floor on hash device size, even for a
// single-leaf tree.
const minHashDevSize = BlockSize

// Size computes the hash-device geometry for a data device of
// dataSize bytes. dataSize must be a multiple of BlockSize.
func Size(dataSize int64) (Sizing, error) {
	if dataSize <= 0 || dataSize%BlockSize != 0 {
		return Sizing{}, cvmerr.New(cvmerr.OutOfRange, "verity.Size", fmt.Errorf("data size %d is not a positive multiple of %d", dataSize, BlockSize))
	}

	nblks := uint64(dataSize) / BlockSize
	var layers []uint64
	level := ceilDiv(nblks, DigestsPerBlock)
	layers = append(layers, level)
	for level > 1 {
		level = ceilDiv(level, DigestsPerBlock)
		layers = append(layers, level)
	}

	var total uint64
	for _, n := range layers {
		total += n
	}

	size := int64(total+1) * BlockSize
	if size < minHashDevSize {
		size = minHashDevSize
	}
	return Sizing{DataBlocks: nblks, Layers: layers, TotalNodes: total, HashDevSize: size}, nil
}

func ceilDiv(n, d uint64) uint64 {
	return (n + d - 1) / d
}

// hashBlock returns SHA-256(salt || block).
func hashBlock(salt [SaltSize]byte, block []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write(salt[:])
	h.Write(block)
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// zeroHash returns SHA-256(salt || zero_block), the fast-path digest
// for sparse or all-zero data blocks.
func zeroHash(salt [SaltSize]byte) [sha256.Size]byte {
	var zero [BlockSize]byte
	return hashBlock(salt, zero[:])
}

// layerBlockOffset returns the absolute block index (relative to the
// hash device, block 0 is the superblock) of the first block of the
// on-disk layer at layerIndex, where layer 0 is the leaves and
// len(layers)-1 is the topmost, root-adjacent layer.
// Layers are stored top-down: the topmost layer (closest to the root)
// occupies block 1, per spec §3.
func layerBlockOffset(layers []uint64, layerIndex int) uint64 {
	// Convert leaves-first index into top-down storage order.
	topDown := len(layers) - 1 - layerIndex
	var off uint64 = 1
	for i := 0; i < topDown; i++ {
		off += layers[len(layers)-1-i]
	}
	return off
}

// AllZero reports whether buf is entirely zero bytes.
func AllZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
