// Package thinpool implements spec component E: sizing a thin-data and
// thin-meta partition pair from a root partition's live-block count,
// laying them out via the gpt package, and activating/tearing down a
// Linux device-mapper thin-pool and thin volume to project or verify
// the root partition's content. Device-mapper is driven by shelling
// out to dmsetup rather than the raw ioctl struct hcsshim's
// devicemapper package composes by hand, matching this spec's ambient
// external-collaborator style (spec §1/§6); the dmsetup table line
// grammar (thin-pool/thin target params) is grounded on that package's
// target construction.
package thinpool

import (
	"fmt"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
)

// SectorSize is the fixed 512-byte device-mapper sector unit.
const SectorSize = 512

// ThinBlockSize is the fixed thin-pool block size in bytes
// (1024 sectors = 512 KiB), per spec §4.5.
const ThinBlockSize = 1024 * SectorSize

// LowWaterMark is the fixed low-water-mark in thin blocks, per spec §4.5.
const LowWaterMark = 1024

const (
	gib = 1 << 30
	mib = 1 << 20
)

func roundUp(n, unit int64) int64 {
	if n%unit == 0 {
		return n
	}
	return n + (unit - n%unit)
}

// Sizing is the computed byte size of the thin-data and thin-meta
// partitions for a given root partition, per spec §4.5.
type Sizing struct {
	DataPartitionSize int64
	MetaPartitionSize int64
}

// Size computes thin-data/thin-meta partition sizes from the root
// partition's non-sparse byte count L.
func Size(nonSparseBytes int64) (Sizing, error) {
	if nonSparseBytes < 0 {
		return Sizing{}, cvmerr.New(cvmerr.InvalidArgument, "thinpool.Size", fmt.Errorf("non-sparse byte count must be non-negative"))
	}
	reserve := int64(gib) + int64(LowWaterMark)*int64(ThinBlockSize)
	data := roundUp(nonSparseBytes+reserve, 2*mib)
	meta := roundUp(data/40, 2*mib)
	return Sizing{DataPartitionSize: data, MetaPartitionSize: meta}, nil
}
