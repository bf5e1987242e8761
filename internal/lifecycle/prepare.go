package lifecycle

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/microsoft/cvmboot-sub000/internal/blockdev"
	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/gpt"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
	"github.com/microsoft/cvmboot-sub000/internal/imagestate"
	"github.com/microsoft/cvmboot-sub000/internal/manifest"
	"github.com/microsoft/cvmboot-sub000/internal/sparse"
	"github.com/microsoft/cvmboot-sub000/internal/stopwatch"
	"github.com/microsoft/cvmboot-sub000/internal/thinpool"
	"github.com/microsoft/cvmboot-sub000/internal/verity"
)

// extraPartitionTypes are the type GUIDs a leftover `prepare` run may
// have left behind; prepare clears these before laying its own down,
// so re-running prepare on an already-prepared image still produces a
// clean result instead of accumulating partitions.
var extraPartitionTypes = []gptguid.GUID{
	gptguid.TypeVerityHash,
	gptguid.TypeThinData,
	gptguid.TypeThinMeta,
}

func roundUpSectors(n uint64, unit uint64) uint64 {
	if n%unit == 0 {
		return n
	}
	return n + (unit - n%unit)
}

// Prepare implements spec §4.9's `prepare(input, output)`: a sparse
// copy of input to output, GPT fixup, root-partition rounding,
// optional thin-provisioning projection, and verity-partition
// addition, recording the resulting root hash into the ESP config.
func Prepare(inputPath, outputPath string, m manifest.Manifest) (err error) {
	sw := stopwatch.New()
	defer func() { log.Infof("prepare took %.3fs", sw.Seconds()) }()

	if err := requireBase(inputPath, "lifecycle.Prepare"); err != nil {
		return err
	}

	if err := copySparse(inputPath, outputPath); err != nil {
		return err
	}

	lo, table, dev, err := openTable(outputPath, true)
	if err != nil {
		_ = os.Remove(outputPath)
		return err
	}
	defer func() {
		if err != nil {
			d := dev
			l := lo
			if cerr := d.Close(); cerr != nil {
				log.Errorf("close device after error: %v", cerr)
			}
			if derr := l.Detach(); derr != nil {
				log.Errorf("detach loopback after error: %v", derr)
			}
			if rerr := os.Remove(outputPath); rerr != nil {
				log.Errorf("remove partial output %s: %v", outputPath, rerr)
			}
			return
		}
		if cerr := dev.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if derr := lo.Detach(); derr != nil && err == nil {
			err = derr
		}
	}()

	// C.fixup: Load already sorted the entry array in memory; Sync
	// commits the sort and the reconciled backup to disk.
	if err = gpt.Sync(dev, table); err != nil {
		return err
	}

	for _, typ := range extraPartitionTypes {
		table.RemovePartitionsByType(typ)
	}

	rootIdx := table.FindByType(gptguid.TypeLinuxFS)
	if rootIdx < 0 {
		return cvmerr.New(cvmerr.LifecycleInvalid, "lifecycle.Prepare", fmt.Errorf("no Linux filesystem partition found"))
	}

	rootBlocks := table.PrimaryEntry[rootIdx].NumBlocks()
	rounded := roundUpSectors(rootBlocks, 8)
	if m.Root.MinGrowBytes > 0 {
		minBlocks := roundUpSectors(uint64(m.Root.MinGrowBytes)/gpt.BlockSize, 8)
		if rootBlocks+minBlocks > rounded {
			rounded = rootBlocks + minBlocks
		}
	}
	if rounded != rootBlocks {
		if err = table.ResizePartition(rootIdx, rounded); err != nil {
			return err
		}
	}

	if err = gpt.Sync(dev, table); err != nil {
		return err
	}

	root := table.PrimaryEntry[rootIdx]
	rootOffset := int64(root.StartLBA) * gpt.BlockSize
	rootLength := int64(root.NumBlocks()) * gpt.BlockSize

	if m.Thin.Enabled {
		if err = projectThin(lo, table, dev, rootIdx, rootOffset, rootLength); err != nil {
			return err
		}
		if err = gpt.Sync(dev, table); err != nil {
			return err
		}
		root = table.PrimaryEntry[rootIdx]
		rootOffset = int64(root.StartLBA) * gpt.BlockSize
		rootLength = int64(root.NumBlocks()) * gpt.BlockSize
	}

	var rootHashHex string
	if m.Verity.Enabled {
		rootHashHex, err = addVerity(lo, table, dev, rootIdx, rootOffset, rootLength)
		if err != nil {
			return err
		}
		if err = gpt.Sync(dev, table); err != nil {
			return err
		}
	}

	espIdx := findESP(table)
	if espIdx >= 0 && rootHashHex != "" {
		var espRoot string
		espRoot, err = mountESP(lo, espIdx)
		if err != nil {
			return err
		}
		err = writeESPConfig(espRoot, map[string]string{"roothash": rootHashHex})
		if uerr := unmountESP(espRoot); uerr != nil && err == nil {
			err = uerr
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func requireBase(diskPath, op string) error {
	return requireState(diskPath, imagestate.Base, op)
}

// copySparse performs B.copy of the whole container, leaving holes for
// all-zero blocks.
func copySparse(inputPath, outputPath string) error {
	size, err := blockdev.GetSize64(inputPath)
	if err != nil {
		return err
	}

	src, err := os.Open(inputPath)
	if err != nil {
		return cvmerr.New(cvmerr.NotFound, "lifecycle.copySparse", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(outputPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return cvmerr.New(cvmerr.IoError, "lifecycle.copySparse", err)
	}
	defer dst.Close()

	if err := dst.Truncate(size); err != nil {
		return cvmerr.New(cvmerr.IoError, "lifecycle.copySparse", err)
	}

	return sparse.Copy(src, dst, 0, size, sparse.CopyOptions{FlushEvery: 4096, Progress: true})
}

// projectThin implements spec §4.5's sizing/layout/activate/project
// sequence for the root partition at rootIdx.
func projectThin(lo *Loopback, t *gpt.Table, dev *blockdev.Device, rootIdx int, rootOffset, rootLength int64) error {
	container, err := os.Open(lo.Path)
	if err != nil {
		return cvmerr.New(cvmerr.IoError, "lifecycle.projectThin", err)
	}
	dataFrags, _, err := sparse.Find(container, rootOffset, rootOffset+rootLength)
	container.Close()
	if err != nil {
		return err
	}

	sizing, err := thinpool.Size(dataFrags.NumBlocks() * sparse.BlockSize)
	if err != nil {
		return err
	}

	dataIdx, metaIdx, err := thinpool.Layout(t, lo.Path, sizing)
	if err != nil {
		return err
	}

	// Re-sync so the kernel's loop partition scan exposes the new
	// partitions as device nodes before device-mapper is pointed at them.
	if err := gpt.Sync(dev, t); err != nil {
		return err
	}

	name, err := gptguid.NewRandom()
	if err != nil {
		return err
	}
	poolBase := "cvmdisk-" + name.String()[:8]

	dataDev := lo.PartitionPath(dataIdx + 1)
	metaDev := lo.PartitionPath(metaIdx + 1)
	dataSectors := sizing.DataPartitionSize / thinpool.SectorSize
	rootSectors := int64(t.PrimaryEntry[rootIdx].NumBlocks())

	h, err := thinpool.Activate(poolBase, metaDev, dataDev, dataSectors, rootSectors)
	if err != nil {
		return err
	}

	return thinpool.Project(lo.Path, "/dev/mapper/"+h.VolumeName, rootOffset, rootLength, h)
}

// addVerity implements spec §4.4's Format step over the root
// partition, adding a verity-hash partition sized per §4.4's Sizing
// formula and keying the superblock UUID to the root partition's own
// unique_guid so verify(disk) can match them back up.
func addVerity(lo *Loopback, t *gpt.Table, outerDev *blockdev.Device, rootIdx int, rootOffset, rootLength int64) (string, error) {
	container, err := os.Open(lo.Path)
	if err != nil {
		return "", cvmerr.New(cvmerr.IoError, "lifecycle.addVerity", err)
	}
	dataFrags, _, err := sparse.Find(container, rootOffset, rootOffset+rootLength)
	container.Close()
	if err != nil {
		return "", err
	}
	nonSparse := sparse.NonSparseBitset(dataFrags, rootOffset/sparse.BlockSize, rootLength/sparse.BlockSize)

	sizing, err := verity.Size(rootLength)
	if err != nil {
		return "", err
	}
	hashBlocks := uint64(sizing.HashDevSize) / gpt.BlockSize

	verityIdx, err := t.AddPartition(gptguid.TypeVerityHash, "verity-hash", hashBlocks)
	if err != nil {
		return "", err
	}
	if err := gpt.Sync(outerDev, t); err != nil {
		return "", err
	}

	dataDev, err := partitionDevice(lo, t, rootIdx, verity.BlockSize, false)
	if err != nil {
		return "", err
	}
	defer dataDev.Close()

	hashDev, err := partitionDevice(lo, t, verityIdx, verity.BlockSize, true)
	if err != nil {
		return "", err
	}
	defer hashDev.Close()

	result, err := verity.Format(dataDev, hashDev, t.PrimaryEntry[rootIdx].UniqueGUID, verity.ZeroSalt, nonSparse)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(result.RootHash[:]), nil
}
