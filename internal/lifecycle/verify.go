package lifecycle

import (
	"fmt"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
	"github.com/microsoft/cvmboot-sub000/internal/stopwatch"
	"github.com/microsoft/cvmboot-sub000/internal/verity"
)

// Verify implements spec §4.9's `verify(disk)`: for every verity-hash
// partition found, loads and validates its hash tree against its own
// declared root hash, then verifies the matching data partition
// (matched by unique_guid == verity_superblock.uuid) block-for-block.
// It is a read-only property check; it never mutates the disk.
func Verify(diskPath string) (err error) {
	sw := stopwatch.New()
	defer func() { log.Infof("verify took %.3fs", sw.Seconds()) }()

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

	found := 0
	for idx, e := range table.PrimaryEntry {
		if e.IsEmpty() || e.TypeGUID != gptguid.TypeVerityHash {
			continue
		}
		found++

		hashDev, err := partitionDevice(lo, table, idx, verity.BlockSize, false)
		if err != nil {
			return err
		}

		root, sb, err := verity.GetRootHash(hashDev)
		if err != nil {
			hashDev.Close()
			return err
		}

		tree, err := verity.LoadHashTree(hashDev, root)
		hashDev.Close()
		if err != nil {
			return err
		}

		dataIdx := table.FindByUnique(sb.UUID)
		if dataIdx < 0 {
			return cvmerr.New(cvmerr.LifecycleInvalid, "lifecycle.Verify", fmt.Errorf("no partition with unique_guid matching verity superblock uuid %s", sb.UUID))
		}

		dataDev, err := partitionDevice(lo, table, dataIdx, verity.BlockSize, false)
		if err != nil {
			return err
		}
		verr := verity.VerifyDataDevice(dataDev, tree, nil)
		dataDev.Close()
		if verr != nil {
			return verr
		}

		log.Infof("verified verity partition %d against data partition %d", idx, dataIdx)
	}

	if found == 0 {
		log.Infof("no verity partitions present; nothing to verify")
	}

	return nil
}
