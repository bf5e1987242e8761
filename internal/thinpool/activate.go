package thinpool

import (
	"fmt"
	"os"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/shellx"
)

// Handle tracks the device-mapper names created by Activate so
// Teardown can reverse them in the right order.
type Handle struct {
	PoolName   string
	VolumeName string
}

// poolTableLine builds the dmsetup thin-pool target table line: start
// length thin-pool <meta_dev> <data_dev> <data_block_size> <low_water_mark>.
func poolTableLine(lengthSectors int64, metaDev, dataDev string) string {
	return fmt.Sprintf("0 %d thin-pool %s %s %d %d", lengthSectors, metaDev, dataDev, ThinBlockSize/SectorSize, LowWaterMark)
}

// volumeTableLine builds the dmsetup thin target table line: start
// length thin <pool_dev> <thin_id>.
func volumeTableLine(lengthSectors int64, poolDev string, thinID int) string {
	return fmt.Sprintf("0 %d thin %s %d", lengthSectors, poolDev, thinID)
}

// Activate zeroes the metadata device's first block (dmsetup refuses
// to adopt stale thin-pool metadata otherwise), creates the thin-pool,
// sends it the `create_thin 0` message, and creates a thin volume of
// volumeSectors sectors backed by thin id 0, per spec §4.5.
func Activate(name string, metaDev, dataDev string, dataSectors int64, volumeSectors int64) (*Handle, error) {
	if err := zeroFirstBlock(metaDev); err != nil {
		return nil, err
	}

	poolName := name + "-pool"
	volumeName := name + "-vol"

	if _, err := shellx.Run("dmsetup", "create", poolName, "--table", poolTableLine(dataSectors, metaDev, dataDev)); err != nil {
		return nil, cvmerr.New(cvmerr.ExternalTool, "thinpool.Activate", fmt.Errorf("create pool: %w", err))
	}

	if _, err := shellx.Run("dmsetup", "message", "/dev/mapper/"+poolName, "0", "create_thin", "0"); err != nil {
		_, _ = shellx.RunSilent("dmsetup", "remove", poolName)
		return nil, cvmerr.New(cvmerr.ExternalTool, "thinpool.Activate", fmt.Errorf("create_thin 0: %w", err))
	}

	if _, err := shellx.Run("dmsetup", "create", volumeName, "--table", volumeTableLine(volumeSectors, "/dev/mapper/"+poolName, 0)); err != nil {
		_, _ = shellx.RunSilent("dmsetup", "remove", poolName)
		return nil, cvmerr.New(cvmerr.ExternalTool, "thinpool.Activate", fmt.Errorf("create volume: %w", err))
	}

	return &Handle{PoolName: poolName, VolumeName: volumeName}, nil
}

// ActivateReadOnly re-activates an existing pool/volume pair read-only,
// for spec §4.5's optional verify path.
func ActivateReadOnly(name string, metaDev, dataDev string, dataSectors int64, volumeSectors int64) (*Handle, error) {
	poolName := name + "-pool"
	volumeName := name + "-vol"

	if _, err := shellx.Run("dmsetup", "create", poolName, "--readonly", "--table", poolTableLine(dataSectors, metaDev, dataDev)); err != nil {
		return nil, cvmerr.New(cvmerr.ExternalTool, "thinpool.ActivateReadOnly", fmt.Errorf("create pool: %w", err))
	}
	if _, err := shellx.Run("dmsetup", "create", volumeName, "--readonly", "--table", volumeTableLine(volumeSectors, "/dev/mapper/"+poolName, 0)); err != nil {
		_, _ = shellx.RunSilent("dmsetup", "remove", poolName)
		return nil, cvmerr.New(cvmerr.ExternalTool, "thinpool.ActivateReadOnly", fmt.Errorf("create volume: %w", err))
	}
	return &Handle{PoolName: poolName, VolumeName: volumeName}, nil
}

// Teardown removes the volume then the pool, in that order.
func Teardown(h *Handle) error {
	if _, err := shellx.Run("dmsetup", "remove", h.VolumeName); err != nil {
		return cvmerr.New(cvmerr.ExternalTool, "thinpool.Teardown", fmt.Errorf("remove volume: %w", err))
	}
	if _, err := shellx.Run("dmsetup", "remove", h.PoolName); err != nil {
		return cvmerr.New(cvmerr.ExternalTool, "thinpool.Teardown", fmt.Errorf("remove pool: %w", err))
	}
	return nil
}

func zeroFirstBlock(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return cvmerr.New(cvmerr.IoError, "thinpool.zeroFirstBlock", err)
	}
	defer f.Close()
	var zero [4096]byte
	if _, err := f.WriteAt(zero[:], 0); err != nil {
		return cvmerr.New(cvmerr.IoError, "thinpool.zeroFirstBlock", err)
	}
	return nil
}
