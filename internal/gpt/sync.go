package gpt

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/microsoft/cvmboot-sub000/internal/blockdev"
	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
)

// blkrrpart is the ioctl number for "re-read partition table", from
// linux/fs.h. It takes no argument.
const blkrrpart = 0x125F

// Sync recomputes both CRCs and writes the primary header, primary
// entries, backup entries, and backup header to dev, in that order,
// then asks the kernel to reread the partition table (spec §4.3/§5).
// The kernel reread is retried with exponential backoff, since a
// recently-closed loop device can transiently report EBUSY.
func Sync(dev *blockdev.Device, t *Table) error {
	t.recomputeCRCs()

	if err := dev.Put(1, 1, marshalHeader(t.Primary)); err != nil {
		return cvmerr.New(cvmerr.IoError, "gpt.Sync", fmt.Errorf("write primary header: %w", err))
	}
	if err := dev.Put(2, int64(EntryArrayBlocks), marshalEntries(t.PrimaryEntry)); err != nil {
		return cvmerr.New(cvmerr.IoError, "gpt.Sync", fmt.Errorf("write primary entries: %w", err))
	}

	backupEntriesLBA := int64(t.Backup.MyLBA) - int64(EntryArrayBlocks)
	if err := dev.Put(backupEntriesLBA, int64(EntryArrayBlocks), marshalEntries(t.BackupEntry)); err != nil {
		return cvmerr.New(cvmerr.IoError, "gpt.Sync", fmt.Errorf("write backup entries: %w", err))
	}
	if err := dev.Put(int64(t.Backup.MyLBA), 1, marshalHeader(t.Backup)); err != nil {
		return cvmerr.New(cvmerr.IoError, "gpt.Sync", fmt.Errorf("write backup header: %w", err))
	}

	return RereadPartitionTable(dev)
}

// RereadPartitionTable issues BLKRRPART on dev's underlying file
// descriptor, retrying on failure with an eager-then-exponential
// backoff policy capped around one second, per spec §5's reread
// retry requirement. A no-op (nil error) when dev is backed by a
// regular file rather than a block device.
func RereadPartitionTable(dev *blockdev.Device) error {
	fd := dev.File().Fd()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = time.Second

	op := func() error {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(blkrrpart), 0)
		if errno == 0 {
			return nil
		}
		if errno == unix.ENOTTY || errno == unix.EINVAL {
			// Not a block device (e.g. a plain file used in tests); the
			// reread request is meaningless, not an error.
			return nil
		}
		return errno
	}

	// Eager phase: retry a few times without delay before backing off.
	const eagerAttempts = 5
	for i := 0; i < eagerAttempts; i++ {
		if op() == nil {
			return nil
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, context.Background())); err != nil {
		return cvmerr.New(cvmerr.IoError, "gpt.RereadPartitionTable", fmt.Errorf("BLKRRPART: %w", err))
	}
	return nil
}
