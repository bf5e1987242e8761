package lifecycle

import (
	"fmt"
	"strings"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/shellx"
)

// Loopback is an active loopback association for a single disk image.
// Exactly one is live per open disk, per spec §5.
type Loopback struct {
	Path string // e.g. /dev/loop7
}

// Associate creates a partition-scanning loopback device over disk,
// grounded on the original losetup.c invocation:
// `losetup -P -o 0 --sizelimit <n> -b 512 -f <disk> --show --direct-io=on`.
func Associate(diskPath string, sizeLimit int64) (*Loopback, error) {
	out, err := shellx.Run("losetup", "-P", "-o", "0",
		"--sizelimit", fmt.Sprintf("%d", sizeLimit),
		"-b", "512", "-f", diskPath, "--show", "--direct-io=on")
	if err != nil {
		return nil, cvmerr.New(cvmerr.ExternalTool, "lifecycle.Associate", fmt.Errorf("losetup: %w", err))
	}
	return &Loopback{Path: strings.TrimSpace(out)}, nil
}

// Detach tears down the loopback device.
func (l *Loopback) Detach() error {
	if l == nil || l.Path == "" {
		return nil
	}
	if _, err := shellx.Run("losetup", "-d", l.Path); err != nil {
		return cvmerr.New(cvmerr.ExternalTool, "lifecycle.Detach", fmt.Errorf("losetup -d: %w", err))
	}
	return nil
}

// PartitionPath returns the device node for partition n (1-based) of
// this loopback's backing disk, e.g. /dev/loop7p2.
func (l *Loopback) PartitionPath(n int) string {
	return fmt.Sprintf("%sp%d", l.Path, n)
}
