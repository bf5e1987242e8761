// Package lifecycle implements spec component I: sequencing
// prepare/protect/init/verify/strip over components A-H, owning the
// loopback association and the cleanup-on-success/cleanup-on-error
// discipline the teacher's rawmaker.BuildRawImage uses around its own
// loopback device, generalized from a single-pass OS image build to
// this spec's five lifecycle subcommands. ESP access is grounded on
// original_source/cvmdisk/mount.c's mount(2)/umount(2) pair over a
// loopback partition node.
package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/microsoft/cvmboot-sub000/internal/blockdev"
	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/gpt"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
	"github.com/microsoft/cvmboot-sub000/internal/imagestate"
	"github.com/microsoft/cvmboot-sub000/internal/logx"
)

var log = logx.Logger()

const espConfigRelPath = "EFI/cvmboot/cvmboot.conf"
const espHomeRelDir = "EFI/cvmboot"
const espCPIORelPath = "EFI/cvmboot.cpio"
const espSignatureRelPath = "EFI/cvmboot.cpio.sig"

// openTable associates a loopback device over diskPath and loads its
// GPT. Callers must Close the device and Detach the loopback (in that
// order) on every exit path.
func openTable(diskPath string, writable bool) (*Loopback, *gpt.Table, *blockdev.Device, error) {
	size, err := blockdev.GetSize64(diskPath)
	if err != nil {
		return nil, nil, nil, err
	}
	lo, err := Associate(diskPath, size)
	if err != nil {
		return nil, nil, nil, err
	}

	mode := blockdev.ReadOnly
	if writable {
		mode = blockdev.ReadWrite
	}
	dev, err := blockdev.Open(lo.Path, mode, gpt.BlockSize, 0, 0)
	if err != nil {
		_ = lo.Detach()
		return nil, nil, nil, err
	}

	table, err := gpt.Load(dev, writable)
	if err != nil {
		dev.Close()
		_ = lo.Detach()
		return nil, nil, nil, err
	}

	return lo, table, dev, nil
}

// partitionDevice opens the loopback partition node for entry idx
// (0-based within t.PrimaryEntry) as its own whole-window blockdev.Device,
// relying on the kernel's -P partition scan to expose each partition as
// its own device node.
func partitionDevice(lo *Loopback, t *gpt.Table, idx int, blockSize int64, writable bool) (*blockdev.Device, error) {
	if idx < 0 || idx >= len(t.PrimaryEntry) || t.PrimaryEntry[idx].IsEmpty() {
		return nil, cvmerr.New(cvmerr.InvalidArgument, "lifecycle.partitionDevice", fmt.Errorf("no partition at index %d", idx))
	}
	mode := blockdev.ReadOnly
	if writable {
		mode = blockdev.ReadWrite
	}
	return blockdev.Open(lo.PartitionPath(idx+1), mode, blockSize, 0, 0)
}

// mountESP mounts the EFI System Partition at entry idx to a fresh temp
// directory and returns its root. The caller must unmountESP(root) on
// every exit path.
func mountESP(lo *Loopback, idx int) (string, error) {
	dir, err := os.MkdirTemp("", "cvmdisk-esp-")
	if err != nil {
		return "", cvmerr.New(cvmerr.IoError, "lifecycle.mountESP", err)
	}
	path := lo.PartitionPath(idx + 1)
	if err := unix.Mount(path, dir, "vfat", 0, ""); err != nil {
		os.Remove(dir)
		return "", cvmerr.New(cvmerr.IoError, "lifecycle.mountESP", fmt.Errorf("mount %s: %w", path, err))
	}
	return dir, nil
}

func unmountESP(dir string) error {
	if dir == "" {
		return nil
	}
	if err := unix.Unmount(dir, 0); err != nil {
		log.Errorf("failed to unmount %s: %v", dir, err)
		return cvmerr.New(cvmerr.IoError, "lifecycle.unmountESP", err)
	}
	if err := os.Remove(dir); err != nil {
		log.Errorf("failed to remove mount point %s: %v", dir, err)
	}
	return nil
}

func findESP(t *gpt.Table) int {
	return t.FindByType(gptguid.TypeEFISystem)
}

func writeESPConfig(espRoot string, kv map[string]string) error {
	dir := filepath.Join(espRoot, filepath.Dir(espConfigRelPath))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return cvmerr.New(cvmerr.IoError, "lifecycle.writeESPConfig", err)
	}
	var sb strings.Builder
	for _, k := range []string{"cmdline", "roothash", "kernel", "initrd", "timestamp"} {
		if v, ok := kv[k]; ok {
			fmt.Fprintf(&sb, "%s=%s\n", k, v)
		}
	}
	path := filepath.Join(espRoot, espConfigRelPath)
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return cvmerr.New(cvmerr.IoError, "lifecycle.writeESPConfig", err)
	}
	return nil
}

func readESPConfig(espRoot string) (map[string]string, error) {
	path := filepath.Join(espRoot, espConfigRelPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cvmerr.New(cvmerr.NotFound, "lifecycle.readESPConfig", err)
	}
	kv := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		kv[k] = v
	}
	return kv, nil
}

// probe gathers the imagestate.Probe inputs from an already-open table
// and an already-mounted (or absent) ESP root.
func probe(t *gpt.Table, espRoot string) imagestate.Probe {
	p := imagestate.Probe{Table: t}
	if espRoot == "" {
		return p
	}
	if fi, err := os.Stat(filepath.Join(espRoot, espHomeRelDir)); err == nil && fi.IsDir() {
		p.ESPHasCvmbootHome = true
	}
	if _, err := os.Stat(filepath.Join(espRoot, espSignatureRelPath)); err == nil {
		p.ESPHasSignature = true
	}
	return p
}

// requireState opens diskPath, classifies it, and fails if it is not in
// the expected state, the gate every destructive subcommand applies
// per spec §4.8.
func requireState(diskPath string, want imagestate.State, op string) (err error) {
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

	var espRoot string
	if idx := findESP(table); idx >= 0 {
		espRoot, err = mountESP(lo, idx)
		if err != nil {
			return err
		}
		defer unmountESP(espRoot)
	}

	got := imagestate.Classify(probe(table, espRoot))
	if got != want {
		return cvmerr.New(cvmerr.LifecycleInvalid, op, fmt.Errorf("image is %s, want %s", got, want))
	}
	return nil
}

// State reports the classifier's verdict for diskPath, used by the
// `state` subcommand.
func State(diskPath string) (imagestate.State, error) {
	lo, table, dev, err := openTable(diskPath, false)
	if err != nil {
		return imagestate.Unknown, err
	}
	defer dev.Close()
	defer lo.Detach()

	var espRoot string
	if idx := findESP(table); idx >= 0 {
		espRoot, err = mountESP(lo, idx)
		if err != nil {
			return imagestate.Unknown, err
		}
		defer unmountESP(espRoot)
	}

	return imagestate.Classify(probe(table, espRoot)), nil
}
