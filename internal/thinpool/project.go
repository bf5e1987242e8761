package thinpool

import (
	"fmt"
	"os"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/sparse"
)

// Project copies every data fragment of the root partition's
// [rootOffset, rootOffset+rootLength) window in container into the
// thin volume device at the same relative offsets, then tears down the
// pool/volume, per spec §4.5's "Project" step.
func Project(containerPath, volumeDevPath string, rootOffset, rootLength int64, h *Handle) error {
	container, err := os.OpenFile(containerPath, os.O_RDONLY, 0)
	if err != nil {
		return cvmerr.New(cvmerr.IoError, "thinpool.Project", err)
	}
	defer container.Close()

	volume, err := os.OpenFile(volumeDevPath, os.O_WRONLY, 0)
	if err != nil {
		return cvmerr.New(cvmerr.IoError, "thinpool.Project", err)
	}
	defer volume.Close()

	data, _, err := sparse.Find(container, rootOffset, rootOffset+rootLength)
	if err != nil {
		return err
	}

	buf := make([]byte, sparse.BlockSize)
	for _, frag := range data.Frags {
		for off := frag.Offset; off < frag.Offset+frag.Length; off += sparse.BlockSize {
			n := int64(sparse.BlockSize)
			if off+n > frag.Offset+frag.Length {
				n = frag.Offset + frag.Length - off
			}
			if _, err := container.ReadAt(buf[:n], off); err != nil {
				return cvmerr.New(cvmerr.IoError, "thinpool.Project", fmt.Errorf("read root at %d: %w", off, err))
			}
			destOff := off - rootOffset
			if _, err := volume.WriteAt(buf[:n], destOff); err != nil {
				return cvmerr.New(cvmerr.IoError, "thinpool.Project", fmt.Errorf("write thin volume at %d: %w", destOff, err))
			}
		}
	}

	if err := volume.Sync(); err != nil {
		return cvmerr.New(cvmerr.IoError, "thinpool.Project", err)
	}

	return Teardown(h)
}

// Verify compares every root data fragment against the content of the
// thin volume at volumeDevPath, which the caller has already activated
// (for example with ActivateReadOnly) as h; it activates nothing itself
// and tears h down afterward regardless of outcome, per spec §4.5's
// optional verify path.
func Verify(containerPath, volumeDevPath string, rootOffset, rootLength int64, h *Handle) error {
	container, err := os.OpenFile(containerPath, os.O_RDONLY, 0)
	if err != nil {
		_ = Teardown(h)
		return cvmerr.New(cvmerr.IoError, "thinpool.Verify", err)
	}
	defer container.Close()

	volume, err := os.OpenFile(volumeDevPath, os.O_RDONLY, 0)
	if err != nil {
		_ = Teardown(h)
		return cvmerr.New(cvmerr.IoError, "thinpool.Verify", err)
	}
	defer volume.Close()

	data, _, err := sparse.Find(container, rootOffset, rootOffset+rootLength)
	if err != nil {
		_ = Teardown(h)
		return err
	}

	bufA := make([]byte, sparse.BlockSize)
	bufB := make([]byte, sparse.BlockSize)
	for _, frag := range data.Frags {
		for off := frag.Offset; off < frag.Offset+frag.Length; off += sparse.BlockSize {
			n := int64(sparse.BlockSize)
			if off+n > frag.Offset+frag.Length {
				n = frag.Offset + frag.Length - off
			}
			if _, err := container.ReadAt(bufA[:n], off); err != nil {
				_ = Teardown(h)
				return cvmerr.New(cvmerr.IoError, "thinpool.Verify", err)
			}
			destOff := off - rootOffset
			if _, err := volume.ReadAt(bufB[:n], destOff); err != nil {
				_ = Teardown(h)
				return cvmerr.New(cvmerr.IoError, "thinpool.Verify", err)
			}
			for i := int64(0); i < n; i++ {
				if bufA[i] != bufB[i] {
					_ = Teardown(h)
					return cvmerr.New(cvmerr.HashMismatch, "thinpool.Verify", fmt.Errorf("mismatch at relative offset %d", destOff+i))
				}
			}
		}
	}

	return Teardown(h)
}
