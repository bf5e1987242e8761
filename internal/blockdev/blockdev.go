// Package blockdev implements spec component A: a fixed-block-size
// window onto a regular file or block-special device. Every other
// component reads and writes exclusively through this abstraction so
// partition-scoped I/O (component C's per-partition views, component
// D's hash/data device views) never has to juggle raw byte offsets.
package blockdev

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"golang.org/x/sys/unix"
)

// Mode selects how the underlying file is opened.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// Device is an open block-addressed window onto a file or block device.
// The window is [start, end) in bytes; Get/Put offsets are relative to
// start. A zero-value end means "the whole file".
type Device struct {
	f         *os.File
	path      string
	blockSize int64
	start     int64
	end       int64 // 0 means unset/whole-file; resolved lazily in Open
	fileSize  int64
	readOnly  bool
}

// Open opens path at the given block size, optionally sliced to
// [sliceStart, sliceEnd) bytes within the underlying file. Pass
// sliceEnd == 0 together with sliceStart == 0 for the whole file.
func Open(path string, mode Mode, blockSize int64, sliceStart, sliceEnd int64) (*Device, error) {
	if blockSize <= 0 || blockSize&(blockSize-1) != 0 {
		return nil, cvmerr.New(cvmerr.InvalidArgument, "blockdev.Open", fmt.Errorf("block size %d is not a nonzero power of two", blockSize))
	}

	flag := os.O_RDONLY
	if mode == ReadWrite {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, cvmerr.New(cvmerr.NotFound, "blockdev.Open", err)
	}

	size, err := GetSize64(path)
	if err != nil {
		f.Close()
		return nil, err
	}

	end := sliceEnd
	if end == 0 {
		end = size
	}
	if sliceStart < 0 || end < sliceStart || end > size {
		f.Close()
		return nil, cvmerr.New(cvmerr.OutOfRange, "blockdev.Open", fmt.Errorf("slice [%d,%d) out of range for size %d", sliceStart, end, size))
	}

	return &Device{
		f:         f,
		path:      path,
		blockSize: blockSize,
		start:     sliceStart,
		end:       end,
		fileSize:  end - sliceStart,
		readOnly:  mode == ReadOnly,
	}, nil
}

// Close releases the underlying file handle.
func (d *Device) Close() error {
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

// BlockSize returns the device's fixed block size in bytes.
func (d *Device) BlockSize() int64 { return d.blockSize }

// FileSize returns the logical size of the window, in bytes.
func (d *Device) FileSize() int64 { return d.fileSize }

// NumBlocks returns the window size in whole blocks.
func (d *Device) NumBlocks() int64 { return d.fileSize / d.blockSize }

func (d *Device) checkRange(blkno, n int64) (int64, error) {
	if n <= 0 {
		return 0, cvmerr.New(cvmerr.InvalidArgument, "blockdev", fmt.Errorf("n must be positive, got %d", n))
	}
	off := blkno * d.blockSize
	length := n * d.blockSize
	if off < 0 || off+length > d.end-d.start {
		return 0, cvmerr.New(cvmerr.OutOfRange, "blockdev", fmt.Errorf("block range [%d,%d) exceeds window of %d blocks", blkno, blkno+n, d.NumBlocks()))
	}
	return d.start + off, nil
}

// Get reads exactly n*BlockSize() bytes starting at block blkno.
func (d *Device) Get(blkno, n int64) ([]byte, error) {
	off, err := d.checkRange(blkno, n)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n*d.blockSize)
	if _, err := d.f.ReadAt(buf, off); err != nil {
		return nil, cvmerr.New(cvmerr.IoError, "blockdev.Get", err)
	}
	return buf, nil
}

// Put writes buf, which must be exactly n*BlockSize() bytes, at block
// blkno. Writing past the current fileSize extends the window exactly
// as far as the write reaches, mirroring spec §4.1's growing-put rule.
func (d *Device) Put(blkno, n int64, buf []byte) error {
	if d.readOnly {
		return cvmerr.New(cvmerr.InvalidArgument, "blockdev.Put", fmt.Errorf("device %s opened read-only", d.path))
	}
	if int64(len(buf)) != n*d.blockSize {
		return cvmerr.New(cvmerr.InvalidArgument, "blockdev.Put", fmt.Errorf("buffer is %d bytes, want %d", len(buf), n*d.blockSize))
	}
	off := blkno * d.blockSize
	length := n * d.blockSize
	if off < 0 {
		return cvmerr.New(cvmerr.OutOfRange, "blockdev.Put", fmt.Errorf("negative block offset"))
	}
	if _, err := d.f.WriteAt(buf, d.start+off); err != nil {
		return cvmerr.New(cvmerr.IoError, "blockdev.Put", err)
	}
	if off+length > d.fileSize {
		d.fileSize = off + length
		if d.start+d.fileSize > d.end {
			d.end = d.start + d.fileSize
		}
	}
	return nil
}

// File exposes the underlying *os.File for components (sparse, verity)
// that need io.ReaderAt/WriterAt/seek-to-data semantics directly against
// the sliced window. Offsets passed to it must be pre-adjusted by
// Start().
func (d *Device) File() *os.File { return d.f }

// Start returns the byte offset of this device's window within the
// underlying file.
func (d *Device) Start() int64 { return d.start }

// End returns the byte offset marking the end of this device's window.
func (d *Device) End() int64 { return d.end }

// GetSize64 returns the logical size of path, whether it names a
// regular file or a block-special device, using BLKGETSIZE64 for the
// latter the way the original blockdev.c does.
func GetSize64(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, cvmerr.New(cvmerr.NotFound, "blockdev.GetSize64", err)
	}

	if fi.Mode()&os.ModeDevice == 0 || fi.Mode()&os.ModeCharDevice != 0 {
		return fi.Size(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, cvmerr.New(cvmerr.IoError, "blockdev.GetSize64", err)
	}
	defer f.Close()

	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		return 0, cvmerr.New(cvmerr.IoError, "blockdev.GetSize64", fmt.Errorf("BLKGETSIZE64: %w", errno))
	}
	return int64(size), nil
}

// ReaderAt returns an io.ReaderAt scoped to this device's window.
func (d *Device) ReaderAt() io.ReaderAt { return &windowedReaderAt{d: d} }

type windowedReaderAt struct{ d *Device }

func (w *windowedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > w.d.fileSize {
		return 0, cvmerr.New(cvmerr.OutOfRange, "blockdev.ReaderAt", io.EOF)
	}
	return w.d.f.ReadAt(p, w.d.start+off)
}
