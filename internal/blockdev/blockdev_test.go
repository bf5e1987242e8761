package blockdev

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func mkfile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()
	return path
}

func TestOpenRejectsBadBlockSize(t *testing.T) {
	path := mkfile(t, 4096)
	for _, bs := range []int64{0, -1, 3, 4095} {
		if _, err := Open(path, ReadOnly, bs, 0, 0); err == nil {
			t.Errorf("block size %d: want error, got nil", bs)
		}
	}
}

func TestGetPutRoundTrip(t *testing.T) {
	path := mkfile(t, 4096*4)
	dev, err := Open(path, ReadWrite, 4096, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	want := bytes.Repeat([]byte{0xAB}, 4096)
	if err := dev.Put(1, 1, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := dev.Get(1, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round-trip mismatch")
	}
}

func TestPutGrowsFileSize(t *testing.T) {
	path := mkfile(t, 4096)
	dev, err := Open(path, ReadWrite, 4096, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	if dev.NumBlocks() != 1 {
		t.Fatalf("NumBlocks = %d, want 1", dev.NumBlocks())
	}
	if err := dev.Put(3, 1, bytes.Repeat([]byte{1}, 4096)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if dev.NumBlocks() != 4 {
		t.Fatalf("NumBlocks after grow = %d, want 4", dev.NumBlocks())
	}
}

func TestGetOutOfRange(t *testing.T) {
	path := mkfile(t, 4096)
	dev, err := Open(path, ReadOnly, 4096, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	if _, err := dev.Get(1, 1); err == nil {
		t.Fatalf("want OutOfRange error, got nil")
	}
}

func TestPutRejectedReadOnly(t *testing.T) {
	path := mkfile(t, 4096)
	dev, err := Open(path, ReadOnly, 4096, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	if err := dev.Put(0, 1, make([]byte, 4096)); err == nil {
		t.Fatalf("want error writing to read-only device")
	}
}

func TestSlicedWindow(t *testing.T) {
	path := mkfile(t, 4096*10)
	dev, err := Open(path, ReadWrite, 4096, 4096*2, 4096*5)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()

	if dev.NumBlocks() != 3 {
		t.Fatalf("NumBlocks = %d, want 3", dev.NumBlocks())
	}
	want := bytes.Repeat([]byte{0x42}, 4096)
	if err := dev.Put(0, 1, want); err != nil {
		t.Fatalf("put: %v", err)
	}

	whole, err := Open(path, ReadOnly, 4096, 0, 0)
	if err != nil {
		t.Fatalf("open whole: %v", err)
	}
	defer whole.Close()
	got, err := whole.Get(2, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("slice write landed at wrong absolute offset")
	}
}

func TestGetSize64RegularFile(t *testing.T) {
	path := mkfile(t, 12345)
	size, err := GetSize64(path)
	if err != nil {
		t.Fatalf("GetSize64: %v", err)
	}
	if size != 12345 {
		t.Fatalf("size = %d, want 12345", size)
	}
}
