package verity

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/microsoft/cvmboot-sub000/internal/blockdev"
)

func newDevice(t *testing.T, name string, size int64, mode blockdev.Mode) *blockdev.Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	dev, err := blockdev.Open(path, mode, BlockSize, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestSizeRejectsUnalignedDataSize(t *testing.T) {
	if _, err := Size(BlockSize + 1); err == nil {
		t.Fatalf("want error for non-block-multiple size")
	}
}

func TestSizeSingleLeafBlock(t *testing.T) {
	sizing, err := Size(BlockSize * DigestsPerBlock)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if len(sizing.Layers) != 1 {
		t.Fatalf("Layers = %d, want 1 for a tree that fits in one leaf block", len(sizing.Layers))
	}
}

func TestFormatThenGetRootHashThenVerify(t *testing.T) {
	dataBlocks := int64(DigestsPerBlock*DigestsPerBlock + 3)
	dataPath := filepath.Join(t.TempDir(), "data.img")
	f, err := os.Create(dataPath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(dataBlocks * BlockSize); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	dataDev, err := blockdev.Open(dataPath, blockdev.ReadWrite, BlockSize, 0, 0)
	if err != nil {
		t.Fatalf("open data rw: %v", err)
	}

	// Fill block i with byte(i+1) so most blocks have real content and
	// the tree is not built from zero hashes alone; the value wraps, so
	// every 256th block is all zero and takes the all-zero path.
	for i := int64(0); i < dataBlocks; i++ {
		buf := bytes.Repeat([]byte{byte(i + 1)}, BlockSize)
		if err := dataDev.Put(i, 1, buf); err != nil {
			t.Fatalf("put data block %d: %v", i, err)
		}
	}

	sizing, err := Size(dataBlocks * BlockSize)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	hashDev := newDevice(t, "hash.img", sizing.HashDevSize, blockdev.ReadWrite)

	id := uuid.New()
	result, err := Format(dataDev, hashDev, id, ZeroSalt, nil)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	dataDev.Close()

	root, sb, err := GetRootHash(hashDev)
	if err != nil {
		t.Fatalf("GetRootHash: %v", err)
	}
	if root != result.RootHash {
		t.Fatalf("GetRootHash root %x != Format's reported root %x", root, result.RootHash)
	}
	if sb.UUID != id {
		t.Fatalf("superblock UUID %s != %s", sb.UUID, id)
	}

	tree, err := LoadHashTree(hashDev, root)
	if err != nil {
		t.Fatalf("LoadHashTree: %v", err)
	}
	if tree.Sizing.DataBlocks != uint64(dataBlocks) {
		t.Fatalf("tree.Sizing.DataBlocks = %d, want %d", tree.Sizing.DataBlocks, dataBlocks)
	}

	dataDevRO, err := blockdev.Open(dataPath, blockdev.ReadOnly, BlockSize, 0, 0)
	if err != nil {
		t.Fatalf("reopen data ro: %v", err)
	}
	defer dataDevRO.Close()
	if err := VerifyDataDevice(dataDevRO, tree, nil); err != nil {
		t.Fatalf("VerifyDataDevice: %v", err)
	}
}

func TestVerifyDataDeviceDetectsCorruption(t *testing.T) {
	dataBlocks := int64(4)
	dataPath := filepath.Join(t.TempDir(), "data.img")
	f, err := os.Create(dataPath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(dataBlocks * BlockSize); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	dataDev, err := blockdev.Open(dataPath, blockdev.ReadWrite, BlockSize, 0, 0)
	if err != nil {
		t.Fatalf("open data rw: %v", err)
	}
	for i := int64(0); i < dataBlocks; i++ {
		if err := dataDev.Put(i, 1, bytes.Repeat([]byte{byte(i + 1)}, BlockSize)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	sizing, err := Size(dataBlocks * BlockSize)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	hashDev := newDevice(t, "hash.img", sizing.HashDevSize, blockdev.ReadWrite)

	result, err := Format(dataDev, hashDev, uuid.New(), ZeroSalt, nil)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	dataDev.Close()

	tree, err := LoadHashTree(hashDev, result.RootHash)
	if err != nil {
		t.Fatalf("LoadHashTree: %v", err)
	}

	dataDevRO, err := blockdev.Open(dataPath, blockdev.ReadOnly, BlockSize, 0, 0)
	if err != nil {
		t.Fatalf("reopen data ro: %v", err)
	}
	defer dataDevRO.Close()
	if err := VerifyDataDevice(dataDevRO, tree, nil); err != nil {
		t.Fatalf("VerifyDataDevice on untouched data: %v", err)
	}
	dataDevRO.Close()

	// Corrupt one data block and confirm verification now fails.
	dataDevRW, err := blockdev.Open(dataPath, blockdev.ReadWrite, BlockSize, 0, 0)
	if err != nil {
		t.Fatalf("reopen data rw: %v", err)
	}
	if err := dataDevRW.Put(2, 1, bytes.Repeat([]byte{0xFF}, BlockSize)); err != nil {
		t.Fatalf("corrupt block: %v", err)
	}
	dataDevRW.Close()

	dataDevRO2, err := blockdev.Open(dataPath, blockdev.ReadOnly, BlockSize, 0, 0)
	if err != nil {
		t.Fatalf("reopen data ro 2: %v", err)
	}
	defer dataDevRO2.Close()
	if err := VerifyDataDevice(dataDevRO2, tree, nil); err == nil {
		t.Fatalf("want hash mismatch after corrupting a data block")
	}
}

func TestLoadHashTreeRejectsWrongRoot(t *testing.T) {
	dataBlocks := int64(2)
	dataDev := newDevice(t, "data.img", dataBlocks*BlockSize, blockdev.ReadWrite)
	for i := int64(0); i < dataBlocks; i++ {
		if err := dataDev.Put(i, 1, bytes.Repeat([]byte{byte(i + 1)}, BlockSize)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	sizing, err := Size(dataBlocks * BlockSize)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	hashDev := newDevice(t, "hash.img", sizing.HashDevSize, blockdev.ReadWrite)

	if _, err := Format(dataDev, hashDev, uuid.New(), ZeroSalt, nil); err != nil {
		t.Fatalf("Format: %v", err)
	}

	var wrongRoot [32]byte
	wrongRoot[0] = 1
	if _, err := LoadHashTree(hashDev, wrongRoot); err == nil {
		t.Fatalf("want error loading with the wrong root hash")
	}
}
