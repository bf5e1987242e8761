package cpioarchive

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
)

func TestWriteIsSortedAndDeterministic(t *testing.T) {
	entries := []Entry{
		{Name: "b.txt", Data: []byte("bbb")},
		{Name: "a.txt", Data: []byte("a")},
	}
	first := Write(entries)
	second := Write(entries)
	if !bytes.Equal(first, second) {
		t.Fatalf("Write is not deterministic across identical input")
	}

	// Regardless of input order, "a.txt"'s header must precede "b.txt"'s.
	idxA := bytes.Index(first, []byte("a.txt\x00"))
	idxB := bytes.Index(first, []byte("b.txt\x00"))
	if idxA < 0 || idxB < 0 {
		t.Fatalf("expected both file names present in archive")
	}
	if idxA > idxB {
		t.Errorf("a.txt header (offset %d) did not precede b.txt header (offset %d)", idxA, idxB)
	}
}

func TestWriteEndsWithTrailer(t *testing.T) {
	buf := Write([]Entry{{Name: "f", Data: []byte("x")}})
	if !bytes.Contains(buf, []byte(trailerName)) {
		t.Fatalf("archive missing TRAILER!!! record")
	}
	if !bytes.HasPrefix(buf, []byte(magic)) {
		t.Fatalf("archive does not start with newc magic")
	}
}

func TestWriteHeaderFieldsAreAligned(t *testing.T) {
	buf := Write([]Entry{{Name: "onefile", Data: []byte("hello world")}})
	if len(buf)%4 != 0 {
		t.Errorf("archive length %d is not a multiple of 4", len(buf))
	}
}

func TestAddTreeWalksFilesWithRelativeNames(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "top.txt"), []byte("top"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "nested.txt"), []byte("nested"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := AddTree(nil, root)
	if err != nil {
		t.Fatalf("AddTree: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	want := []string{"sub/nested.txt", "top.txt"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
}

func TestSnapshotAndDelta(t *testing.T) {
	rootA := t.TempDir()
	if err := os.WriteFile(filepath.Join(rootA, "keep.txt"), []byte("same"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rootA, "gone.txt"), []byte("bye"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	snapA, err := Snapshot(rootA)
	if err != nil {
		t.Fatalf("Snapshot A: %v", err)
	}

	rootB := t.TempDir()
	if err := os.WriteFile(filepath.Join(rootB, "keep.txt"), []byte("same"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rootB, "new.txt"), []byte("fresh"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	snapB, err := Snapshot(rootB)
	if err != nil {
		t.Fatalf("Snapshot B: %v", err)
	}

	// Reframe both snapshots under a shared logical path set since they
	// live in different temp roots: rename keys to drop the root prefix
	// is already done by Snapshot (it stores root-relative paths), so
	// they're directly comparable.
	added, modified, deleted := Delta(snapA, snapB)
	if !reflect.DeepEqual(added, []string{"new.txt"}) {
		t.Errorf("added = %v, want [new.txt]", added)
	}
	if len(modified) != 0 {
		t.Errorf("modified = %v, want none", modified)
	}
	if !reflect.DeepEqual(deleted, []string{"gone.txt"}) {
		t.Errorf("deleted = %v, want [gone.txt]", deleted)
	}
}

func TestDeltaDetectsModification(t *testing.T) {
	a := Inventory{Hashes: map[string]string{"f.txt": "aaaa"}}
	b := Inventory{Hashes: map[string]string{"f.txt": "bbbb"}}
	added, modified, deleted := Delta(a, b)
	if len(added) != 0 || len(deleted) != 0 {
		t.Fatalf("added=%v deleted=%v, want both empty", added, deleted)
	}
	if !reflect.DeepEqual(modified, []string{"f.txt"}) {
		t.Fatalf("modified = %v, want [f.txt]", modified)
	}
}
