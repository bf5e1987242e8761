// Package cpioarchive builds CPIO newc archives of an ESP home
// directory for the signature envelope (spec §4.9's "create a CPIO of
// the ESP home directory in memory"), plus the inventory helpers
// (Snapshot/Delta) that record a tree's file hashes and report what
// changed between two snapshots. Grounded on the original
// inventory.c/sharedir.c; no
// library in the example corpus implements the CPIO newc format, so
// the writer is a direct, hand-rolled transcription of the fixed
// ASCII-hex newc header spec §4.9/§6 implies via "/EFI/cvmboot.cpio ...
// CPIO newc archive".
package cpioarchive

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
)

const magic = "070701"
const trailerName = "TRAILER!!!"

// Entry is one file staged for the archive.
type Entry struct {
	Name string
	Mode uint32
	Data []byte
}

func hexField(v uint64) string {
	return fmt.Sprintf("%08X", v)
}

func padTo4(n int) int {
	if n%4 == 0 {
		return 0
	}
	return 4 - n%4
}

func writeHeader(buf *bytes.Buffer, name string, mode uint32, size int, ino uint64) {
	buf.WriteString(magic)
	buf.WriteString(hexField(ino))          // ino
	buf.WriteString(hexField(uint64(mode))) // mode
	buf.WriteString(hexField(0))            // uid
	buf.WriteString(hexField(0))            // gid
	buf.WriteString(hexField(1))            // nlink
	buf.WriteString(hexField(0))            // mtime
	buf.WriteString(hexField(uint64(size))) // filesize
	buf.WriteString(hexField(0))            // devmajor
	buf.WriteString(hexField(0))            // devminor
	buf.WriteString(hexField(0))            // rdevmajor
	buf.WriteString(hexField(0))            // rdevminor
	buf.WriteString(hexField(uint64(len(name) + 1))) // namesize
	buf.WriteString(hexField(0))                     // check
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.Write(make([]byte, padTo4(110+len(name)+1)))
}

// Write serializes entries into a CPIO newc archive, sorted by name
// for a deterministic byte-identical archive across runs.
func Write(entries []Entry) []byte {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	var ino uint64 = 1
	for _, e := range sorted {
		mode := e.Mode
		if mode == 0 {
			mode = 0100644
		}
		writeHeader(&buf, e.Name, mode, len(e.Data), ino)
		buf.Write(e.Data)
		buf.Write(make([]byte, padTo4(len(e.Data))))
		ino++
	}
	writeHeader(&buf, trailerName, 0, 0, 0)

	return buf.Bytes()
}

// AddTree walks root and appends every regular file under it to
// entries, with archive names relative to root, grounded on the
// original sharedir.c directory-tree convention of resolving a
// directory relative to the running binary.
func AddTree(entries []Entry, root string) ([]Entry, error) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Name: rel, Mode: uint32(info.Mode().Perm()) | 0100000, Data: data})
		return nil
	})
	if err != nil {
		return nil, cvmerr.New(cvmerr.IoError, "cpioarchive.AddTree", err)
	}
	return entries, nil
}

// Inventory is a snapshot of a directory tree's file names and their
// SHA-256 content hashes, used to report added/modified/deleted files
// across a lifecycle step, grounded on the original inventory.c.
type Inventory struct {
	Hashes map[string]string // relative path -> hex SHA-256
}

// Snapshot walks root and hashes every regular file under it.
func Snapshot(root string) (Inventory, error) {
	inv := Inventory{Hashes: map[string]string{}}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		inv.Hashes[rel] = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		return Inventory{}, cvmerr.New(cvmerr.IoError, "cpioarchive.Snapshot", err)
	}
	return inv, nil
}

// Delta reports files added or modified in b relative to a, and files
// deleted from a that are absent from b.
func Delta(a, b Inventory) (added, modified, deleted []string) {
	for path, hash := range b.Hashes {
		if prev, ok := a.Hashes[path]; !ok {
			added = append(added, path)
		} else if prev != hash {
			modified = append(modified, path)
		}
	}
	for path := range a.Hashes {
		if _, ok := b.Hashes[path]; !ok {
			deleted = append(deleted, path)
		}
	}
	sort.Strings(added)
	sort.Strings(modified)
	sort.Strings(deleted)
	return added, modified, deleted
}
