package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/microsoft/cvmboot-sub000/internal/gpt"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
)

func TestWriteReadESPConfigRoundTrip(t *testing.T) {
	root := t.TempDir()
	kv := map[string]string{
		"cmdline":   "console=ttyS0",
		"roothash":  "deadbeef",
		"kernel":    "vmlinuz",
		"initrd":    "initrd.img",
		"timestamp": "1234567890",
	}
	if err := writeESPConfig(root, kv); err != nil {
		t.Fatalf("writeESPConfig: %v", err)
	}

	got, err := readESPConfig(root)
	if err != nil {
		t.Fatalf("readESPConfig: %v", err)
	}
	for k, v := range kv {
		if got[k] != v {
			t.Errorf("readESPConfig[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestReadESPConfigIgnoresUnknownKeysAndBlankLines(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "EFI", "cvmboot")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	doc := "\ncmdline=foo\n\n# not a comment marker in this grammar, but blank lines are skipped\nroothash=abcd\n"
	if err := os.WriteFile(filepath.Join(dir, "cvmboot.conf"), []byte(doc), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	kv, err := readESPConfig(root)
	if err != nil {
		t.Fatalf("readESPConfig: %v", err)
	}
	if kv["cmdline"] != "foo" || kv["roothash"] != "abcd" {
		t.Errorf("kv = %v, want cmdline=foo roothash=abcd", kv)
	}
}

func TestReadESPConfigMissingFile(t *testing.T) {
	if _, err := readESPConfig(t.TempDir()); err == nil {
		t.Fatalf("want error for missing config file")
	}
}

func TestFindESP(t *testing.T) {
	tbl, err := gpt.NewBlank(1 << 16)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	if got := findESP(tbl); got != -1 {
		t.Errorf("findESP on empty table = %d, want -1", got)
	}
	idx, err := tbl.AddPartition(gptguid.TypeEFISystem, "esp", 2048)
	if err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	if got := findESP(tbl); got != idx {
		t.Errorf("findESP = %d, want %d", got, idx)
	}
}

func TestProbeWithoutESPRoot(t *testing.T) {
	tbl, err := gpt.NewBlank(1 << 16)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	p := probe(tbl, "")
	if p.ESPHasCvmbootHome || p.ESPHasSignature {
		t.Errorf("probe with no ESP root reported markers present: %+v", p)
	}
}

func TestProbeDetectsCvmbootHomeAndSignature(t *testing.T) {
	tbl, err := gpt.NewBlank(1 << 16)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, espHomeRelDir), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, espSignatureRelPath), []byte("sig"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := probe(tbl, root)
	if !p.ESPHasCvmbootHome {
		t.Errorf("probe did not detect cvmboot home directory")
	}
	if !p.ESPHasSignature {
		t.Errorf("probe did not detect signature file")
	}
}

func TestRoundUpSectors(t *testing.T) {
	if got := roundUpSectors(2048, 2048); got != 2048 {
		t.Errorf("roundUpSectors(2048,2048) = %d, want 2048", got)
	}
	if got := roundUpSectors(2049, 2048); got != 4096 {
		t.Errorf("roundUpSectors(2049,2048) = %d, want 4096", got)
	}
	if got := roundUpSectors(0, 2048); got != 0 {
		t.Errorf("roundUpSectors(0,2048) = %d, want 0", got)
	}
}

func TestEstimateStrippedSizeExcludesRootAndAlignsOthers(t *testing.T) {
	tbl, err := gpt.NewBlank(1 << 20)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	espIdx, err := tbl.AddPartition(gptguid.TypeEFISystem, "esp", 2048)
	if err != nil {
		t.Fatalf("AddPartition esp: %v", err)
	}
	rootIdx, err := tbl.AddPartition(gptguid.TypeLinuxFS, "root", 1<<18)
	if err != nil {
		t.Fatalf("AddPartition root: %v", err)
	}

	got := estimateStrippedSize(tbl, rootIdx)

	overhead := uint64(gpt.EntryArrayBlocks) + 2 + uint64(gpt.TrailingBlocks)
	espBlocks := tbl.PrimaryEntry[espIdx].NumBlocks()
	if rem := espBlocks % gpt.AlignmentLBA; rem != 0 {
		espBlocks += gpt.AlignmentLBA - rem
	}
	want := overhead + espBlocks + gpt.AlignmentLBA

	if got != want {
		t.Errorf("estimateStrippedSize = %d, want %d", got, want)
	}
}
