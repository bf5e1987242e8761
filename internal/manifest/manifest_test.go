package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
)

func TestDefaultEnablesThinAndVerity(t *testing.T) {
	m := Default()
	if !m.Thin.Enabled {
		t.Errorf("Default().Thin.Enabled = false, want true")
	}
	if !m.Verity.Enabled {
		t.Errorf("Default().Verity.Enabled = false, want true")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cvmdisk.yaml")
	doc := `
thin:
  enabled: false
  lowWaterMark: 1048576
root:
  minGrowBytes: 2097152
verity:
  enabled: true
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var want Manifest
	want.Thin.Enabled = false
	want.Thin.LowWaterMark = 1048576
	want.Root.MinGrowBytes = 2097152
	want.Verity.Enabled = true

	if diff := deep.Equal(m, want); diff != nil {
		t.Errorf("Load round-trip mismatch: %v", diff)
	}
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cvmdisk.yaml")
	if err := os.WriteFile(path, []byte("root:\n  minGrowBytes: 512\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m.Thin.Enabled {
		t.Errorf("Thin.Enabled = false, want Default()'s true to survive an unset yaml field")
	}
	if !m.Verity.Enabled {
		t.Errorf("Verity.Enabled = false, want Default()'s true to survive an unset yaml field")
	}
	if m.Root.MinGrowBytes != 512 {
		t.Errorf("Root.MinGrowBytes = %d, want 512", m.Root.MinGrowBytes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("want error for missing manifest file")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("thin: [this is not a mapping"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("want error for malformed YAML")
	}
}
