// Package manifest implements the supplemental declarative disk-layout
// manifest SPEC_FULL.md adds: an optional cvmdisk.yaml read by prepare
// in place of hard-coded partition/thin-pool defaults. The teacher
// reads its build templates through a structured config package; this
// is the same shape (a YAML document unmarshaled into tagged Go
// structs) applied to disk layout instead of an OS image template.
package manifest

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
)

// Manifest declares the knobs prepare otherwise defaults: whether to
// enable thin provisioning and verity, and an optional extra
// root-partition growth target. Thin.LowWaterMark is parsed but not
// read by prepare, which always uses thinpool.LowWaterMark.
type Manifest struct {
	Thin struct {
		Enabled      bool  `yaml:"enabled"`
		LowWaterMark int64 `yaml:"lowWaterMark,omitempty"`
	} `yaml:"thin"`
	Root struct {
		MinGrowBytes int64 `yaml:"minGrowBytes,omitempty"`
	} `yaml:"root"`
	Verity struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"verity"`
}

// Default returns the manifest prepare uses when no -manifest flag is given.
func Default() Manifest {
	var m Manifest
	m.Thin.Enabled = true
	m.Verity.Enabled = true
	return m
}

// Load reads and parses a YAML manifest file.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, cvmerr.New(cvmerr.NotFound, "manifest.Load", err)
	}
	m := Default()
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, cvmerr.New(cvmerr.CorruptFormat, "manifest.Load", err)
	}
	return m, nil
}
