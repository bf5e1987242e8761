// Package imagestate implements spec component H: classifying an
// opened disk image's lifecycle state from the three cheap probes
// spec §4.8 names, gating every destructive lifecycle operation.
// Grounded on the teacher's state-inspection style in
// imageinspect/fs_raw.go, adapted from filesystem-content probing to
// GPT-entry and ESP-directory probing.
package imagestate

import (
	"github.com/microsoft/cvmboot-sub000/internal/gpt"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
)

// State is the lifecycle stage of a disk image.
type State int

const (
	Unknown State = iota
	Base
	Prepared
	Protected
)

func (s State) String() string {
	switch s {
	case Base:
		return "base"
	case Prepared:
		return "prepared"
	case Protected:
		return "protected"
	default:
		return "unknown"
	}
}

// Probe is the set of observations Classify needs, gathered by the
// lifecycle driver from an opened GPT and ESP filesystem.
type Probe struct {
	Table              *gpt.Table
	ESPHasCvmbootHome  bool // EFI/cvmboot directory present on the ESP
	ESPHasSignature    bool // cvmboot.cpio.sig present on the ESP
}

// Classify implements spec §4.8's three-probe decision:
//  1. An unsorted entry array (null gap before a non-null entry) is base.
//  2. A verity partition, or the ESP's EFI/cvmboot home directory,
//     means prepared (or protected, if the signature file is present).
//  3. A Linux-data partition with no verity/ESP marker is base.
//  4. Otherwise unknown.
func Classify(p Probe) State {
	if !p.Table.IsSorted() {
		return Base
	}

	hasVerity := p.Table.FindByType(gptguid.TypeVerityHash) >= 0
	if hasVerity || p.ESPHasCvmbootHome {
		if p.ESPHasSignature {
			return Protected
		}
		return Prepared
	}

	if p.Table.FindByType(gptguid.TypeLinuxFS) >= 0 {
		return Base
	}

	return Unknown
}
