package imagestate

import (
	"testing"

	"github.com/microsoft/cvmboot-sub000/internal/gpt"
	"github.com/microsoft/cvmboot-sub000/internal/gptguid"
)

func blankTable(t *testing.T) *gpt.Table {
	t.Helper()
	tbl, err := gpt.NewBlank(1 << 16)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	return tbl
}

func TestClassifyBaseWhenLinuxFSOnly(t *testing.T) {
	tbl := blankTable(t)
	if _, err := tbl.AddPartition(gptguid.TypeLinuxFS, "root", 4096); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	if got := Classify(Probe{Table: tbl}); got != Base {
		t.Errorf("Classify = %v, want Base", got)
	}
}

func TestClassifyPreparedWhenVerityPresent(t *testing.T) {
	tbl := blankTable(t)
	if _, err := tbl.AddPartition(gptguid.TypeLinuxFS, "root", 4096); err != nil {
		t.Fatalf("AddPartition root: %v", err)
	}
	if _, err := tbl.AddPartition(gptguid.TypeVerityHash, "verity-hash", 4096); err != nil {
		t.Fatalf("AddPartition verity: %v", err)
	}
	if got := Classify(Probe{Table: tbl}); got != Prepared {
		t.Errorf("Classify = %v, want Prepared", got)
	}
}

func TestClassifyProtectedWhenSignaturePresent(t *testing.T) {
	tbl := blankTable(t)
	if _, err := tbl.AddPartition(gptguid.TypeVerityHash, "verity-hash", 4096); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	got := Classify(Probe{Table: tbl, ESPHasSignature: true})
	if got != Protected {
		t.Errorf("Classify = %v, want Protected", got)
	}
}

func TestClassifyPreparedWhenESPHomePresentWithoutVerity(t *testing.T) {
	tbl := blankTable(t)
	got := Classify(Probe{Table: tbl, ESPHasCvmbootHome: true})
	if got != Prepared {
		t.Errorf("Classify = %v, want Prepared", got)
	}
}

func TestClassifyBaseWhenTableUnsorted(t *testing.T) {
	tbl := blankTable(t)
	if _, err := tbl.AddPartition(gptguid.TypeLinuxFS, "root", 4096); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	if _, err := tbl.AddPartition(gptguid.TypeVerityHash, "verity-hash", 4096); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	tbl.PrimaryEntry[0] = gpt.Entry{}

	if got := Classify(Probe{Table: tbl, ESPHasSignature: true}); got != Base {
		t.Errorf("Classify on unsorted table = %v, want Base (unsorted overrides other probes)", got)
	}
}

func TestClassifyUnknownWhenNoMarkersPresent(t *testing.T) {
	tbl := blankTable(t)
	if got := Classify(Probe{Table: tbl}); got != Unknown {
		t.Errorf("Classify = %v, want Unknown", got)
	}
}
