package thinpool

import (
	"testing"
)

func TestSizeRejectsNegative(t *testing.T) {
	if _, err := Size(-1); err == nil {
		t.Fatalf("want error for negative non-sparse byte count")
	}
}

func TestSizeIncludesReserveAndRoundsUp(t *testing.T) {
	sizing, err := Size(0)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	reserve := int64(gib) + int64(LowWaterMark)*int64(ThinBlockSize)
	if sizing.DataPartitionSize < reserve {
		t.Errorf("DataPartitionSize = %d, want at least the reserve %d", sizing.DataPartitionSize, reserve)
	}
	if sizing.DataPartitionSize%(2*mib) != 0 {
		t.Errorf("DataPartitionSize %d not 2MiB aligned", sizing.DataPartitionSize)
	}
	if sizing.MetaPartitionSize%(2*mib) != 0 {
		t.Errorf("MetaPartitionSize %d not 2MiB aligned", sizing.MetaPartitionSize)
	}
}

func TestSizeGrowsWithNonSparseBytes(t *testing.T) {
	small, err := Size(1 << 20)
	if err != nil {
		t.Fatalf("Size small: %v", err)
	}
	large, err := Size(10 << 30)
	if err != nil {
		t.Fatalf("Size large: %v", err)
	}
	if large.DataPartitionSize <= small.DataPartitionSize {
		t.Errorf("DataPartitionSize did not grow: small=%d large=%d", small.DataPartitionSize, large.DataPartitionSize)
	}
	if large.MetaPartitionSize <= small.MetaPartitionSize {
		t.Errorf("MetaPartitionSize did not grow: small=%d large=%d", small.MetaPartitionSize, large.MetaPartitionSize)
	}
}

func TestRoundUpIsIdentityOnMultiples(t *testing.T) {
	if got := roundUp(4*mib, 2*mib); got != 4*mib {
		t.Errorf("roundUp(4MiB, 2MiB) = %d, want %d", got, 4*mib)
	}
	if got := roundUp(3*mib, 2*mib); got != 4*mib {
		t.Errorf("roundUp(3MiB, 2MiB) = %d, want %d", got, 4*mib)
	}
}
