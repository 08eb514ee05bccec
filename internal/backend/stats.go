package backend

import (
	"github.com/chainstate/contextstore/internal/model"
)

// StorageBackendStats tracks byte usage of a backend, broken down into key,
// value and reused-key bookkeeping bytes. Values compose by addition and
// subtraction so callers can report net usage across operations or cycles.
type StorageBackendStats struct {
	KeyBytes        uint64
	ValueBytes      uint64
	ReusedKeysBytes uint64
}

// StatsForEntry computes the stats delta contributed by storing one entry.
func StatsForEntry(value model.ContextValue) StorageBackendStats {
	return StorageBackendStats{
		KeyBytes:   model.HashSize,
		ValueBytes: uint64(len(value)),
	}
}

// Add returns the field-wise sum of s and other.
func (s StorageBackendStats) Add(other StorageBackendStats) StorageBackendStats {
	return StorageBackendStats{
		KeyBytes:        s.KeyBytes + other.KeyBytes,
		ValueBytes:      s.ValueBytes + other.ValueBytes,
		ReusedKeysBytes: s.ReusedKeysBytes + other.ReusedKeysBytes,
	}
}

// Sub returns the field-wise difference of s and other. Each field
// saturates at zero: subtracting a larger snapshot from a smaller one
// yields zero for the affected field rather than wrapping around.
func (s StorageBackendStats) Sub(other StorageBackendStats) StorageBackendStats {
	return StorageBackendStats{
		KeyBytes:        satSub(s.KeyBytes, other.KeyBytes),
		ValueBytes:      satSub(s.ValueBytes, other.ValueBytes),
		ReusedKeysBytes: satSub(s.ReusedKeysBytes, other.ReusedKeysBytes),
	}
}

// TotalAsBytes sums all three fields.
func (s StorageBackendStats) TotalAsBytes() uint64 {
	return s.KeyBytes + s.ValueBytes + s.ReusedKeysBytes
}

// SumStats folds a collection of stats values into one.
func SumStats(stats []StorageBackendStats) StorageBackendStats {
	var total StorageBackendStats
	for _, s := range stats {
		total = total.Add(s)
	}
	return total
}

func satSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
