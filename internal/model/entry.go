package model

import (
	"bytes"
	"encoding/hex"
)

// HashSize is the width of an EntryHash in bytes.
const HashSize = 32

// EntryHash is the fixed-width content digest addressing a stored blob.
// Hashes are computed by the tree layer; this package only carries them.
type EntryHash [HashSize]byte

// ContextValue is the opaque serialized payload stored under an EntryHash.
// A value is immutable once written: a given hash never maps to two
// different values.
type ContextValue []byte

// ContextEntry is a single (hash, value) pair, used by batch writes.
type ContextEntry struct {
	Hash  EntryHash
	Value ContextValue
}

// HashFromBytes converts a raw slice into an EntryHash.
// Returns ok=false if the slice is not exactly HashSize bytes long.
func HashFromBytes(data []byte) (EntryHash, bool) {
	var h EntryHash
	if len(data) != HashSize {
		return h, false
	}
	copy(h[:], data)
	return h, true
}

// Equal reports whether two values hold identical bytes.
func (v ContextValue) Equal(other ContextValue) bool {
	return bytes.Equal(v, other)
}

// Clone returns an independent copy of the value.
func (v ContextValue) Clone() ContextValue {
	if v == nil {
		return nil
	}
	out := make(ContextValue, len(v))
	copy(out, v)
	return out
}

// String renders a shortened hex form of the hash for logging.
func (h EntryHash) String() string {
	return hex.EncodeToString(h[:8])
}

// Hex renders the full hex form of the hash.
func (h EntryHash) Hex() string {
	return hex.EncodeToString(h[:])
}
