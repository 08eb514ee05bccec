package backend

import (
	"github.com/chainstate/contextstore/internal/model"
)

// Backend is the uniform contract every storage engine implements,
// regardless of physical medium. Exactly one Backend instance per process
// holds write authority; other processes see the store through the
// read-only proxy engine.
type Backend interface {
	// Get returns the stored value for key, or found=false if absent.
	Get(key model.EntryHash) (model.ContextValue, bool, error)

	// Put inserts or overwrites the value under key. Reports whether the
	// key was newly inserted. Writing a value identical to the existing
	// one for the same key is always safe (content addressing).
	Put(key model.EntryHash, value model.ContextValue) (bool, error)

	// PutBatch applies the entries one at a time, in order. The contract
	// does not require atomicity; an engine may strengthen this for its
	// own medium.
	PutBatch(entries []model.ContextEntry) error

	// Merge combines value with whatever is stored under key. Semantics
	// beyond plain overwrite are engine-defined.
	Merge(key model.EntryHash, value model.ContextValue) error

	// Delete removes key and returns the prior value, if any.
	Delete(key model.EntryHash) (model.ContextValue, bool, error)

	// Contains reports existence without transferring the value.
	Contains(key model.EntryHash) (bool, error)

	// IsPersisted reports whether the data survives a process restart.
	IsPersisted() bool

	// TotalGetMemUsage estimates the resident memory held by the engine.
	// Engines that cannot answer without risking inconsistency fail with
	// a backend error instead of guessing.
	TotalGetMemUsage() (uint64, error)

	// Flush pushes buffered writes to the engine's medium.
	Flush() error

	// Close releases the engine. Shutdown order is Flush then Close.
	Close() error
}

// GarbageCollected is the optional capability implemented by engines that
// retain reclaimable history. Engines without the capability simply do not
// implement this interface; call sites discover it with GCCapable and must
// handle both variants.
type GarbageCollected interface {
	// Retain sweeps the store, removing every entry whose key is neither
	// in keep nor in the reused-key set accumulated since the last cycle
	// start. Keys in keep survive unconditionally. This is the only
	// operation permitted to permanently delete data from a GC-capable
	// engine.
	Retain(keep map[model.EntryHash]struct{}) error

	// MarkReused records that key, though not freshly written this cycle,
	// is still referenced by the tree being built and must survive the
	// next Retain.
	MarkReused(key model.EntryHash)

	// StartNewCycle closes the current generation and opens a new one
	// anchored at lastCommit (nil at bootstrap). Clears the reused-key
	// set. Reclamation of generations that fell out of the preserved
	// window is deferred to a background sweep.
	StartNewCycle(lastCommit *model.EntryHash) error

	// WaitForGCFinish blocks until every sweep scheduled by previous
	// StartNewCycle calls has completed.
	WaitForGCFinish()
}

// GCCapable reports whether b retains reclaimable history. The second
// return mirrors a type assertion so call sites spell out the non-GC
// branch explicitly.
func GCCapable(b Backend) (GarbageCollected, bool) {
	gc, ok := b.(GarbageCollected)
	return gc, ok
}
