package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/chainstate/contextstore/internal/backend"
	"github.com/chainstate/contextstore/internal/errors"
	"github.com/chainstate/contextstore/internal/metrics"
	"github.com/chainstate/contextstore/internal/model"
	"go.uber.org/zap"
)

// Backend is the garbage-collected in-memory engine. It owns the
// authoritative store of the writer process: entries accumulate per
// commit cycle and a background sweeper reclaims generations that fall
// out of the preserved window.
type Backend struct {
	config  *Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	entries  map[model.EntryHash]entry
	reused   map[model.EntryHash]struct{}
	cycle    uint64
	anchor   *model.EntryHash
	stats    backend.StorageBackendStats
	closed   bool
	poisoned string

	sweepQueue chan sweepJob
	stopChan   chan struct{}
	workerWg   sync.WaitGroup
	pending    sync.WaitGroup

	// sweepHook, when set, runs before a deferred sweep touches the
	// store. Tests use it to inject sweep faults.
	sweepHook func(floor uint64)
}

// Config holds in-memory engine configuration
type Config struct {
	// PreservedCycles is the number of closed generations whose entries
	// stay protected from the deferred sweep.
	PreservedCycles int
	// SweepQueueSize bounds the number of scheduled-but-unstarted sweeps.
	SweepQueueSize int
}

// entry is one stored blob plus the generation that last wrote or
// reused it.
type entry struct {
	value     model.ContextValue
	protected uint64
}

// sweepJob asks the sweeper to reclaim every entry whose protecting
// generation is older than floor.
type sweepJob struct {
	floor uint64
}

// New creates a new in-memory engine and starts its sweep worker.
// Sweeps must run in schedule order, so there is exactly one worker.
func New(cfg *Config, logger *zap.Logger, m *metrics.Metrics) *Backend {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.PreservedCycles <= 0 {
		cfg.PreservedCycles = 7
	}
	if cfg.SweepQueueSize <= 0 {
		cfg.SweepQueueSize = 16
	}

	b := &Backend{
		config:     cfg,
		logger:     logger,
		metrics:    m,
		entries:    make(map[model.EntryHash]entry),
		reused:     make(map[model.EntryHash]struct{}),
		cycle:      1,
		sweepQueue: make(chan sweepJob, cfg.SweepQueueSize),
		stopChan:   make(chan struct{}),
	}

	b.workerWg.Add(1)
	go b.sweepWorker()

	logger.Info("In-memory backend started",
		zap.Int("preserved_cycles", cfg.PreservedCycles),
		zap.Int("sweep_queue_size", cfg.SweepQueueSize))

	return b
}

// Get retrieves the value stored under key.
func (b *Backend) Get(key model.EntryHash) (model.ContextValue, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.usable("get"); err != nil {
		return nil, false, err
	}
	e, found := b.entries[key]
	if !found {
		return nil, false, nil
	}
	// Cloned for the same reason Put clones: callers must not share
	// backing arrays with the store.
	return e.value.Clone(), true, nil
}

// Put inserts or overwrites the value stored under key.
func (b *Backend) Put(key model.EntryHash, value model.ContextValue) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable("put"); err != nil {
		return false, err
	}
	prev, existed := b.entries[key]
	if existed {
		b.stats = b.stats.Sub(backend.StatsForEntry(prev.value))
	}
	b.entries[key] = entry{value: value.Clone(), protected: b.cycle}
	b.stats = b.stats.Add(backend.StatsForEntry(value))

	b.metrics.IncOp("put")
	b.publishStorageStats()
	return !existed, nil
}

// PutBatch applies the entries one at a time, in order.
func (b *Backend) PutBatch(entries []model.ContextEntry) error {
	for _, e := range entries {
		if _, err := b.Put(e.Hash, e.Value); err != nil {
			return err
		}
	}
	return nil
}

// Merge overwrites the value stored under key. The in-memory engine has
// no accumulator semantics.
func (b *Backend) Merge(key model.EntryHash, value model.ContextValue) error {
	_, err := b.Put(key, value)
	if err == nil {
		b.metrics.IncOp("merge")
	}
	return err
}

// Delete removes key and returns the prior value, if any.
func (b *Backend) Delete(key model.EntryHash) (model.ContextValue, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable("delete"); err != nil {
		return nil, false, err
	}
	prev, existed := b.entries[key]
	if !existed {
		return nil, false, nil
	}
	delete(b.entries, key)
	b.stats = b.stats.Sub(backend.StatsForEntry(prev.value))

	b.metrics.IncOp("delete")
	b.publishStorageStats()
	return prev.value, true, nil
}

// Contains reports whether key is stored, without copying the value.
func (b *Backend) Contains(key model.EntryHash) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.usable("contains"); err != nil {
		return false, err
	}
	_, found := b.entries[key]
	return found, nil
}

// IsPersisted reports false: the engine loses its data on restart.
func (b *Backend) IsPersisted() bool {
	return false
}

// TotalGetMemUsage reports the bytes currently accounted to keys, values
// and reused-key bookkeeping. Callers that need a quiesced figure call
// WaitForGCFinish first.
func (b *Backend) TotalGetMemUsage() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.usable("total_get_mem_usage"); err != nil {
		return 0, err
	}
	return b.stats.TotalAsBytes(), nil
}

// Stats returns a snapshot of the engine's byte accounting.
func (b *Backend) Stats() backend.StorageBackendStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// Flush is a no-op for the in-memory engine.
func (b *Backend) Flush() error {
	return nil
}

// Close stops the sweep worker and drops the store. Scheduled sweeps
// complete first. The closed flag is raised before the drain so a
// concurrent StartNewCycle cannot queue a sweep no worker will consume.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.WaitForGCFinish()
	close(b.stopChan)
	b.workerWg.Wait()

	b.mu.Lock()
	b.entries = nil
	b.reused = nil
	b.mu.Unlock()
	b.logger.Info("In-memory backend closed")
	return nil
}

// Retain removes every entry whose key is neither in keep nor in the
// reused-key set accumulated since the last cycle start. Keys in keep
// survive unconditionally.
func (b *Backend) Retain(keep map[model.EntryHash]struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable("retain"); err != nil {
		return err
	}

	start := time.Now()
	swept := 0
	for key, e := range b.entries {
		if _, kept := keep[key]; kept {
			continue
		}
		if _, r := b.reused[key]; r {
			continue
		}
		delete(b.entries, key)
		b.stats = b.stats.Sub(backend.StatsForEntry(e.value))
		swept++
	}

	b.logger.Info("Retain sweep finished",
		zap.Uint64("cycle", b.cycle),
		zap.Int("kept", len(b.entries)),
		zap.Int("swept", swept))
	b.metrics.ObserveSweep(swept, time.Since(start))
	b.publishStorageStats()
	return nil
}

// MarkReused protects key from the next Retain even though it was not
// freshly written this cycle.
func (b *Backend) MarkReused(key model.EntryHash) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.poisoned != "" {
		return
	}
	b.reused[key] = struct{}{}
	if e, found := b.entries[key]; found {
		e.protected = b.cycle
		b.entries[key] = e
	}
	b.stats.ReusedKeysBytes = uint64(len(b.reused)) * model.HashSize
}

// StartNewCycle closes the current generation, anchored at lastCommit,
// and schedules a deferred sweep of generations that fell out of the
// preserved window. The commit path does not wait for the sweep.
func (b *Backend) StartNewCycle(lastCommit *model.EntryHash) error {
	b.mu.Lock()
	if err := b.usable("start_new_cycle"); err != nil {
		b.mu.Unlock()
		return err
	}

	b.cycle++
	b.anchor = lastCommit
	b.reused = make(map[model.EntryHash]struct{})
	b.stats.ReusedKeysBytes = 0

	var floor uint64
	if b.cycle > uint64(b.config.PreservedCycles) {
		floor = b.cycle - uint64(b.config.PreservedCycles)
	}
	cycle := b.cycle
	// Registered under the lock so a concurrent Close cannot slip past
	// WaitForGCFinish between the usable check and the queue send.
	b.pending.Add(1)
	b.mu.Unlock()

	if lastCommit != nil {
		b.logger.Info("New GC cycle started",
			zap.Uint64("cycle", cycle),
			zap.Stringer("commit", lastCommit))
	} else {
		b.logger.Info("New GC cycle started", zap.Uint64("cycle", cycle))
	}

	// The queue send happens outside the lock: the worker needs the lock
	// to drain.
	b.sweepQueue <- sweepJob{floor: floor}
	return nil
}

// WaitForGCFinish blocks until every scheduled sweep has completed.
func (b *Backend) WaitForGCFinish() {
	b.pending.Wait()
}

// LastCommit returns the anchor of the current cycle, or nil at bootstrap.
func (b *Backend) LastCommit() *model.EntryHash {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.anchor
}

// sweepWorker drains the sweep queue until Close.
func (b *Backend) sweepWorker() {
	defer b.workerWg.Done()

	for {
		select {
		case job := <-b.sweepQueue:
			b.executeSweep(job)
		case <-b.stopChan:
			return
		}
	}
}

// executeSweep reclaims every entry whose protecting generation is older
// than the job's floor. A panic here poisons the whole engine: the shared
// state can no longer be trusted.
func (b *Backend) executeSweep(job sweepJob) {
	defer b.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("sweep panic: %v", r)
			b.mu.Lock()
			b.poisoned = msg
			b.mu.Unlock()
			b.logger.Error("GC sweep panicked, backend poisoned", zap.Any("panic", r))
		}
	}()

	if job.floor == 0 {
		return
	}
	if b.sweepHook != nil {
		b.sweepHook(job.floor)
	}

	start := time.Now()
	swept, remaining, bytes := b.sweepBelow(job.floor)
	duration := time.Since(start)
	b.logger.Info("Deferred GC sweep finished",
		zap.Uint64("floor", job.floor),
		zap.Int("swept", swept),
		zap.Int("remaining", remaining),
		zap.Duration("duration", duration))
	b.metrics.ObserveSweep(swept, duration)
	b.metrics.SetStorage(remaining, bytes)
}

// sweepBelow deletes every entry whose protecting generation is older
// than floor. The lock is released by defer so a panic mid-sweep leaves
// it free for the poison handler.
func (b *Backend) sweepBelow(floor uint64) (swept, remaining int, bytes uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, e := range b.entries {
		if e.protected < floor {
			delete(b.entries, key)
			b.stats = b.stats.Sub(backend.StatsForEntry(e.value))
			swept++
		}
	}
	return swept, len(b.entries), b.stats.TotalAsBytes()
}

// usable rejects operations on a closed or poisoned engine. Callers hold
// at least a read lock.
func (b *Backend) usable(op string) error {
	if b.poisoned != "" {
		return errors.LockPoisoned(b.poisoned)
	}
	if b.closed {
		return errors.Closed(op)
	}
	return nil
}

func (b *Backend) publishStorageStats() {
	b.metrics.SetStorage(len(b.entries), b.stats.TotalAsBytes())
}
