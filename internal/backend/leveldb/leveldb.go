package leveldb

import (
	"github.com/chainstate/contextstore/internal/errors"
	"github.com/chainstate/contextstore/internal/metrics"
	"github.com/chainstate/contextstore/internal/model"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"
)

// Backend is the durable on-disk engine backed by goleveldb. It keeps the
// full history it is given and is not garbage collected; reclamation is
// the responsibility of a GC-capable engine layered in front of it.
type Backend struct {
	db      *leveldb.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
	wo      *opt.WriteOptions
}

// Config holds on-disk engine configuration
type Config struct {
	// SyncWrites forces an fsync on every write.
	SyncWrites bool
}

// Open opens (or creates) the store under dataDir.
func Open(dataDir string, cfg *Config, logger *zap.Logger, m *metrics.Metrics) (*Backend, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	db, err := leveldb.OpenFile(dataDir, &opt.Options{
		Compression: opt.SnappyCompression,
	})
	if err != nil {
		return nil, errors.Engine("failed to open leveldb store", err)
	}

	logger.Info("LevelDB backend opened",
		zap.String("data_dir", dataDir),
		zap.Bool("sync_writes", cfg.SyncWrites))

	return &Backend{
		db:      db,
		logger:  logger,
		metrics: m,
		wo:      &opt.WriteOptions{Sync: cfg.SyncWrites},
	}, nil
}

// Get retrieves the value stored under key.
func (b *Backend) Get(key model.EntryHash) (model.ContextValue, bool, error) {
	value, err := b.db.Get(key[:], nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Engine("leveldb get failed", err)
	}
	return value, true, nil
}

// Put inserts or overwrites the value stored under key.
func (b *Backend) Put(key model.EntryHash, value model.ContextValue) (bool, error) {
	existed, err := b.db.Has(key[:], nil)
	if err != nil {
		return false, errors.Engine("leveldb existence check failed", err)
	}
	if err := b.db.Put(key[:], value, b.wo); err != nil {
		return false, errors.Engine("leveldb put failed", err)
	}
	b.metrics.IncOp("put")
	return !existed, nil
}

// PutBatch applies the entries as a single atomic leveldb write batch,
// strengthening the contract's per-item default.
func (b *Backend) PutBatch(entries []model.ContextEntry) error {
	batch := new(leveldb.Batch)
	for _, e := range entries {
		batch.Put(e.Hash[:], e.Value)
	}
	if err := b.db.Write(batch, b.wo); err != nil {
		return errors.Engine("leveldb batch write failed", err)
	}
	b.metrics.IncOp("put_batch")
	return nil
}

// Merge overwrites the value stored under key. The on-disk engine has no
// accumulator semantics.
func (b *Backend) Merge(key model.EntryHash, value model.ContextValue) error {
	if err := b.db.Put(key[:], value, b.wo); err != nil {
		return errors.Engine("leveldb merge failed", err)
	}
	b.metrics.IncOp("merge")
	return nil
}

// Delete removes key and returns the prior value, if any.
func (b *Backend) Delete(key model.EntryHash) (model.ContextValue, bool, error) {
	prev, err := b.db.Get(key[:], nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Engine("leveldb get failed", err)
	}
	if err := b.db.Delete(key[:], b.wo); err != nil {
		return nil, false, errors.Engine("leveldb delete failed", err)
	}
	b.metrics.IncOp("delete")
	return prev, true, nil
}

// Contains reports whether key is stored, without transferring the value.
func (b *Backend) Contains(key model.EntryHash) (bool, error) {
	found, err := b.db.Has(key[:], nil)
	if err != nil {
		return false, errors.Engine("leveldb existence check failed", err)
	}
	return found, nil
}

// IsPersisted reports true: the data survives a process restart.
func (b *Backend) IsPersisted() bool {
	return true
}

// TotalGetMemUsage fails: goleveldb cannot report its resident memory
// without racing its own compaction bookkeeping.
func (b *Backend) TotalGetMemUsage() (uint64, error) {
	return 0, errors.MemUsageUnknown("leveldb")
}

// Flush is a no-op: goleveldb journals every write before applying it.
func (b *Backend) Flush() error {
	return nil
}

// Close releases the store.
func (b *Backend) Close() error {
	if err := b.db.Close(); err != nil {
		return errors.Engine("leveldb close failed", err)
	}
	b.logger.Info("LevelDB backend closed")
	return nil
}
