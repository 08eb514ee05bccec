package readonly

import (
	"github.com/chainstate/contextstore/internal/ipc"
	"github.com/chainstate/contextstore/internal/model"
	"go.uber.org/zap"
)

// Backend is the read-only proxy engine used by non-writing processes.
// Reads tunnel through the context IPC protocol to the writer; every
// mutating call is a silent no-op, so code written against the full
// contract runs unchanged in a reader process. Not garbage collected:
// GC state is writer-local.
type Backend struct {
	client *ipc.ContextClient
	logger *zap.Logger
}

// Connect dials the writer's endpoint at socketPath. Blocks while the
// socket file has not appeared yet, up to the client's connect window.
func Connect(socketPath string, opts *ipc.ClientOptions, logger *zap.Logger) (*Backend, error) {
	client, err := ipc.TryConnect(socketPath, opts, logger)
	if err != nil {
		return nil, err
	}
	return &Backend{client: client, logger: logger}, nil
}

// Get fetches the value from the writer's store.
func (b *Backend) Get(key model.EntryHash) (model.ContextValue, bool, error) {
	return b.client.GetEntry(key)
}

// Put is a no-op: this context is readonly.
func (b *Backend) Put(key model.EntryHash, value model.ContextValue) (bool, error) {
	return false, nil
}

// PutBatch is a no-op: this context is readonly.
func (b *Backend) PutBatch(entries []model.ContextEntry) error {
	return nil
}

// Merge is a no-op: this context is readonly.
func (b *Backend) Merge(key model.EntryHash, value model.ContextValue) error {
	return nil
}

// Delete is a no-op: this context is readonly.
func (b *Backend) Delete(key model.EntryHash) (model.ContextValue, bool, error) {
	return nil, false, nil
}

// Contains checks existence against the writer's store.
func (b *Backend) Contains(key model.EntryHash) (bool, error) {
	return b.client.ContainsEntry(key)
}

// IsPersisted reports false: the proxy holds no data of its own.
func (b *Backend) IsPersisted() bool {
	return false
}

// TotalGetMemUsage reports zero: the proxy holds no data of its own.
func (b *Backend) TotalGetMemUsage() (uint64, error) {
	return 0, nil
}

// Flush is a no-op: this context is readonly.
func (b *Backend) Flush() error {
	return nil
}

// Close ends this reader's connection, terminating its server-side
// worker through the shutdown handshake.
func (b *Backend) Close() error {
	if err := b.client.Shutdown(); err != nil {
		b.logger.Warn("IPC shutdown handshake failed, closing anyway", zap.Error(err))
	}
	return b.client.Close()
}
