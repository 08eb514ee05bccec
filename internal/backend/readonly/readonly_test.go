package readonly

import (
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/chainstate/contextstore/internal/backend"
	"github.com/chainstate/contextstore/internal/backend/memory"
	"github.com/chainstate/contextstore/internal/ipc"
	"github.com/chainstate/contextstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func hashOf(data []byte) model.EntryHash {
	return model.EntryHash(sha256.Sum256(data))
}

// setup runs a writer-side store behind an IPC listener and connects a
// readonly proxy to it.
func setup(t *testing.T) (*memory.Backend, *Backend) {
	t.Helper()

	store := memory.New(nil, zap.NewNop(), nil)
	socketPath := filepath.Join(t.TempDir(), "context.sock")

	listener, err := ipc.NewContextListener(socketPath, store, nil, zap.NewNop())
	require.NoError(t, err)
	go listener.HandleIncomingConnections()

	proxy, err := Connect(socketPath, &ipc.ClientOptions{ConnectWindow: 2 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = proxy.Close()
		_ = listener.Close()
		_ = store.Close()
	})
	return store, proxy
}

func TestReadsTunnelToWriter(t *testing.T) {
	store, proxy := setup(t)

	value := model.ContextValue("written on the writer side")
	key := hashOf(value)
	_, err := store.Put(key, value)
	require.NoError(t, err)

	got, found, err := proxy.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, value.Equal(got))

	found, err = proxy.Contains(key)
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = proxy.Get(hashOf([]byte("absent")))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWritesAreSilentNoOps(t *testing.T) {
	store, proxy := setup(t)

	value := model.ContextValue("kept")
	key := hashOf(value)
	_, err := store.Put(key, value)
	require.NoError(t, err)

	// Every mutating call succeeds without touching the writer's store.
	newly, err := proxy.Put(hashOf([]byte("new")), model.ContextValue("new"))
	require.NoError(t, err)
	assert.False(t, newly)

	require.NoError(t, proxy.PutBatch([]model.ContextEntry{
		{Hash: hashOf([]byte("batched")), Value: model.ContextValue("batched")},
	}))
	require.NoError(t, proxy.Merge(key, model.ContextValue("merged")))

	prior, existed, err := proxy.Delete(key)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Nil(t, prior)

	require.NoError(t, proxy.Flush())

	// The writer still holds exactly what it held before.
	got, found, err := store.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, value.Equal(got))

	found, err = store.Contains(hashOf([]byte("new")))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProxyTraits(t *testing.T) {
	_, proxy := setup(t)

	assert.False(t, proxy.IsPersisted())

	usage, err := proxy.TotalGetMemUsage()
	require.NoError(t, err)
	assert.Zero(t, usage)

	var b backend.Backend = proxy
	_, ok := backend.GCCapable(b)
	assert.False(t, ok, "the proxy must not expose GC operations")
}

func TestCloseRunsShutdownHandshake(t *testing.T) {
	store, socketPath := memory.New(nil, zap.NewNop(), nil), filepath.Join(t.TempDir(), "context.sock")

	listener, err := ipc.NewContextListener(socketPath, store, nil, zap.NewNop())
	require.NoError(t, err)
	go listener.HandleIncomingConnections()
	defer store.Close()

	proxy, err := Connect(socketPath, &ipc.ClientOptions{ConnectWindow: 2 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, proxy.Close())

	// With the worker shut down cleanly, the listener drains at once.
	require.NoError(t, listener.Close())
}
