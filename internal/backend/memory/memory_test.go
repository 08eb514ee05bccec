package memory

import (
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/chainstate/contextstore/internal/backend"
	"github.com/chainstate/contextstore/internal/errors"
	"github.com/chainstate/contextstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// hashOf derives a content hash the way the tree layer would.
func hashOf(value model.ContextValue) model.EntryHash {
	return sha256.Sum256(value)
}

func newTestBackend(t *testing.T, cfg *Config) *Backend {
	t.Helper()
	b := New(cfg, zap.NewNop(), nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func put(t *testing.T, b *Backend, value string) model.EntryHash {
	t.Helper()
	hash := hashOf(model.ContextValue(value))
	_, err := b.Put(hash, model.ContextValue(value))
	require.NoError(t, err)
	return hash
}

func TestGetUnwrittenKey(t *testing.T) {
	b := newTestBackend(t, nil)

	_, found, err := b.Get(hashOf(model.ContextValue("never written")))
	require.NoError(t, err)
	assert.False(t, found)

	found, err = b.Contains(hashOf(model.ContextValue("never written")))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPutGetRoundTrip(t *testing.T) {
	b := newTestBackend(t, nil)

	value := model.ContextValue{1, 2, 3}
	hash := hashOf(value)

	newly, err := b.Put(hash, value)
	require.NoError(t, err)
	assert.True(t, newly)

	got, found, err := b.Get(hash)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, value.Equal(got))

	// Content addressing: re-writing the identical value is safe and
	// reports not-newly-inserted.
	newly, err = b.Put(hash, value)
	require.NoError(t, err)
	assert.False(t, newly)
}

func TestPutBatchAppliesInOrder(t *testing.T) {
	b := newTestBackend(t, nil)

	entries := []model.ContextEntry{
		{Hash: hashOf(model.ContextValue("one")), Value: model.ContextValue("one")},
		{Hash: hashOf(model.ContextValue("two")), Value: model.ContextValue("two")},
	}
	require.NoError(t, b.PutBatch(entries))

	for _, e := range entries {
		got, found, err := b.Get(e.Hash)
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, e.Value.Equal(got))
	}
}

func TestDeleteReturnsPriorValue(t *testing.T) {
	b := newTestBackend(t, nil)

	value := model.ContextValue("short lived")
	hash := hashOf(value)
	_, err := b.Put(hash, value)
	require.NoError(t, err)

	prev, existed, err := b.Delete(hash)
	require.NoError(t, err)
	require.True(t, existed)
	assert.True(t, value.Equal(prev))

	_, existed, err = b.Delete(hash)
	require.NoError(t, err)
	assert.False(t, existed)

	_, found, err := b.Get(hash)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRetainKeepsKeepSetAndReused(t *testing.T) {
	b := newTestBackend(t, nil)

	kept := put(t, b, "kept by keep set")
	reused := put(t, b, "kept by reused mark")
	doomed := put(t, b, "collected")

	b.MarkReused(reused)

	// The keep set wins even with no reused mark.
	require.NoError(t, b.Retain(map[model.EntryHash]struct{}{kept: {}}))

	for _, tc := range []struct {
		hash model.EntryHash
		want bool
	}{
		{kept, true},
		{reused, true},
		{doomed, false},
	} {
		found, err := b.Contains(tc.hash)
		require.NoError(t, err)
		assert.Equal(t, tc.want, found)
	}
}

func TestRetainWithEmptyKeepSet(t *testing.T) {
	b := newTestBackend(t, nil)

	doomed := put(t, b, "unprotected")

	require.NoError(t, b.Retain(nil))

	found, err := b.Contains(doomed)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStartNewCycleClearsReusedSet(t *testing.T) {
	b := newTestBackend(t, nil)

	hash := put(t, b, "reused once")
	b.MarkReused(hash)

	require.NoError(t, b.StartNewCycle(nil))
	b.WaitForGCFinish()

	// The reuse mark from the previous cycle no longer protects.
	require.NoError(t, b.Retain(nil))
	found, err := b.Contains(hash)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReuseMarkRenewedEachCycleProtects(t *testing.T) {
	b := newTestBackend(t, nil)

	hash := put(t, b, "reused every cycle")
	require.NoError(t, b.StartNewCycle(nil))
	b.MarkReused(hash)

	require.NoError(t, b.Retain(nil))
	found, err := b.Contains(hash)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDeferredSweepReclaimsExpiredGenerations(t *testing.T) {
	b := newTestBackend(t, &Config{PreservedCycles: 1})

	stale := put(t, b, "written once, never touched again")
	live := put(t, b, "rewritten every cycle")

	commit := hashOf(model.ContextValue("root-1"))
	require.NoError(t, b.StartNewCycle(&commit))

	// Rewriting promotes the entry into the new generation.
	_, err := b.Put(live, model.ContextValue("rewritten every cycle"))
	require.NoError(t, err)

	commit = hashOf(model.ContextValue("root-2"))
	require.NoError(t, b.StartNewCycle(&commit))
	b.WaitForGCFinish()

	found, err := b.Contains(stale)
	require.NoError(t, err)
	assert.False(t, found, "entry outside the preserved window must be reclaimed")

	found, err = b.Contains(live)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDeferredSweepSparesReusedEntries(t *testing.T) {
	b := newTestBackend(t, &Config{PreservedCycles: 1})

	reused := put(t, b, "old but still referenced")

	require.NoError(t, b.StartNewCycle(nil))
	b.MarkReused(reused)

	require.NoError(t, b.StartNewCycle(nil))
	b.WaitForGCFinish()

	found, err := b.Contains(reused)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestStatsTrackUsage(t *testing.T) {
	b := newTestBackend(t, nil)

	value := model.ContextValue("accounted")
	hash := hashOf(value)
	_, err := b.Put(hash, value)
	require.NoError(t, err)

	want := backend.StatsForEntry(value)
	assert.Equal(t, want, b.Stats())

	usage, err := b.TotalGetMemUsage()
	require.NoError(t, err)
	assert.Equal(t, want.TotalAsBytes(), usage)

	_, _, err = b.Delete(hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b.Stats().TotalAsBytes())
}

func TestReusedKeysBytesFollowMarks(t *testing.T) {
	b := newTestBackend(t, nil)

	hash := put(t, b, "marked")
	b.MarkReused(hash)
	assert.Equal(t, uint64(model.HashSize), b.Stats().ReusedKeysBytes)

	require.NoError(t, b.StartNewCycle(nil))
	b.WaitForGCFinish()
	assert.Equal(t, uint64(0), b.Stats().ReusedKeysBytes)
}

func TestOperationsOnClosedBackend(t *testing.T) {
	b := New(nil, zap.NewNop(), nil)
	require.NoError(t, b.Close())

	_, _, err := b.Get(model.EntryHash{})
	assert.Equal(t, errors.ErrCodeClosed, errors.GetCode(err))

	_, err = b.Put(model.EntryHash{}, model.ContextValue("late"))
	assert.Equal(t, errors.ErrCodeClosed, errors.GetCode(err))
}

func TestNotPersisted(t *testing.T) {
	b := newTestBackend(t, nil)
	assert.False(t, b.IsPersisted())
}

func TestGCCapability(t *testing.T) {
	b := newTestBackend(t, nil)

	gc, ok := backend.GCCapable(b)
	require.True(t, ok)
	assert.NotNil(t, gc)
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	b := newTestBackend(t, nil)
	hash := put(t, b, "immutable")

	got, found, err := b.Get(hash)
	require.NoError(t, err)
	require.True(t, found)
	got[0] = 'X'

	again, found, err := b.Get(hash)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, model.ContextValue("immutable").Equal(again))
}

func TestSweepPanicPoisonsBackend(t *testing.T) {
	b := newTestBackend(t, &Config{PreservedCycles: 1})
	b.sweepHook = func(uint64) { panic("sweep fault") }
	hash := put(t, b, "doomed")

	require.NoError(t, b.StartNewCycle(nil))
	b.WaitForGCFinish()

	_, _, err := b.Get(hash)
	assert.Equal(t, errors.ErrCodeLockPoisoned, errors.GetCode(err))

	_, err = b.Put(hashOf(model.ContextValue("after")), model.ContextValue("after"))
	assert.Equal(t, errors.ErrCodeLockPoisoned, errors.GetCode(err))

	err = b.Retain(map[model.EntryHash]struct{}{hash: {}})
	assert.Equal(t, errors.ErrCodeLockPoisoned, errors.GetCode(err))

	assert.Equal(t, errors.ErrCodeLockPoisoned, errors.GetCode(b.StartNewCycle(nil)))
}

func TestCloseRacingCycleStartDrainsSweeps(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := New(&Config{PreservedCycles: 1}, zap.NewNop(), nil)
		put(t, b, "racer")

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.StartNewCycle(nil)
		}()
		require.NoError(t, b.Close())
		wg.Wait()

		done := make(chan struct{})
		go func() {
			b.WaitForGCFinish()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("WaitForGCFinish stuck after close")
		}
	}
}
