package compaction

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unit-io/logdb"
	"github.com/unit-io/logdb/storelog"
)

func newTestFactory() (TreeFactory, *int) {
	var n int
	factory := func() (*logdb.Tree, error) {
		n++
		return logdb.NewTree("widgets", storelog.NewMemLog[logdb.Command](), zerolog.Nop()), nil
	}
	return factory, &n
}

func writeKey(ctx context.Context, t *testing.T, m *Manager, key, value string) {
	t.Helper()
	b := m.Batch()
	require.NoError(t, b.Write(ctx, []byte(key), []byte(value)))
	_, err := b.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))
}

func TestManagerReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	factory, _ := newTestFactory()
	m, err := NewManager(factory, zerolog.Nop())
	require.NoError(t, err)

	writeKey(ctx, t, m, "k", "v")

	val, ok, err := m.Read(ctx, logdb.Commit(^uint64(0)>>1), []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
}

func TestManagerCompactPreservesReads(t *testing.T) {
	ctx := context.Background()
	factory, calls := newTestFactory()
	m, err := NewManager(factory, zerolog.Nop())
	require.NoError(t, err)

	writeKey(ctx, t, m, "a", "1")
	writeKey(ctx, t, m, "b", "2")

	ran, err := m.Compact(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 3, *calls, "compaction allocates a fresh active and a compacted_wip tree")

	const maxCommit = logdb.Commit(^uint64(0) >> 1)
	val, ok, err := m.Read(ctx, maxCommit, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), val)

	val, ok, err = m.Read(ctx, maxCommit, []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), val)
}

func TestManagerCompactKeepsNewerValueOnOverwrite(t *testing.T) {
	ctx := context.Background()
	factory, _ := newTestFactory()
	m, err := NewManager(factory, zerolog.Nop())
	require.NoError(t, err)

	writeKey(ctx, t, m, "k", "old")
	writeKey(ctx, t, m, "k", "new")

	_, err = m.Compact(ctx)
	require.NoError(t, err)

	const maxCommit = logdb.Commit(^uint64(0) >> 1)
	val, ok, err := m.Read(ctx, maxCommit, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), val)
}

func TestManagerSecondCompactWhileFirstInFlightIsNoOp(t *testing.T) {
	ctx := context.Background()
	factory, _ := newTestFactory()
	m, err := NewManager(factory, zerolog.Nop())
	require.NoError(t, err)

	writeKey(ctx, t, m, "k", "v")

	m.stateMu.Lock()
	m.state = Compacting
	m.stateMu.Unlock()

	ran, err := m.Compact(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestManagerPinViewDefersReap(t *testing.T) {
	ctx := context.Background()
	factory, _ := newTestFactory()
	m, err := NewManager(factory, zerolog.Nop())
	require.NoError(t, err)

	writeKey(ctx, t, m, "k", "v")
	_, err = m.Compact(ctx)
	require.NoError(t, err)

	release := m.PinView()

	writeKey(ctx, t, m, "j", "w")
	_, err = m.Compact(ctx)
	require.NoError(t, err)

	m.treesMu.RLock()
	trashLen := len(m.slots.trash)
	m.treesMu.RUnlock()
	assert.NotZero(t, trashLen, "a pinned generation must not be reaped while the view is open")

	release()

	m.treesMu.RLock()
	trashLenAfter := len(m.slots.trash)
	m.treesMu.RUnlock()
	assert.Less(t, trashLenAfter, trashLen, "releasing the pin allows the next reap to drop it")
}
