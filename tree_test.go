package logdb

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeWriteCommitRead(t *testing.T) {
	ctx := context.Background()
	tr := newTree("widgets", newMemLog[Command](), zerolog.Nop())

	w := tr.Writer(1)
	require.NoError(t, w.Open(ctx))
	require.NoError(t, w.Write(ctx, []byte("k"), []byte("v")))
	require.NoError(t, w.ReadyCommit(ctx, 1))
	w.Apply(1, 1)
	require.NoError(t, w.Close(ctx))

	val, ok, err := tr.Read(ctx, 2, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
}

func TestTreeReadNotYetVisibleBeforeCommitLimit(t *testing.T) {
	ctx := context.Background()
	tr := newTree("widgets", newMemLog[Command](), zerolog.Nop())

	w := tr.Writer(1)
	require.NoError(t, w.Open(ctx))
	require.NoError(t, w.Write(ctx, []byte("k"), []byte("v")))
	require.NoError(t, w.ReadyCommit(ctx, 1))
	w.Apply(1, 5)
	require.NoError(t, w.Close(ctx))

	_, ok, err := tr.Read(ctx, 5, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok, "a view whose limit excludes commit 5 must not see it")

	_, ok, err = tr.Read(ctx, 6, []byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTreeDeleteTombstonesKey(t *testing.T) {
	ctx := context.Background()
	tr := newTree("widgets", newMemLog[Command](), zerolog.Nop())

	w := tr.Writer(1)
	require.NoError(t, w.Write(ctx, []byte("k"), []byte("v")))
	require.NoError(t, w.ReadyCommit(ctx, 1))
	w.Apply(1, 1)
	require.NoError(t, w.Close(ctx))

	w = tr.Writer(2)
	require.NoError(t, w.Delete(ctx, []byte("k")))
	require.NoError(t, w.ReadyCommit(ctx, 2))
	w.Apply(2, 2)
	require.NoError(t, w.Close(ctx))

	_, ok, err := tr.Read(ctx, 3, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTreeSavePointRollbackExcludesWrite(t *testing.T) {
	ctx := context.Background()
	tr := newTree("widgets", newMemLog[Command](), zerolog.Nop())

	w := tr.Writer(1)
	require.NoError(t, w.Write(ctx, []byte("a"), []byte("1")))
	require.NoError(t, w.PushSavePoint(ctx))
	require.NoError(t, w.Write(ctx, []byte("b"), []byte("2")))
	require.NoError(t, w.RollbackSavePoint(ctx))
	require.NoError(t, w.ReadyCommit(ctx, 1))
	w.Apply(1, 1)
	require.NoError(t, w.Close(ctx))

	_, ok, _ := tr.Read(ctx, 2, []byte("a"))
	assert.True(t, ok)
	_, ok, _ = tr.Read(ctx, 2, []byte("b"))
	assert.False(t, ok)
}
