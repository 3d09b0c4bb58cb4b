package logdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDatabase(t *testing.T, trees ...string) (*Database, map[string]Log[Command], Log[CommitRecord]) {
	t.Helper()
	treeLogs := make(map[string]Log[Command], len(trees))
	for _, name := range trees {
		treeLogs[name] = newMemLog[Command]()
	}
	commitLog := newMemLog[CommitRecord]()

	db, err := New(Options{Trees: treeLogs, CommitLog: commitLog})
	require.NoError(t, err)
	require.NoError(t, db.Init(context.Background()))
	return db, treeLogs, commitLog
}

func TestDatabaseBatchCommitAndView(t *testing.T) {
	ctx := context.Background()
	db, _, _ := newTestDatabase(t, "widgets")

	b, err := db.Batch()
	require.NoError(t, err)
	tw, ok := b.Tree("widgets")
	require.True(t, ok)
	require.NoError(t, tw.Open(ctx))
	require.NoError(t, tw.Write(ctx, []byte("k"), []byte("v")))
	require.NoError(t, b.ReadyCommit(ctx, 1))
	_, err = b.Commit(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))

	view, err := db.View()
	require.NoError(t, err)
	val, ok, err := view.Read(ctx, "widgets", []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
}

func TestDatabaseRejectsReservedTreeName(t *testing.T) {
	_, err := New(Options{
		Trees:     map[string]Log[Command]{"commits": newMemLog[Command]()},
		CommitLog: newMemLog[CommitRecord](),
	})
	assert.ErrorIs(t, err, ErrReservedTreeName)
}

func TestDatabaseViewDoesNotSeeLaterCommits(t *testing.T) {
	ctx := context.Background()
	db, _, _ := newTestDatabase(t, "widgets")

	view, err := db.View()
	require.NoError(t, err)

	b, err := db.Batch()
	require.NoError(t, err)
	tw, _ := b.Tree("widgets")
	require.NoError(t, tw.Write(ctx, []byte("k"), []byte("v")))
	require.NoError(t, b.ReadyCommit(ctx, 1))
	_, err = b.Commit(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))

	_, ok, err := view.Read(ctx, "widgets", []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok, "a view taken before the commit must not observe it")

	fresh, err := db.View()
	require.NoError(t, err)
	_, ok, err = fresh.Read(ctx, "widgets", []byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDatabaseRecoveryReplaysDurableCommits(t *testing.T) {
	ctx := context.Background()
	db, treeLogs, commitLog := newTestDatabase(t, "widgets")

	b, err := db.Batch()
	require.NoError(t, err)
	tw, _ := b.Tree("widgets")
	require.NoError(t, tw.Write(ctx, []byte("k"), []byte("v")))
	require.NoError(t, b.ReadyCommit(ctx, 1))
	_, err = b.Commit(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))

	// Simulate a restart: a fresh Database over the same underlying logs.
	reopened, err := New(Options{Trees: treeLogs, CommitLog: commitLog})
	require.NoError(t, err)
	require.NoError(t, reopened.Init(ctx))

	view, err := reopened.View()
	require.NoError(t, err)
	val, ok, err := view.Read(ctx, "widgets", []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
}

func TestDatabaseReadyCommitFailureAbortsAlreadyReadyTrees(t *testing.T) {
	ctx := context.Background()
	db, treeLogs, _ := newTestDatabase(t, "a", "b")

	b, err := db.Batch()
	require.NoError(t, err)
	twB, _ := b.Tree("b")
	require.NoError(t, twB.Write(ctx, []byte("k"), []byte("v")))

	// Close "b"'s underlying log early so its ReadyCommit append fails.
	// Trees are readied in map order, so "a" is readied only when it comes
	// first; whenever it was, it must also carry a compensating AbortCommit.
	require.NoError(t, treeLogs["b"].Close())

	err = b.ReadyCommit(ctx, 1)
	assert.ErrorIs(t, err, ErrReadyCommitFailed)

	var readied, aborted bool
	entries, errc := treeLogs["a"].Scan(ctx)
	for e := range entries {
		switch e.Record.Kind {
		case CmdReadyCommit:
			readied = true
		case CmdAbortCommit:
			aborted = true
		}
	}
	require.NoError(t, <-errc)
	assert.Equal(t, readied, aborted, "a tree readied before the failure must receive a compensating AbortCommit")
}

func TestDatabaseOperationsFailBeforeInit(t *testing.T) {
	db, err := New(Options{
		Trees:     map[string]Log[Command]{"widgets": newMemLog[Command]()},
		CommitLog: newMemLog[CommitRecord](),
	})
	require.NoError(t, err)

	_, err = db.Batch()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = db.View()
	assert.ErrorIs(t, err, ErrNotInitialized)
}
