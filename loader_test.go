package logdb

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCommitMasterWriteFailureThenRetrySucceeds exercises the master-commit
// append failure path: Commit's append to the shared commit log fails, the
// batch is abandoned, and a fresh batch (with its own BatchCommit) retried
// afterward succeeds once the underlying append stops failing.
func TestCommitMasterWriteFailureThenRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	db, _, commitLog := newTestDatabase(t, "widgets")
	ml := commitLog.(*memLog[CommitRecord])

	b, err := db.Batch()
	require.NoError(t, err)
	tw, _ := b.Tree("widgets")
	require.NoError(t, tw.Write(ctx, []byte("k"), []byte("v")))
	require.NoError(t, b.ReadyCommit(ctx, 1))

	ml.failNextAppends(1)
	_, err = b.Commit(ctx, 1)
	assert.ErrorIs(t, err, ErrCommitMasterWriteFailed)
	require.NoError(t, b.Close(ctx))

	view, err := db.View()
	require.NoError(t, err)
	_, ok, err := view.Read(ctx, "widgets", []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok, "a failed master commit must not become visible")

	retry, err := db.Batch()
	require.NoError(t, err)
	tw, _ = retry.Tree("widgets")
	require.NoError(t, tw.Write(ctx, []byte("k"), []byte("v")))
	require.NoError(t, retry.ReadyCommit(ctx, 2))
	_, err = retry.Commit(ctx, 2)
	require.NoError(t, err, "the retry uses a fresh BatchCommit and the append no longer fails")
	require.NoError(t, retry.Close(ctx))

	fresh, err := db.View()
	require.NoError(t, err)
	val, ok, err := fresh.Read(ctx, "widgets", []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
}

// TestRecoveryDiscardsDanglingReadyCommitWithoutDurableCommit covers the
// crash-after-ready-commit-before-master-commit window: a batch records
// ReadyCommit in every tree's log but the shared commit log never gets the
// corresponding record (simulating a crash in between). Recovery must treat
// it as aborted, not apply it, and must not fail Init over it.
func TestRecoveryDiscardsDanglingReadyCommitWithoutDurableCommit(t *testing.T) {
	ctx := context.Background()
	db, treeLogs, commitLog := newTestDatabase(t, "widgets")

	b, err := db.Batch()
	require.NoError(t, err)
	tw, _ := b.Tree("widgets")
	require.NoError(t, tw.Write(ctx, []byte("k"), []byte("v")))
	require.NoError(t, b.ReadyCommit(ctx, 1))
	// No master commit record is ever appended: the crash happens here.
	require.NoError(t, b.Close(ctx))

	reopened, err := New(Options{Trees: treeLogs, CommitLog: commitLog})
	require.NoError(t, err)
	require.NoError(t, reopened.Init(ctx), "a dangling ready_commit must not fail recovery")

	view, err := reopened.View()
	require.NoError(t, err)
	_, ok, err := view.Read(ctx, "widgets", []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok, "a ready_commit with no durable master record is discarded as aborted")
}

// TestLoadTreeReturnsErrCorruptLogWhenDurableCommitMissingFromTreeLog builds
// the scenario directly: the commit log proves a (batch, batchCommit) pair
// committed, but the tree's own log has no record of it at all (a lost
// record, not an untouched tree, since ReadyCommit is appended to every
// configured tree for every batch).
func TestLoadTreeReturnsErrCorruptLogWhenDurableCommitMissingFromTreeLog(t *testing.T) {
	ctx := context.Background()
	tr := newTree("widgets", newMemLog[Command](), zerolog.Nop())

	durable := map[batchKey]Commit{
		{batch: 5, batchCommit: 7}: Commit(3),
	}

	err := loadTree(ctx, "widgets", tr, durable)
	assert.ErrorIs(t, err, ErrCorruptLog)
}

// TestLoadCommitLogTracksHighWaterMarks confirms loadCommitLog's scan
// correctly reports the highest batch/batch-commit/commit identifiers seen,
// which Init uses to seed its counters past whatever was already durable.
func TestLoadCommitLogTracksHighWaterMarks(t *testing.T) {
	ctx := context.Background()
	cl := newCommitLog(newMemLog[CommitRecord]())

	require.NoError(t, cl.append(ctx, Batch(1), BatchCommit(1), Commit(1)))
	require.NoError(t, cl.append(ctx, Batch(3), BatchCommit(2), Commit(2)))

	durable, maxBatch, maxBatchCommit, maxCommit, err := loadCommitLog(ctx, cl)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), maxBatch)
	assert.Equal(t, uint64(2), maxBatchCommit)
	assert.Equal(t, uint64(2), maxCommit)
	assert.Len(t, durable, 2)
}
