/*
 * Copyright 2020 Saffat Technologies, Ltd.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logdb

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/unit-io/logdb/metrics"
)

// Tree is one named, independently logged key/value space within a
// Database. Reads go through its Index; writes go through a TreeWriter
// scoped to one Batch and are only reflected in the Index once their
// BatchCommit is applied by the owning Database's commit protocol.
type Tree struct {
	name    string
	log     Log[Command]
	player  *BatchPlayer
	index   *index
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// newTree constructs a Tree over an already-open log.
func newTree(name string, l Log[Command], logger zerolog.Logger) *Tree {
	return &Tree{
		name:   name,
		log:    l,
		player: NewBatchPlayer(),
		index:  newIndex(),
		logger: logger.With().Str("tree", name).Logger(),
	}
}

// NewTree constructs a standalone Tree over an already-open log, for
// callers managing trees outside a Database (the compaction package uses
// this to build its active/compacting/compacted/compacted_wip slots).
func NewTree(name string, l Log[Command], logger zerolog.Logger) *Tree {
	return newTree(name, l, logger)
}

// Name returns the tree's configured name.
func (t *Tree) Name() string { return t.name }

// BindMetrics attaches the counters this tree's writes and deletes report
// to. Optional; a tree with no bound metrics just doesn't count anywhere.
func (t *Tree) BindMetrics(m *metrics.Metrics) {
	t.metrics = m
}

// Writer returns a TreeWriter scoped to batch, for standalone use outside
// a Database's multi-tree BatchWriter.
func (t *Tree) Writer(batch Batch) *TreeWriter {
	return newTreeWriter(t, batch)
}

// Sync flushes this tree's log to durable storage.
func (t *Tree) Sync(ctx context.Context) error {
	return t.log.Sync(ctx)
}

// Close releases this tree's underlying log. Used when a tree is retired
// (reaped from compaction's trash) or when a Database is shut down; not
// required between individual batches.
func (t *Tree) Close() error {
	return t.log.Close()
}

// Read returns the value visible for key as of commitLimit, or false if the
// key is absent or tombstoned at that point.
func (t *Tree) Read(ctx context.Context, commitLimit Commit, key []byte) ([]byte, bool, error) {
	status, ok := t.index.read(key, commitLimit)
	if !ok || status.Kind == ValueDeleted {
		return nil, false, nil
	}

	cmd, err := t.log.ReadAt(ctx, status.Address)
	if err != nil {
		return nil, false, errors.Wrapf(err, "logdb: read tree %q at %v", t.name, status.Address)
	}
	if cmd.Kind != CmdWrite || !bytes.Equal(cmd.Key, key) {
		return nil, false, errors.Wrapf(ErrUnexpectedRecord, "tree %q address %v", t.name, status.Address)
	}
	return cmd.Value, true, nil
}

// Cursor returns an ordered cursor over every key visible as of commitLimit.
func (t *Tree) Cursor(commitLimit Commit) *Cursor {
	return newCursor(t.index, t.log, commitLimit)
}

// CursorRange returns an ordered cursor restricted to [start, end).
func (t *Tree) CursorRange(commitLimit Commit, start, end []byte) *Cursor {
	return newCursorRange(t.index, t.log, commitLimit, start, end)
}

// TreeWriter is the per-batch, per-tree mutation surface. Every mutating
// call appends one record to the tree's log and records it with the
// BatchPlayer; none of it is visible to readers until Apply runs under the
// database's commit lock.
type TreeWriter struct {
	tree  *Tree
	batch Batch
}

// newTreeWriter returns a TreeWriter scoped to batch.
func newTreeWriter(t *Tree, batch Batch) *TreeWriter {
	return &TreeWriter{tree: t, batch: batch}
}

func (w *TreeWriter) appendRecord(ctx context.Context, cmd Command) error {
	addr, err := w.tree.log.Append(ctx, cmd)
	if err != nil {
		return errors.Wrapf(err, "logdb: append to tree %q", w.tree.name)
	}
	w.tree.player.Record(cmd, addr)
	return nil
}

// Open records the batch's opening marker for this tree.
func (w *TreeWriter) Open(ctx context.Context) error {
	return w.appendRecord(ctx, Command{Kind: CmdOpen, Batch: w.batch})
}

// Write records a key/value write.
func (w *TreeWriter) Write(ctx context.Context, key, value []byte) error {
	if err := w.appendRecord(ctx, Command{Kind: CmdWrite, Batch: w.batch, Key: key, Value: value}); err != nil {
		return err
	}
	if w.tree.metrics != nil {
		w.tree.metrics.Puts.Inc(1)
		w.tree.metrics.BytesWritten.Inc(int64(len(value)))
	}
	return nil
}

// Delete records a tombstone for key.
func (w *TreeWriter) Delete(ctx context.Context, key []byte) error {
	if err := w.appendRecord(ctx, Command{Kind: CmdDelete, Batch: w.batch, Key: key}); err != nil {
		return err
	}
	if w.tree.metrics != nil {
		w.tree.metrics.Deletes.Inc(1)
	}
	return nil
}

// DeleteRange records a tombstone for every key in [start, end).
func (w *TreeWriter) DeleteRange(ctx context.Context, start, end []byte) error {
	return w.appendRecord(ctx, Command{Kind: CmdDeleteRange, Batch: w.batch, StartKey: start, EndKey: end})
}

// PushSavePoint opens a new save-point frame.
func (w *TreeWriter) PushSavePoint(ctx context.Context) error {
	return w.appendRecord(ctx, Command{Kind: CmdPushSavePoint, Batch: w.batch})
}

// PopSavePoint folds the current save-point frame's mutations into the
// enclosing frame.
func (w *TreeWriter) PopSavePoint(ctx context.Context) error {
	return w.appendRecord(ctx, Command{Kind: CmdPopSavePoint, Batch: w.batch})
}

// RollbackSavePoint discards the current save-point frame's mutations.
func (w *TreeWriter) RollbackSavePoint(ctx context.Context) error {
	return w.appendRecord(ctx, Command{Kind: CmdRollbackSavePoint, Batch: w.batch})
}

// ReadyCommit records this tree's half of two-phase commit preparation.
func (w *TreeWriter) ReadyCommit(ctx context.Context, bc BatchCommit) error {
	return w.appendRecord(ctx, Command{Kind: CmdReadyCommit, Batch: w.batch, BatchCommit: bc})
}

// AbortCommit records that a prepared commit attempt was abandoned.
func (w *TreeWriter) AbortCommit(ctx context.Context, bc BatchCommit) error {
	return w.appendRecord(ctx, Command{Kind: CmdAbortCommit, Batch: w.batch, BatchCommit: bc})
}

// Close records the batch's closing marker for this tree. If the append
// itself fails, the player's bookkeeping for this batch is dropped so it
// doesn't linger forever with no way to ever receive a Close.
func (w *TreeWriter) Close(ctx context.Context) error {
	err := w.appendRecord(ctx, Command{Kind: CmdClose, Batch: w.batch})
	if err != nil {
		w.tree.player.EmergencyClose(w.batch)
	}
	return err
}

// Apply resolves this batch's recorded mutations through its save-point
// stack and applies the result to the tree's index at commit. Infallible by
// design: the log append that could fail already happened in ReadyCommit;
// this step only mutates in-memory index state.
func (w *TreeWriter) Apply(bc BatchCommit, commit Commit) {
	ops := w.tree.player.Replay(w.batch, bc)
	iw := w.tree.index.newWriter(commit)
	for _, op := range ops {
		switch op.Kind {
		case IndexOpWrite:
			iw.write(op.Key, op.Address)
		case IndexOpDelete:
			iw.delete(op.Key, op.Address)
		case IndexOpDeleteRange:
			iw.deleteRange(op.StartKey, op.EndKey, op.Address)
		default:
			w.tree.logger.Warn().Uint8("kind", uint8(op.Kind)).Msg("logdb: unknown index op kind during apply")
		}
	}
}
