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
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/unit-io/logdb/metrics"
)

// reservedTreeName is forbidden as a configured tree name: it is the name
// under which the shared commit log would otherwise collide.
const reservedTreeName = "commits"

// Database owns a set of named trees, their shared commit log, and the
// counters that assign batch, batch-commit, and commit identifiers.
// Constructed via New, then brought to a usable state with Init.
type Database struct {
	trees  map[string]*Tree
	commit *commitLog

	nextBatch       idCounter
	nextBatchCommit idCounter
	nextCommit      idCounter
	viewCommitLimit uint64 // atomic, the commit-exclusive bound new views pin

	commitMu sync.Mutex // serializes the whole two-phase commit protocol

	initialized uint32 // atomic, 0 or 1

	Metrics metrics.Metrics
	logger  zerolog.Logger
}

// Options configures a Database at construction.
type Options struct {
	// Trees is the log each configured tree reads and writes through.
	// "commits" is a reserved name and must not appear here.
	Trees map[string]Log[Command]

	// CommitLog is the shared log of master commit records.
	CommitLog Log[CommitRecord]

	// Logger receives structured diagnostic events. Nil defaults to a
	// no-op logger (nothing is written to stdout unasked).
	Logger *zerolog.Logger
}

// New constructs a Database from already-open logs. Init must be called
// before Batch, View, or Sync.
func New(opts Options) (*Database, error) {
	if _, reserved := opts.Trees[reservedTreeName]; reserved {
		return nil, errors.Wrapf(ErrReservedTreeName, "tree %q", reservedTreeName)
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	db := &Database{
		commit:  newCommitLog(opts.CommitLog),
		Metrics: metrics.New(),
		logger:  logger,
	}

	trees := make(map[string]*Tree, len(opts.Trees))
	for name, l := range opts.Trees {
		t := newTree(name, l, logger)
		t.BindMetrics(&db.Metrics)
		trees[name] = t
	}
	db.trees = trees

	return db, nil
}

// Init runs recovery exactly once, reconstructing counters and per-tree
// indexes from durable log state. Must be called before any other
// operation; calling it twice is a programming error.
func (db *Database) Init(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&db.initialized, 0, 1) {
		panic("logdb: Init called more than once")
	}

	result, err := runLoader(ctx, db.commit, db.trees)
	if err != nil {
		atomic.StoreUint32(&db.initialized, 0)
		return errors.Wrap(err, "logdb: init")
	}

	db.nextBatch.seed(result.nextBatch)
	db.nextBatchCommit.seed(result.nextBatchCommit)
	db.nextCommit.seed(result.nextCommit)
	atomic.StoreUint64(&db.viewCommitLimit, result.nextCommit)

	db.logger.Info().
		Uint64("next_batch", result.nextBatch).
		Uint64("next_batch_commit", result.nextBatchCommit).
		Uint64("next_commit", result.nextCommit).
		Msg("logdb: recovered")
	return nil
}

func (db *Database) requireInitialized() error {
	if atomic.LoadUint32(&db.initialized) == 0 {
		return ErrNotInitialized
	}
	return nil
}

// Batch allocates a fresh Batch id and returns a BatchWriter bound to it,
// with one sub-writer per configured tree.
func (db *Database) Batch() (*BatchWriter, error) {
	if err := db.requireInitialized(); err != nil {
		return nil, err
	}

	batch := nextBatch(&db.nextBatch)
	writers := make(map[string]*TreeWriter, len(db.trees))
	for name, t := range db.trees {
		writers[name] = newTreeWriter(t, batch)
	}

	return &BatchWriter{db: db, batch: batch, writers: writers}, nil
}

// View returns a ViewReader pinned to the database's current commit
// visibility bound: it will never observe a commit that becomes visible
// afterward.
func (db *Database) View() (*ViewReader, error) {
	if err := db.requireInitialized(); err != nil {
		return nil, err
	}
	limit := Commit(atomic.LoadUint64(&db.viewCommitLimit))
	return &ViewReader{db: db, limit: limit}, nil
}

// Sync flushes every tree's log concurrently; the first error cancels the
// rest. Ordering across trees is unspecified.
func (db *Database) Sync(ctx context.Context) error {
	if err := db.requireInitialized(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range db.trees {
		t := t
		g.Go(func() error {
			return t.log.Sync(gctx)
		})
	}
	g.Go(func() error {
		return db.commit.sync(gctx)
	})
	return g.Wait()
}

// Tree exposes a tree by name, for callers needing cursor/read access
// outside a view's scope.
func (db *Database) Tree(name string) (*Tree, bool) {
	t, ok := db.trees[name]
	return t, ok
}

// Close releases every tree's log and the shared commit log. Failures
// across trees are aggregated rather than stopping at the first one, so a
// single stuck tree doesn't leak the rest.
func (db *Database) Close() error {
	var merr *multierror.Error
	for name, t := range db.trees {
		if err := t.Close(); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "tree %q", name))
		}
	}
	if err := db.commit.close(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "commit log"))
	}
	if merr != nil {
		return merr.ErrorOrNil()
	}
	return nil
}

// BatchWriter aggregates one TreeWriter per known tree, plus the two-phase
// commit protocol that makes a batch's writes durable and visible.
type BatchWriter struct {
	db      *Database
	batch   Batch
	writers map[string]*TreeWriter
}

// Tree returns the sub-writer for name, or false if name is not configured.
func (w *BatchWriter) Tree(name string) (*TreeWriter, bool) {
	tw, ok := w.writers[name]
	return tw, ok
}

// ReadyCommit runs phase one of the two-phase commit protocol: every tree
// configured in the database records its ReadyCommit marker, whether or
// not the batch wrote to it. If any tree's
// append fails, compensating AbortCommit records are best-effort written to
// the trees that already succeeded; secondary failures there are
// aggregated and logged, never displacing the primary error.
func (w *BatchWriter) ReadyCommit(ctx context.Context, bc BatchCommit) error {
	var ready []*TreeWriter

	for name, tw := range w.writers {
		if err := tw.ReadyCommit(ctx, bc); err != nil {
			w.abortReady(ctx, bc, ready)
			return errors.Wrapf(ErrReadyCommitFailed, "tree %q: %v", name, err)
		}
		ready = append(ready, tw)
	}
	return nil
}

func (w *BatchWriter) abortReady(ctx context.Context, bc BatchCommit, ready []*TreeWriter) {
	var merr *multierror.Error
	for _, tw := range ready {
		if err := tw.AbortCommit(ctx, bc); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr != nil {
		w.db.logger.Error().Err(merr).Msg("logdb: compensating abort_commit failed for one or more trees")
	}
}

// Commit runs phase two: it acquires the database's commit lock, allocates
// the next global Commit number, durably appends the master commit record,
// and then applies every tree's save-point-resolved mutations to its index.
// Once the master commit record is durable, every later step is asserted to
// succeed, never returned as an error: they only touch already-allocated
// in-memory state.
func (w *BatchWriter) Commit(ctx context.Context, bc BatchCommit) (Commit, error) {
	w.db.commitMu.Lock()
	defer w.db.commitMu.Unlock()

	commit := nextCommit(&w.db.nextCommit)

	if err := w.db.commit.append(ctx, w.batch, bc, commit); err != nil {
		w.db.Metrics.Aborts.Inc(1)
		return 0, err
	}

	for _, tw := range w.writers {
		tw.Apply(bc, commit)
	}

	prev := atomic.SwapUint64(&w.db.viewCommitLimit, uint64(commit)+1)
	if Commit(prev) > commit {
		panic("logdb: view_commit_limit moved backward")
	}

	w.db.Metrics.Commits.Inc(1)
	return commit, nil
}

// Close must be called on every tree the batch touched, after Commit
// (successful or not). Failures are aggregated across trees.
func (w *BatchWriter) Close(ctx context.Context) error {
	var merr *multierror.Error
	for name, tw := range w.writers {
		if err := tw.Close(ctx); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "tree %q", name))
		}
	}
	if merr != nil {
		return merr.ErrorOrNil()
	}
	return nil
}

// ViewReader is a read-only handle pinned to a fixed commit visibility
// bound: it never observes a commit made durable after the view was taken.
type ViewReader struct {
	db    *Database
	limit Commit
}

// Read returns the value visible for key in tree as of this view's pin.
func (v *ViewReader) Read(ctx context.Context, tree string, key []byte) ([]byte, bool, error) {
	t, ok := v.db.trees[tree]
	if !ok {
		return nil, false, errors.Wrapf(ErrUnknownTree, "tree %q", tree)
	}
	return t.Read(ctx, v.limit, key)
}

// Cursor returns an ordered cursor over tree as of this view's pin.
func (v *ViewReader) Cursor(tree string) (*Cursor, error) {
	t, ok := v.db.trees[tree]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTree, "tree %q", tree)
	}
	return t.Cursor(v.limit), nil
}
