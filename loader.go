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
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// durableCommit identifies one (batch, batchCommit) that reached a durable
// master commit record, and the commit number assigned to it.
type durableCommit struct {
	batch       Batch
	batchCommit BatchCommit
	commit      Commit
}

// loaderResult is everything Init needs to bring a Database to a
// consistent, ready-to-serve state after a restart.
type loaderResult struct {
	nextBatch       uint64
	nextBatchCommit uint64
	nextCommit      uint64
}

// runLoader reconstructs every tree's index and the database's counters
// from durable log state. It is invoked exactly once, from Init.
//
// Step 1 scans the shared commit log to learn which (batch, batchCommit)
// pairs actually committed, and at which commit number. Step 2 fans out
// across trees (independent work until each tree's index is populated) and
// replays each tree's own log through a throwaway BatchPlayer, applying
// only the batches step 1 proved durable; everything else is an aborted or
// in-flight batch and is discarded.
func runLoader(ctx context.Context, cl *commitLog, trees map[string]*Tree) (loaderResult, error) {
	durable, maxBatch, maxBatchCommit, maxCommit, err := loadCommitLog(ctx, cl)
	if err != nil {
		return loaderResult{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, t := range trees {
		name, t := name, t
		g.Go(func() error {
			if err := loadTree(gctx, name, t, durable); err != nil {
				return errors.Wrapf(err, "logdb: load tree %q", name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return loaderResult{}, err
	}

	// Nothing durable yet: every counter starts at 0.
	if len(durable) == 0 {
		return loaderResult{}, nil
	}
	return loaderResult{
		nextBatch:       maxBatch + 1,
		nextBatchCommit: maxBatchCommit + 1,
		nextCommit:      maxCommit + 1,
	}, nil
}

// loadCommitLog scans the shared commit log and returns the set of durable
// (batch, batchCommit) pairs keyed for lookup, plus the highest identifier
// of each kind observed (zero if the log is empty, in which case runLoader
// seeds every counter at 0 rather than at max+1).
func loadCommitLog(ctx context.Context, cl *commitLog) (map[batchKey]Commit, uint64, uint64, uint64, error) {
	durable := make(map[batchKey]Commit)
	var maxBatch, maxBatchCommit, maxCommit uint64
	var seenAny bool

	entries, errc := cl.scan(ctx)
	for entry := range entries {
		rec := entry.Record
		durable[batchKey{rec.Batch, rec.BatchCommit}] = rec.Commit
		if !seenAny || uint64(rec.Batch) > maxBatch {
			maxBatch = uint64(rec.Batch)
		}
		if !seenAny || uint64(rec.BatchCommit) > maxBatchCommit {
			maxBatchCommit = uint64(rec.BatchCommit)
		}
		if !seenAny || uint64(rec.Commit) > maxCommit {
			maxCommit = uint64(rec.Commit)
		}
		seenAny = true
	}
	if err := <-errc; err != nil {
		return nil, 0, 0, 0, errors.Wrap(err, "logdb: scan commit log")
	}

	if !seenAny {
		return durable, 0, 0, 0, nil
	}
	return durable, maxBatch, maxBatchCommit, maxCommit, nil
}

type batchKey struct {
	batch       Batch
	batchCommit BatchCommit
}

// loadTree scans one tree's log, replaying into its index every batch that
// loadCommitLog proved durable, and discarding the rest.
func loadTree(ctx context.Context, name string, t *Tree, durable map[batchKey]Commit) error {
	player := NewBatchPlayer()

	var readyWithoutCommit []batchKey
	ready := make(map[batchKey]bool)

	entries, errc := t.log.Scan(ctx)
	for entry := range entries {
		cmd := entry.Record
		player.Record(cmd, entry.Address)

		if cmd.Kind == CmdReadyCommit {
			key := batchKey{cmd.Batch, cmd.BatchCommit}
			ready[key] = true
			if _, ok := durable[key]; !ok {
				readyWithoutCommit = append(readyWithoutCommit, key)
			}
		}
	}
	if err := <-errc; err != nil {
		return errors.Wrap(err, "logdb: scan tree log")
	}

	// Replayed in ascending commit order: node.append/node.at assume each
	// tree's history entries arrive in the order their commits became
	// visible, and durable's map iteration order is randomized by the
	// runtime, not derived from Commit at all.
	keys := make([]batchKey, 0, len(durable))
	for key := range durable {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return durable[keys[i]] < durable[keys[j]]
	})

	for _, key := range keys {
		commit := durable[key]
		ops := player.Replay(key.batch, key.batchCommit)
		if !ready[key] {
			// ReadyCommit is appended to every configured tree's log for
			// every batch (BatchWriter.ReadyCommit ranges over all
			// writers, not just the trees a batch actually touched), so a
			// durable commit with no matching ReadyCommit in this tree's
			// log means this tree's log lost a record the commit log
			// proves existed.
			return errors.Wrapf(ErrCorruptLog, "tree %q: durable batch %d/%d has no ReadyCommit record", name, key.batch, key.batchCommit)
		}
		iw := t.index.newWriter(commit)
		for _, op := range ops {
			switch op.Kind {
			case IndexOpWrite:
				iw.write(op.Key, op.Address)
			case IndexOpDelete:
				iw.delete(op.Key, op.Address)
			case IndexOpDeleteRange:
				iw.deleteRange(op.StartKey, op.EndKey, op.Address)
			}
		}
	}

	for _, key := range readyWithoutCommit {
		t.logger.Warn().Uint64("batch", uint64(key.batch)).
			Uint64("batch_commit", uint64(key.batchCommit)).
			Msg("logdb: ready_commit with no durable master record, treating as aborted")
	}

	return nil
}
