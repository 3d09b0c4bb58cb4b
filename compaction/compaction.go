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

// Package compaction implements the rotation protocol that replaces a
// tree's active log and in-memory index with a compacted pair, while
// concurrent readers and writers against the tree stay correct. It is
// parameterized over the same Tree/Index/Log abstractions the core uses
// and runs only when its caller invokes Manager.Compact, never automatically
// on a timer.
package compaction

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/unit-io/logdb"
	"github.com/unit-io/logdb/metrics"
)

// State is the two-state compaction machine: at most one compaction runs
// against a Manager at a time.
type State int

const (
	NotCompacting State = iota
	Compacting
)

// TreeFactory builds a fresh, empty tree for a rotation slot (active,
// compacted_wip). Typically backed by a new storelog.FileLog or
// storelog.MemLog under a fresh file name chosen by the caller.
type TreeFactory func() (*logdb.Tree, error)

// tracked pairs a tree with the reference count of live views pinning it.
// The same *tracked value follows a tree from its service slot (compacting,
// compacted) into trash when it is retired, so a view that pinned it before
// retirement and releases after still finds the count it incremented.
type tracked struct {
	tree     *logdb.Tree
	refCount int32
}

// slots holds the four tree roles a Manager rotates between, plus the
// trash list of retired trees awaiting reap.
type slots struct {
	active       *logdb.Tree
	compacting   *tracked
	compacted    *tracked
	compactedWIP *logdb.Tree
	trash        []*tracked
}

// Manager owns one logical tree's compaction lifecycle: the rotation
// between active/compacting/compacted/compacted_wip slots, and reference-
// counted retirement of trees no live view still pins.
type Manager struct {
	factory TreeFactory
	logger  zerolog.Logger

	stateMu sync.Mutex
	state   State

	treesMu sync.RWMutex
	slots   slots

	genMu sync.Mutex
	gen   *sync.WaitGroup // outstanding batch writers against the current active tree

	nextBatch       uint64
	nextBatchCommit uint64
	nextCommit      uint64
	lastCommit      int64 // atomic, highest commit applied by any of this Manager's batches, -1 if none

	commitMu sync.Mutex

	Metrics metrics.Metrics
}

// NewManager constructs a Manager whose initial active tree is built by
// factory.
func NewManager(factory TreeFactory, logger zerolog.Logger) (*Manager, error) {
	active, err := factory()
	if err != nil {
		return nil, errors.Wrap(err, "compaction: build initial active tree")
	}
	m := &Manager{
		factory:    factory,
		logger:     logger,
		gen:        &sync.WaitGroup{},
		lastCommit: -1,
		Metrics:    metrics.New(),
	}
	active.BindMetrics(&m.Metrics)
	m.slots.active = active
	return m, nil
}

// Read searches active, then compacting, then compacted, in that order,
// returning the first hit.
func (m *Manager) Read(ctx context.Context, commitLimit logdb.Commit, key []byte) ([]byte, bool, error) {
	for _, t := range m.searchOrder() {
		val, ok, err := t.Read(ctx, commitLimit, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return val, true, nil
		}
	}
	return nil, false, nil
}

func (m *Manager) searchOrder() []*logdb.Tree {
	m.treesMu.RLock()
	defer m.treesMu.RUnlock()
	order := make([]*logdb.Tree, 0, 3)
	if m.slots.active != nil {
		order = append(order, m.slots.active)
	}
	if m.slots.compacting != nil {
		order = append(order, m.slots.compacting.tree)
	}
	if m.slots.compacted != nil {
		order = append(order, m.slots.compacted.tree)
	}
	return order
}

// BatchWriter is a Manager-scoped batch: one TreeWriter against whichever
// tree was active when the batch was opened, tracked so a rotation knows
// when it is safe to start merging that tree.
type BatchWriter struct {
	m       *Manager
	writer  *logdb.TreeWriter
	bc      logdb.BatchCommit
	genDone bool
}

// Batch opens a new batch against the current active tree.
func (m *Manager) Batch() *BatchWriter {
	m.treesMu.RLock()
	active := m.slots.active
	m.treesMu.RUnlock()

	m.genMu.Lock()
	m.gen.Add(1)
	m.genMu.Unlock()

	batch := logdb.Batch(atomic.AddUint64(&m.nextBatch, 1) - 1)
	bc := logdb.BatchCommit(atomic.AddUint64(&m.nextBatchCommit, 1) - 1)

	return &BatchWriter{m: m, writer: active.Writer(batch), bc: bc}
}

// Write appends a key/value write.
func (b *BatchWriter) Write(ctx context.Context, key, value []byte) error {
	return b.writer.Write(ctx, key, value)
}

// Delete appends a tombstone.
func (b *BatchWriter) Delete(ctx context.Context, key []byte) error {
	return b.writer.Delete(ctx, key)
}

// Commit applies this batch's writes to its tree's index at a fresh commit
// number and records that number as the Manager's highest applied commit,
// so a subsequent rotation knows where to set its merge's commit_limit.
func (b *BatchWriter) Commit(ctx context.Context) (logdb.Commit, error) {
	if err := b.writer.ReadyCommit(ctx, b.bc); err != nil {
		return 0, errors.Wrap(err, "compaction: ready_commit")
	}

	b.m.commitMu.Lock()
	defer b.m.commitMu.Unlock()

	commit := logdb.Commit(atomic.AddUint64(&b.m.nextCommit, 1) - 1)
	b.writer.Apply(b.bc, commit)

	for {
		prev := atomic.LoadInt64(&b.m.lastCommit)
		if int64(commit) <= prev {
			break
		}
		if atomic.CompareAndSwapInt64(&b.m.lastCommit, prev, int64(commit)) {
			break
		}
	}
	return commit, nil
}

// Close releases this batch's slot in the generation waitgroup a rotation
// waits on, and appends the tree's Close marker.
func (b *BatchWriter) Close(ctx context.Context) error {
	err := b.writer.Close(ctx)
	if !b.genDone {
		b.m.genMu.Lock()
		b.m.gen.Done()
		b.genDone = true
		b.m.genMu.Unlock()
	}
	return err
}

// Compact runs one rotation: active becomes compacting, a fresh active and
// compacted_wip are created, outstanding writers against the old active
// (now compacting) are awaited, the compacting+compacted trees are merged
// into compacted_wip in key order, and finally compacted_wip is promoted to
// compacted while compacting and the old compacted move to trash. Returns
// false without doing any work if a compaction is already in flight.
func (m *Manager) Compact(ctx context.Context) (bool, error) {
	m.stateMu.Lock()
	if m.state == Compacting {
		m.stateMu.Unlock()
		return false, nil
	}
	m.state = Compacting
	m.stateMu.Unlock()

	defer func() {
		m.stateMu.Lock()
		m.state = NotCompacting
		m.stateMu.Unlock()
	}()

	if err := m.rotate(); err != nil {
		return true, err
	}

	oldGen, commitLimit := m.freezeGeneration()
	oldGen.Wait()

	if err := m.mergeInto(ctx, commitLimit); err != nil {
		return true, err
	}

	m.promote()
	m.Metrics.Compactions.Inc(1)
	return true, nil
}

// rotate moves the current active tree into compacting, and allocates a
// fresh active and compacted_wip tree.
func (m *Manager) rotate() error {
	m.treesMu.Lock()
	defer m.treesMu.Unlock()

	if m.slots.compacting != nil || m.slots.compactedWIP != nil {
		return errors.New("compaction: rotate called with a compaction already staged")
	}

	fresh, err := m.factory()
	if err != nil {
		return errors.Wrap(err, "compaction: build fresh active tree")
	}
	fresh.BindMetrics(&m.Metrics)
	wip, err := m.factory()
	if err != nil {
		return errors.Wrap(err, "compaction: build compacted_wip tree")
	}
	wip.BindMetrics(&m.Metrics)

	m.slots.compacting = &tracked{tree: m.slots.active}
	m.slots.active = fresh
	m.slots.compactedWIP = wip

	m.genMu.Lock()
	m.gen = &sync.WaitGroup{}
	m.genMu.Unlock()

	return nil
}

// freezeGeneration returns the waitgroup that must drain before merging
// (the generation of batches opened against the tree now in `compacting`),
// and the commit_limit to merge at: one past the highest commit ever
// applied to that tree.
func (m *Manager) freezeGeneration() (*sync.WaitGroup, logdb.Commit) {
	m.genMu.Lock()
	frozen := m.gen
	m.genMu.Unlock()

	last := atomic.LoadInt64(&m.lastCommit)
	return frozen, logdb.Commit(last + 1)
}

// mergeInto streams compacting and compacted (if present) in key order at
// commitLimit, keeping only the latest visible value per key, and writes
// the result into compacted_wip as a single synthetic batch.
func (m *Manager) mergeInto(ctx context.Context, commitLimit logdb.Commit) error {
	m.treesMu.RLock()
	compacting := m.slots.compacting.tree
	var compacted *logdb.Tree
	if m.slots.compacted != nil {
		compacted = m.slots.compacted.tree
	}
	wip := m.slots.compactedWIP
	m.treesMu.RUnlock()

	merged := newMergeCursor(compacting, compacted, commitLimit)

	writer := wip.Writer(logdb.CompactedBatch)
	if err := writer.Open(ctx); err != nil {
		return errors.Wrap(err, "compaction: open compacted_wip batch")
	}

	var n int
	for merged.Next() {
		if err := writer.Write(ctx, merged.Key(), merged.Value()); err != nil {
			return errors.Wrap(err, "compaction: write to compacted_wip")
		}
		n++
	}
	if err := merged.Err(); err != nil {
		return errors.Wrap(err, "compaction: merge cursor")
	}

	if err := writer.ReadyCommit(ctx, logdb.CompactedBatchCommit); err != nil {
		return errors.Wrap(err, "compaction: ready_commit compacted_wip")
	}
	writer.Apply(logdb.CompactedBatchCommit, 0)
	if err := writer.Close(ctx); err != nil {
		return errors.Wrap(err, "compaction: close compacted_wip batch")
	}

	m.logger.Info().Int("keys", n).Msg("compaction: merge complete")
	return nil
}

// promote retires compacting and the old compacted into trash (carrying
// over whatever reference count PinView already accumulated on them), and
// makes compacted_wip the new compacted.
func (m *Manager) promote() {
	m.treesMu.Lock()
	defer m.treesMu.Unlock()

	if m.slots.compacting != nil {
		m.slots.trash = append(m.slots.trash, m.slots.compacting)
	}
	if m.slots.compacted != nil {
		m.slots.trash = append(m.slots.trash, m.slots.compacted)
	}
	m.slots.compacted = &tracked{tree: m.slots.compactedWIP}
	m.slots.compacting = nil
	m.slots.compactedWIP = nil

	m.reapLocked()
}

// PinView increments the reference count of the compacting/compacted trees
// currently in service, so a rotation racing with an open view never reaps
// a tree that view still reads from. Returns a release function the caller
// must call exactly once when the view closes.
func (m *Manager) PinView() (release func()) {
	m.treesMu.Lock()
	defer m.treesMu.Unlock()

	var pinned []*tracked
	if m.slots.compacting != nil {
		atomic.AddInt32(&m.slots.compacting.refCount, 1)
		pinned = append(pinned, m.slots.compacting)
	}
	if m.slots.compacted != nil {
		atomic.AddInt32(&m.slots.compacted.refCount, 1)
		pinned = append(pinned, m.slots.compacted)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.treesMu.Lock()
			for _, t := range pinned {
				atomic.AddInt32(&t.refCount, -1)
			}
			m.reapLocked()
			m.treesMu.Unlock()
		})
	}
}

// reapLocked closes and drops every trash entry with a zero reference
// count. Must be called with treesMu held.
func (m *Manager) reapLocked() {
	kept := m.slots.trash[:0]
	for _, e := range m.slots.trash {
		if atomic.LoadInt32(&e.refCount) <= 0 {
			if err := e.tree.Close(); err != nil {
				m.logger.Warn().Err(err).Msg("compaction: close on retired tree during reap failed")
			}
			continue
		}
		kept = append(kept, e)
	}
	m.slots.trash = kept
}
