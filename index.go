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
	"sync"

	"github.com/google/btree"
)

// ValueKind discriminates the two shapes a history entry can take.
type ValueKind uint8

const (
	// ValueWritten means the key held a value, readable at Address.
	ValueWritten ValueKind = iota
	// ValueDeleted means the key was tombstoned at this commit.
	ValueDeleted
)

// ValueStatus is one version of a key: either a live value at some log
// address, or a tombstone.
type ValueStatus struct {
	Kind    ValueKind
	Address Address
}

// historyEntry is one version of a node, ordered by increasing Commit.
type historyEntry struct {
	commit Commit
	status ValueStatus
}

// node is the index's per-key record: an append-only, newest-last history
// of versions. A node with an empty history is equivalent to an absent key
// (pruned only by compaction, never by live writers or readers).
type node struct {
	mu      sync.RWMutex
	key     []byte
	history []historyEntry
}

// newest returns the last-appended history entry, if any.
func (n *node) newest() (historyEntry, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.history) == 0 {
		return historyEntry{}, false
	}
	return n.history[len(n.history)-1], true
}

// at returns the value visible to a reader whose snapshot excludes every
// commit >= limit: the newest entry strictly older than limit.
func (n *node) at(limit Commit) (ValueStatus, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for i := len(n.history) - 1; i >= 0; i-- {
		if n.history[i].commit < limit {
			return n.history[i].status, true
		}
	}
	return ValueStatus{}, false
}

// append adds a new version, unless the newest entry already carries
// commit (the per-commit duplicate-suppression invariant: a key receives at
// most one history entry per commit). Returns whether it appended.
func (n *node) append(commit Commit, status ValueStatus) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.history) > 0 && n.history[len(n.history)-1].commit == commit {
		return false
	}
	n.history = append(n.history, historyEntry{commit: commit, status: status})
	return true
}

// index is the per-tree keyed map from key to node, backed by an ordered
// B-tree so cursor traversal and range enumeration are native tree walks
// rather than a second, separately maintained linked list.
type index struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*node]
}

func lessNode(a, b *node) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// newIndex constructs an empty index.
func newIndex() *index {
	return &index{tree: btree.NewG(32, lessNode)}
}

// read looks up key as of commit limit: visible entries are those with
// commit strictly less than limit.
func (ix *index) read(key []byte, limit Commit) (ValueStatus, bool) {
	ix.mu.RLock()
	n, ok := ix.tree.Get(&node{key: key})
	ix.mu.RUnlock()
	if !ok {
		return ValueStatus{}, false
	}
	return n.at(limit)
}

// getOrCreate returns the node for key, inserting an empty one if absent.
func (ix *index) getOrCreate(key []byte) *node {
	ix.mu.RLock()
	n, ok := ix.tree.Get(&node{key: key})
	ix.mu.RUnlock()
	if ok {
		return n
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if n, ok := ix.tree.Get(&node{key: key}); ok {
		return n
	}
	owned := make([]byte, len(key))
	copy(owned, key)
	n = &node{key: owned}
	ix.tree.ReplaceOrInsert(n)
	return n
}

// writer is the per-commit handle used to apply one batch's resolved
// operations to the index. Obtained under the database's commit-ordering
// lock, so every append it performs carries the same commit number.
type writer struct {
	ix     *index
	commit Commit
}

// newWriter returns an IndexWriter bound to commit.
func (ix *index) newWriter(commit Commit) *writer {
	return &writer{ix: ix, commit: commit}
}

// write appends a Written(addr) entry for key.
func (w *writer) write(key []byte, addr Address) {
	n := w.ix.getOrCreate(key)
	n.append(w.commit, ValueStatus{Kind: ValueWritten, Address: addr})
}

// delete appends a Deleted(addr) entry for key, recording the address of
// the tombstone record itself (useful for diagnostics and compaction).
func (w *writer) delete(key []byte, addr Address) {
	n := w.ix.getOrCreate(key)
	n.append(w.commit, ValueStatus{Kind: ValueDeleted, Address: addr})
}

// deleteRange tombstones every existing key in [start, end) at addr,
// skipping any node whose newest entry already carries this writer's
// commit — those are keys the same batch already resolved via write/delete,
// and re-stamping them would create a second entry at the same commit.
func (w *writer) deleteRange(start, end []byte, addr Address) {
	w.ix.mu.RLock()
	var matched []*node
	w.ix.tree.AscendRange(&node{key: start}, &node{key: end}, func(n *node) bool {
		matched = append(matched, n)
		return true
	})
	w.ix.mu.RUnlock()

	for _, n := range matched {
		if newest, ok := n.newest(); ok && newest.commit == w.commit {
			continue
		}
		n.append(w.commit, ValueStatus{Kind: ValueDeleted, Address: addr})
	}
}
