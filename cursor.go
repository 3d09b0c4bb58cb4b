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
	"sort"

	"github.com/pkg/errors"
)

// Cursor walks an index's keys in order, as of a fixed commit limit. It is
// not safe for concurrent use by multiple goroutines. Its key set is fixed
// when the cursor is created: the constructor copies the matching node
// pointers into a slice under the index's read lock, so keys inserted later
// are not seen, and each node's visibility is still judged at the cursor's
// commit limit.
//
// pos ranges over [-1, len(keys)]: -1 means "before the first key" (the
// starting position for Next/SeekFirst), len(keys) means "after the last
// key" (the starting position for Prev/SeekLast). Next and Prev are mirror
// images of each other, so seek_first→next* and seek_last→prev* walk the
// same visible keys in opposite order.
type Cursor struct {
	ix    *index
	log   Log[Command]
	limit Commit

	keys []*node
	pos  int
}

// newCursor builds a cursor over every node in the index, positioned before
// the first entry. Call Next to advance.
func newCursor(ix *index, l Log[Command], limit Commit) *Cursor {
	ix.mu.RLock()
	keys := make([]*node, 0, ix.tree.Len())
	ix.tree.Ascend(func(n *node) bool {
		keys = append(keys, n)
		return true
	})
	ix.mu.RUnlock()

	return &Cursor{ix: ix, log: l, limit: limit, keys: keys, pos: -1}
}

// newCursorRange builds a cursor restricted to keys in [start, end).
func newCursorRange(ix *index, l Log[Command], limit Commit, start, end []byte) *Cursor {
	ix.mu.RLock()
	var keys []*node
	ix.tree.AscendRange(&node{key: start}, &node{key: end}, func(n *node) bool {
		keys = append(keys, n)
		return true
	})
	ix.mu.RUnlock()

	return &Cursor{ix: ix, log: l, limit: limit, keys: keys, pos: -1}
}

// Next advances the cursor to the next key visible at the cursor's commit
// limit (skipping keys that are absent or tombstoned at that point), and
// reports whether it landed on one.
func (c *Cursor) Next() bool {
	if c.pos > len(c.keys) {
		c.pos = len(c.keys)
	}
	for c.pos++; c.pos < len(c.keys); c.pos++ {
		if status, ok := c.keys[c.pos].at(c.limit); ok && status.Kind == ValueWritten {
			return true
		}
	}
	return false
}

// Prev moves the cursor to the previous key visible at the cursor's commit
// limit, and reports whether it landed on one. Mirrors Next; used with
// SeekLast to walk the index in descending order.
func (c *Cursor) Prev() bool {
	if c.pos < -1 {
		c.pos = -1
	}
	for c.pos--; c.pos >= 0; c.pos-- {
		if status, ok := c.keys[c.pos].at(c.limit); ok && status.Kind == ValueWritten {
			return true
		}
	}
	return false
}

// Valid reports whether the cursor is currently positioned on a visible
// entry. Key, Address, and Value are only meaningful when Valid is true.
func (c *Cursor) Valid() bool {
	return c.pos >= 0 && c.pos < len(c.keys)
}

// SeekFirst repositions the cursor to the first visible key, equivalent to
// the first Next call on a freshly built cursor.
func (c *Cursor) SeekFirst() bool {
	c.pos = -1
	return c.Next()
}

// SeekLast repositions the cursor to the last visible key.
func (c *Cursor) SeekLast() bool {
	c.pos = len(c.keys)
	return c.Prev()
}

// SeekKey positions the cursor at the first visible key >= key, for forward
// iteration via Next.
func (c *Cursor) SeekKey(key []byte) bool {
	c.pos = sort.Search(len(c.keys), func(i int) bool {
		return bytes.Compare(c.keys[i].key, key) >= 0
	}) - 1
	return c.Next()
}

// SeekKeyRev positions the cursor at the last visible key <= key, for
// backward iteration via Prev.
func (c *Cursor) SeekKeyRev(key []byte) bool {
	c.pos = sort.Search(len(c.keys), func(i int) bool {
		return bytes.Compare(c.keys[i].key, key) > 0
	})
	return c.Prev()
}

// Key returns the key at the cursor's current position. Valid only when
// Valid reports true.
func (c *Cursor) Key() []byte {
	return c.keys[c.pos].key
}

// Address returns the log address of the value at the cursor's current
// position.
func (c *Cursor) Address() Address {
	status, _ := c.keys[c.pos].at(c.limit)
	return status.Address
}

// Value resolves and returns the value at the cursor's current position by
// reading it back from the tree's log. Returns ok=false if the entry is no
// longer visible (tombstoned since the cursor was positioned here).
func (c *Cursor) Value(ctx context.Context) ([]byte, bool, error) {
	if !c.Valid() {
		return nil, false, nil
	}
	status, ok := c.keys[c.pos].at(c.limit)
	if !ok || status.Kind == ValueDeleted {
		return nil, false, nil
	}

	cmd, err := c.log.ReadAt(ctx, status.Address)
	if err != nil {
		return nil, false, errors.Wrapf(err, "logdb: cursor read at %v", status.Address)
	}
	if cmd.Kind != CmdWrite || !bytes.Equal(cmd.Key, c.keys[c.pos].key) {
		return nil, false, errors.Wrapf(ErrUnexpectedRecord, "cursor read at %v", status.Address)
	}
	return cmd.Value, true, nil
}

// Limit returns the commit limit this cursor was constructed with.
func (c *Cursor) Limit() Commit {
	return c.limit
}
