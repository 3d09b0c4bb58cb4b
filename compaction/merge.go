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

package compaction

import (
	"bytes"
	"context"

	"github.com/unit-io/logdb"
)

// mergeSource pairs a tree with its own ordered cursor, positioned lazily.
type mergeSource struct {
	cursor *logdb.Cursor
	valid  bool
}

// mergeCursor streams the union of two trees' visible keys in ascending key
// order, preferring the newer source (compacting) on a tie so its value
// shadows any stale value still present in compacted.
type mergeCursor struct {
	ctx         context.Context
	commitLimit logdb.Commit
	sources     []*mergeSource

	key   []byte
	value []byte
	err   error
}

// newMergeCursor builds a merge over compacting (required, newer) and
// compacted (optional, older), both read as of commitLimit.
func newMergeCursor(compacting, compacted *logdb.Tree, commitLimit logdb.Commit) *mergeCursor {
	ctx := context.Background()
	sources := []*mergeSource{{cursor: compacting.Cursor(commitLimit)}}
	if compacted != nil {
		sources = append(sources, &mergeSource{cursor: compacted.Cursor(commitLimit)})
	}
	for _, s := range sources {
		s.valid = s.cursor.Next()
	}
	return &mergeCursor{ctx: ctx, commitLimit: commitLimit, sources: sources}
}

// Next advances to the next distinct key across all sources, in ascending
// order, resolving ties in favor of the earlier (newer) source. It reports
// whether a key was found.
func (m *mergeCursor) Next() bool {
	if m.err != nil {
		return false
	}

	winner := -1
	for i, s := range m.sources {
		if !s.valid {
			continue
		}
		if winner == -1 || bytes.Compare(s.cursor.Key(), m.sources[winner].cursor.Key()) < 0 {
			winner = i
		}
	}
	if winner == -1 {
		return false
	}

	key := append([]byte(nil), m.sources[winner].cursor.Key()...)

	value, ok, err := m.sources[winner].cursor.Value(m.ctx)
	if err != nil {
		m.err = err
		return false
	}

	// Advance every source positioned on this key (so a key present in both
	// compacting and compacted is consumed from both, emitted once).
	for _, s := range m.sources {
		if s.valid && bytes.Equal(s.cursor.Key(), key) {
			s.valid = s.cursor.Next()
		}
	}

	if !ok {
		// Tombstoned or vanished between cursor positioning and read; skip
		// it and recurse to find the next real key.
		return m.Next()
	}

	m.key, m.value = key, value
	return true
}

// Key returns the key at the cursor's current position.
func (m *mergeCursor) Key() []byte { return m.key }

// Value returns the value at the cursor's current position.
func (m *mergeCursor) Value() []byte { return m.value }

// Err returns the first error encountered, if any.
func (m *mergeCursor) Err() error { return m.err }
