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
)

// IndexOpKind discriminates the three shapes of a resolved index operation.
type IndexOpKind uint8

const (
	IndexOpWrite IndexOpKind = iota
	IndexOpDelete
	IndexOpDeleteRange
)

// IndexOp is one save-point-resolved mutation ready to apply to an index at
// a single commit.
type IndexOp struct {
	Kind     IndexOpKind
	Key      []byte // Write, Delete
	StartKey []byte // DeleteRange
	EndKey   []byte // DeleteRange
	Address  Address
}

// batchEvent is one recorded (command, address) pair, restricted to the
// event kinds save-point replay cares about.
type batchEvent struct {
	cmd  Command
	addr Address
}

// BatchPlayer is in-memory, per-tree scratch recording every record a live
// batch appends to this tree's log, so that on commit the batch's net
// effect can be replayed into index operations without re-reading the log.
// One BatchPlayer instance is shared by every batch live against a tree;
// each batch's entries are segregated by Batch id.
type BatchPlayer struct {
	mu      sync.Mutex
	batches map[Batch]*playerState
}

// playerState is the recorded sequence for one batch, and whether its Close
// has been recorded. The save-point stack is rebuilt from the sequence on
// Replay.
type playerState struct {
	events []batchEvent
	closed bool
}

// NewBatchPlayer constructs an empty player.
func NewBatchPlayer() *BatchPlayer {
	return &BatchPlayer{batches: make(map[Batch]*playerState)}
}

// Record appends one (command, address) entry for its batch. The first
// record seen for a batch, of whatever kind (normally Open), allocates its
// bookkeeping state; records after its Close are ignored.
func (p *BatchPlayer) Record(cmd Command, addr Address) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.batches[cmd.Batch]
	if !ok {
		st = &playerState{}
		p.batches[cmd.Batch] = st
	}
	if st.closed {
		return
	}
	st.events = append(st.events, batchEvent{cmd: cmd, addr: addr})
	if cmd.Kind == CmdClose {
		st.closed = true
	}
}

// EmergencyClose discards a batch's bookkeeping when its Close record could
// not be durably appended, so the player doesn't hold it forever.
func (p *BatchPlayer) EmergencyClose(batch Batch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.batches, batch)
}

// Replay resolves a batch's recorded sequence through its save-point stack
// and returns the ordered list of index operations to apply at commit. The
// batch's bookkeeping is dropped afterward: a BatchCommit is one-shot.
func (p *BatchPlayer) Replay(batch Batch, batchCommit BatchCommit) []IndexOp {
	p.mu.Lock()
	st, ok := p.batches[batch]
	if ok {
		delete(p.batches, batch)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	resolved := resolveSavePoints(st.events)
	return tieBreak(resolved)
}

// resolveSavePoints runs the save-point stack machine: PushSavePoint opens a
// new frame, PopSavePoint folds the top frame's events into the one below
// it (keeping the mutations, discarding only the frame boundary), and
// RollbackSavePoint discards the top frame's events entirely. Open,
// ReadyCommit, AbortCommit, and Close entries are bookkeeping only and
// never appear in the resolved stream.
func resolveSavePoints(events []batchEvent) []batchEvent {
	frames := [][]batchEvent{nil}

	for _, ev := range events {
		switch ev.cmd.Kind {
		case CmdPushSavePoint:
			frames = append(frames, nil)
		case CmdPopSavePoint:
			if len(frames) > 1 {
				top := frames[len(frames)-1]
				frames = frames[:len(frames)-1]
				frames[len(frames)-1] = append(frames[len(frames)-1], top...)
			}
		case CmdRollbackSavePoint:
			if len(frames) > 1 {
				frames = frames[:len(frames)-1]
			}
		case CmdWrite, CmdDelete, CmdDeleteRange:
			frames[len(frames)-1] = append(frames[len(frames)-1], ev)
		default:
			// Open, ReadyCommit, AbortCommit, Close: bookkeeping only.
		}
	}

	return frames[0]
}

// tieBreak runs a single pass over the resolved event stream, keeping only
// each key's last write/delete and every surviving DeleteRange, in the
// order needed so the index writer never produces two history entries for
// the same key at the same commit.
func tieBreak(events []batchEvent) []IndexOp {
	type pointOp struct {
		order int
		op    IndexOp
	}
	finalPoint := make(map[string]pointOp)
	var ranges []IndexOp

	for i, ev := range events {
		switch ev.cmd.Kind {
		case CmdWrite:
			finalPoint[string(ev.cmd.Key)] = pointOp{order: i, op: IndexOp{
				Kind: IndexOpWrite, Key: ev.cmd.Key, Address: ev.addr,
			}}
		case CmdDelete:
			finalPoint[string(ev.cmd.Key)] = pointOp{order: i, op: IndexOp{
				Kind: IndexOpDelete, Key: ev.cmd.Key, Address: ev.addr,
			}}
		case CmdDeleteRange:
			for k := range finalPoint {
				if keyInRange([]byte(k), ev.cmd.StartKey, ev.cmd.EndKey) {
					delete(finalPoint, k)
				}
			}
			ranges = append(ranges, IndexOp{
				Kind: IndexOpDeleteRange, StartKey: ev.cmd.StartKey, EndKey: ev.cmd.EndKey, Address: ev.addr,
			})
		}
	}

	ops := make([]IndexOp, 0, len(finalPoint)+len(ranges))
	for _, p := range finalPoint {
		ops = append(ops, p.op)
	}
	ops = append(ops, ranges...)
	return ops
}

func keyInRange(key, start, end []byte) bool {
	return bytes.Compare(key, start) >= 0 && bytes.Compare(key, end) < 0
}
