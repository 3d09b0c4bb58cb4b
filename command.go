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
	"encoding/binary"
	"fmt"
)

// CommandKind discriminates the per-tree log record variants.
type CommandKind uint8

const (
	CmdOpen CommandKind = iota
	CmdWrite
	CmdDelete
	CmdDeleteRange
	CmdPushSavePoint
	CmdPopSavePoint
	CmdRollbackSavePoint
	CmdReadyCommit
	CmdAbortCommit
	CmdClose
)

func (k CommandKind) String() string {
	switch k {
	case CmdOpen:
		return "Open"
	case CmdWrite:
		return "Write"
	case CmdDelete:
		return "Delete"
	case CmdDeleteRange:
		return "DeleteRange"
	case CmdPushSavePoint:
		return "PushSavePoint"
	case CmdPopSavePoint:
		return "PopSavePoint"
	case CmdRollbackSavePoint:
		return "RollbackSavePoint"
	case CmdReadyCommit:
		return "ReadyCommit"
	case CmdAbortCommit:
		return "AbortCommit"
	case CmdClose:
		return "Close"
	default:
		return fmt.Sprintf("CommandKind(%d)", uint8(k))
	}
}

// Command is one per-tree log record. Only the fields relevant to Kind are
// populated; each enum variant is folded into a single tagged struct rather
// than modeled as a Go interface, since every variant is decoded eagerly off
// the wire and a tagged struct avoids an allocation and a type switch on
// every field access.
type Command struct {
	Kind        CommandKind
	Batch       Batch
	BatchCommit BatchCommit // ReadyCommit / AbortCommit only
	Key         []byte      // Write, Delete
	Value       []byte      // Write only
	StartKey    []byte      // DeleteRange
	EndKey      []byte      // DeleteRange
}

// CommitRecord is the shared commit log's sole record type: the master
// commit record establishing global commit order.
type CommitRecord struct {
	Batch       Batch
	BatchCommit BatchCommit
	Commit      Commit
}

// MarshalBinary encodes a Command as a length-prefixed little-endian
// record: a one-byte tag, two 8-byte identifiers, then each variable-length
// field as a 4-byte length prefix followed by its bytes.
func (c Command) MarshalBinary() ([]byte, error) {
	size := 1 + 8 + 8 + 4 + len(c.Key) + 4 + len(c.Value) + 4 + len(c.StartKey) + 4 + len(c.EndKey)
	buf := make([]byte, size)
	off := 0
	buf[off] = byte(c.Kind)
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(c.Batch))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(c.BatchCommit))
	off += 8
	off = putBytes(buf, off, c.Key)
	off = putBytes(buf, off, c.Value)
	off = putBytes(buf, off, c.StartKey)
	off = putBytes(buf, off, c.EndKey)
	return buf[:off], nil
}

// UnmarshalBinary decodes a Command previously produced by MarshalBinary.
func (c *Command) UnmarshalBinary(data []byte) error {
	if len(data) < 17 {
		return fmt.Errorf("logdb: command record too short: %d bytes", len(data))
	}
	off := 0
	c.Kind = CommandKind(data[off])
	off++
	c.Batch = Batch(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	c.BatchCommit = BatchCommit(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	var err error
	if c.Key, off, err = getBytes(data, off); err != nil {
		return err
	}
	if c.Value, off, err = getBytes(data, off); err != nil {
		return err
	}
	if c.StartKey, off, err = getBytes(data, off); err != nil {
		return err
	}
	if c.EndKey, off, err = getBytes(data, off); err != nil {
		return err
	}
	return nil
}

// MarshalBinary encodes a CommitRecord as three dense 64-bit integers.
func (c CommitRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:], uint64(c.Batch))
	binary.LittleEndian.PutUint64(buf[8:], uint64(c.BatchCommit))
	binary.LittleEndian.PutUint64(buf[16:], uint64(c.Commit))
	return buf, nil
}

// UnmarshalBinary decodes a CommitRecord previously produced by MarshalBinary.
func (c *CommitRecord) UnmarshalBinary(data []byte) error {
	if len(data) < 24 {
		return fmt.Errorf("logdb: commit record too short: %d bytes", len(data))
	}
	c.Batch = Batch(binary.LittleEndian.Uint64(data[0:]))
	c.BatchCommit = BatchCommit(binary.LittleEndian.Uint64(data[8:]))
	c.Commit = Commit(binary.LittleEndian.Uint64(data[16:]))
	return nil
}

func putBytes(buf []byte, off int, b []byte) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(b)))
	off += 4
	copy(buf[off:], b)
	return off + len(b)
}

func getBytes(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, off, fmt.Errorf("logdb: truncated length prefix at offset %d", off)
	}
	n := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if n == 0 {
		return nil, off, nil
	}
	if off+n > len(data) {
		return nil, off, fmt.Errorf("logdb: truncated field at offset %d (want %d bytes)", off, n)
	}
	b := make([]byte, n)
	copy(b, data[off:off+n])
	return b, off + n, nil
}
