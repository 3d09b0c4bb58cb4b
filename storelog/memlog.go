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

// Package storelog provides concrete append-only record log backends: an
// in-memory log for tests and ephemeral trees, and a file-backed log that
// persists records to a single growing file.
package storelog

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/unit-io/logdb"
)

// MemLog is an in-memory, non-persistent implementation of logdb.Log[T].
// Every record lives in a plain slice; Sync is a no-op. Suited to tests and
// to trees explicitly configured without durability.
type MemLog[T any] struct {
	mu      sync.RWMutex
	records []T
	closed  bool
}

// NewMemLog constructs an empty in-memory log.
func NewMemLog[T any]() *MemLog[T] {
	return &MemLog[T]{}
}

// Append stores record and returns the address it was stored at.
func (l *MemLog[T]) Append(ctx context.Context, record T) (logdb.Address, error) {
	if err := ctx.Err(); err != nil {
		return logdb.InvalidAddress, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return logdb.InvalidAddress, errors.Wrap(logdb.ErrLogIO, "storelog: append to closed MemLog")
	}
	addr := logdb.Address(len(l.records))
	l.records = append(l.records, record)
	return addr, nil
}

// ReadAt returns the record previously stored at addr.
func (l *MemLog[T]) ReadAt(ctx context.Context, addr logdb.Address) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if addr < 0 || int(addr) >= len(l.records) {
		return zero, errors.Wrapf(logdb.ErrLogIO, "storelog: address %d out of range", addr)
	}
	return l.records[addr], nil
}

// Sync is a no-op: an in-memory log has no durable medium to flush to.
func (l *MemLog[T]) Sync(ctx context.Context) error {
	return ctx.Err()
}

// Scan streams every stored record in address order.
func (l *MemLog[T]) Scan(ctx context.Context) (<-chan logdb.ScanEntry[T], <-chan error) {
	entries := make(chan logdb.ScanEntry[T])
	errc := make(chan error, 1)

	l.mu.RLock()
	snapshot := make([]T, len(l.records))
	copy(snapshot, l.records)
	l.mu.RUnlock()

	go func() {
		defer close(entries)
		for i, rec := range snapshot {
			select {
			case entries <- logdb.ScanEntry[T]{Address: logdb.Address(i), Record: rec}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		errc <- nil
	}()

	return entries, errc
}

// Close marks the log closed; further Append calls fail.
func (l *MemLog[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.records = nil
	return nil
}
