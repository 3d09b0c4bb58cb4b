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

import "context"

// Address is an opaque location within a specific log, yielded by Append
// and accepted by ReadAt. It carries no meaning outside the Log that
// produced it.
type Address int64

// InvalidAddress is never the address of a stored record; Append returns it
// only together with an error.
const InvalidAddress Address = -1

// ScanEntry is one record yielded by Log.Scan, pairing the record with the
// address it was written at (so recovery can rebuild an index keyed on
// addresses without re-appending).
type ScanEntry[T any] struct {
	Address Address
	Record  T
}

// Log is the abstract append-only record sequence the core consumes. The
// core never constructs one directly; a concrete Database wiring supplies
// one (storelog.MemLog or storelog.FileLog in this module). Modeled as a
// generic interface so Tree and CommitLog monomorphize over their record
// type at compile time rather than going through a runtime interface{} in
// the append/read hot path.
type Log[T any] interface {
	// Append writes record durably-pending (not necessarily fsynced) and
	// returns the address it was written at. Suspends on I/O; fails with
	// an error wrapping ErrLogIO.
	Append(ctx context.Context, record T) (Address, error)

	// ReadAt reads back the record previously written at addr. Suspends on
	// I/O; fails with an error wrapping ErrLogIO.
	ReadAt(ctx context.Context, addr Address) (T, error)

	// Sync flushes any buffered writes durably to the backing medium.
	// Suspends on I/O; fails with an error wrapping ErrLogIO.
	Sync(ctx context.Context) error

	// Scan streams every record in the log in address order, for recovery
	// only. The returned channel is closed when the scan completes or the
	// context is canceled. Every scan sends exactly one value on errc
	// (buffered, capacity 1): nil when it completed, or the error that
	// ended it early.
	Scan(ctx context.Context) (<-chan ScanEntry[T], <-chan error)

	// Close flushes and releases the log's underlying resources. Append on
	// a closed Log fails; what ReadAt, Sync and Scan do after Close depends
	// on the implementation.
	Close() error
}
