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

import "github.com/pkg/errors"

// Sentinel error kinds. Callers should compare with errors.Is against
// these, since the concrete error returned is usually wrapped with
// additional context via errors.Wrap.
var (
	// ErrLogIO is returned when an underlying log append/read/sync fails.
	ErrLogIO = errors.New("logdb: log i/o error")

	// ErrCommitMasterWriteFailed is returned when appending the master
	// commit record to the shared commit log failed. The batch commit is
	// effectively aborted and tree indexes are unmodified; the caller may
	// retry with a fresh BatchCommit.
	ErrCommitMasterWriteFailed = errors.New("logdb: master commit record append failed")

	// ErrReadyCommitFailed is returned when one tree's ReadyCommit append
	// failed during two-phase commit preparation.
	ErrReadyCommitFailed = errors.New("logdb: ready_commit failed")

	// ErrCorruptLog is returned by Init when a log scan discovers a record
	// ordering or reference inconsistency during recovery.
	ErrCorruptLog = errors.New("logdb: corrupt log")

	// ErrUnexpectedRecord is returned when a read via an index address did
	// not yield a Write record for the expected key.
	ErrUnexpectedRecord = errors.New("logdb: unexpected record at index address")

	// ErrNotInitialized is returned by Batch/View/Sync before Init succeeds.
	ErrNotInitialized = errors.New("logdb: database not initialized")

	// ErrUnknownTree is returned when a tree name is not known to the
	// Database.
	ErrUnknownTree = errors.New("logdb: unknown tree")

	// ErrReservedTreeName is returned when a caller tries to configure a
	// tree named "commits", which is reserved for the shared commit log.
	ErrReservedTreeName = errors.New("logdb: \"commits\" is a reserved tree name")

	// ErrMissingTreeLog names a database directory that lacks a log file
	// for a tree named in configuration. New and Init take already-open
	// logs and do not compare them against a directory, so no function in
	// this module returns it.
	ErrMissingTreeLog = errors.New("logdb: missing log file for configured tree")

	// ErrExtraTreeLog names a database directory that holds a log file for
	// a tree not named in configuration. No function in this module
	// returns it, for the same reason as ErrMissingTreeLog.
	ErrExtraTreeLog = errors.New("logdb: log file present for unconfigured tree")

	// ErrOverflow marks a 64-bit identifier counter wrapping at
	// math.MaxUint64. Only ever reaches a caller wrapped in a panic: it
	// indicates a constructed-by-hand invalid state, not a recoverable
	// runtime condition.
	ErrOverflow = errors.New("logdb: identifier counter overflow")
)

// assertf panics with a formatted message if cond is false. Used only for
// invariants that must hold by construction: initialization ordering,
// counter monotonicity, non-nullity of tree maps. Never used to validate
// caller-supplied input or I/O outcomes, which always return errors instead.
func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(errors.Errorf(format, args...))
	}
}
