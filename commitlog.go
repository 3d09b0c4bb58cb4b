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

	"github.com/pkg/errors"
)

// commitLog is the single shared, database-wide log of CommitRecord
// entries establishing the global commit order. Every successful two-phase
// commit appends exactly one record here, and it is this append's success
// that makes the commit durable; tree index updates afterward are
// in-memory bookkeeping that recovery can always reconstruct by replaying
// this log together with each tree's own log.
type commitLog struct {
	log Log[CommitRecord]
}

func newCommitLog(l Log[CommitRecord]) *commitLog {
	return &commitLog{log: l}
}

// append durably records that batch/batchCommit was assigned commit.
func (c *commitLog) append(ctx context.Context, batch Batch, bc BatchCommit, commit Commit) error {
	_, err := c.log.Append(ctx, CommitRecord{Batch: batch, BatchCommit: bc, Commit: commit})
	if err != nil {
		return errors.Wrap(ErrCommitMasterWriteFailed, err.Error())
	}
	return nil
}

// scan streams every durable commit record in commit order, for recovery.
func (c *commitLog) scan(ctx context.Context) (<-chan ScanEntry[CommitRecord], <-chan error) {
	return c.log.Scan(ctx)
}

// sync flushes the commit log to durable storage.
func (c *commitLog) sync(ctx context.Context) error {
	return c.log.Sync(ctx)
}

// close releases the commit log's underlying resources.
func (c *commitLog) close() error {
	return c.log.Close()
}
