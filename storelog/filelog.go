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

package storelog

import (
	"context"
	"encoding/binary"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/unit-io/logdb"
	"github.com/unit-io/logdb/internal/bpool"
)

const lengthPrefixSize = 4

// FileLog is a file-backed, append-only implementation of logdb.Log[T]. Each
// record is framed as a 4-byte little-endian length prefix followed by its
// encoded bytes; the Address yielded by Append is the byte offset of the
// length prefix, so ReadAt can seek straight to it.
type FileLog[T any] struct {
	codec  Codec[T]
	pool   *bpool.Pool
	logger zerolog.Logger

	mu     sync.Mutex // serializes Append and guards off
	file   *os.File
	off    int64
	closed bool
}

// FileLogOptions configures a FileLog.
type FileLogOptions struct {
	// Path is the backing file. It is created if absent and appended to if
	// present (the caller is responsible for truncating it on a fresh
	// database).
	Path string

	// BufferSize sizes the shared encode-buffer pool. Zero selects a small
	// default.
	BufferSize int64

	// Logger receives scan-time diagnostics (truncated trailing frames).
	// The zero value is a no-op logger.
	Logger zerolog.Logger
}

// OpenFileLog opens (or creates) the log file at opts.Path.
func OpenFileLog[T any](opts FileLogOptions, codec Codec[T]) (*FileLog[T], error) {
	f, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(logdb.ErrLogIO, "storelog: open %s: %v", opts.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(logdb.ErrLogIO, "storelog: stat %s: %v", opts.Path, err)
	}

	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 1 << 20
	}

	return &FileLog[T]{
		codec:  codec,
		pool:   bpool.NewPool(bufSize),
		logger: opts.Logger,
		file:   f,
		off:    info.Size(),
	}, nil
}

// Append encodes record, frames it with a length prefix, and writes it at
// the current end of file.
func (l *FileLog[T]) Append(ctx context.Context, record T) (logdb.Address, error) {
	if err := ctx.Err(); err != nil {
		return logdb.InvalidAddress, err
	}

	payload, err := l.codec.Encode(record)
	if err != nil {
		return logdb.InvalidAddress, errors.Wrap(err, "storelog: encode record")
	}

	buf := l.pool.Get()
	defer l.pool.Put(buf)

	var prefix [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	buf.Write(prefix[:])
	buf.Write(payload)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return logdb.InvalidAddress, errors.Wrap(logdb.ErrLogIO, "storelog: append to closed FileLog")
	}

	addr := logdb.Address(l.off)
	n, err := l.file.WriteAt(buf.Bytes(), l.off)
	if err != nil {
		return logdb.InvalidAddress, errors.Wrapf(logdb.ErrLogIO, "storelog: write at %d: %v", l.off, err)
	}
	l.off += int64(n)
	return addr, nil
}

// ReadAt decodes the record framed at addr.
func (l *FileLog[T]) ReadAt(ctx context.Context, addr logdb.Address) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if addr < 0 {
		return zero, errors.Wrapf(logdb.ErrLogIO, "storelog: negative address %d", addr)
	}

	var prefix [lengthPrefixSize]byte
	if _, err := l.file.ReadAt(prefix[:], int64(addr)); err != nil {
		return zero, errors.Wrapf(logdb.ErrLogIO, "storelog: read length prefix at %d: %v", addr, err)
	}
	size := binary.LittleEndian.Uint32(prefix[:])

	payload := make([]byte, size)
	if _, err := l.file.ReadAt(payload, int64(addr)+lengthPrefixSize); err != nil {
		return zero, errors.Wrapf(logdb.ErrLogIO, "storelog: read payload at %d: %v", addr, err)
	}

	rec, err := l.codec.Decode(payload)
	if err != nil {
		return zero, errors.Wrap(err, "storelog: decode record")
	}
	return rec, nil
}

// Sync flushes the file to stable storage.
func (l *FileLog[T]) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return errors.Wrap(logdb.ErrLogIO, "storelog: fsync")
	}
	return nil
}

// Scan streams every well-formed record in the file from offset zero,
// stopping cleanly at the first truncated trailing frame (the tail of an
// interrupted Append that never completed).
func (l *FileLog[T]) Scan(ctx context.Context) (<-chan logdb.ScanEntry[T], <-chan error) {
	entries := make(chan logdb.ScanEntry[T])
	errc := make(chan error, 1)

	go func() {
		defer close(entries)

		var off int64
		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			default:
			}

			var prefix [lengthPrefixSize]byte
			n, err := l.file.ReadAt(prefix[:], off)
			if n < lengthPrefixSize {
				errc <- nil
				return
			}
			if err != nil && n == lengthPrefixSize {
				err = nil
			}
			if err != nil {
				l.logger.Warn().Err(err).Int64("offset", off).Msg("storelog: stopping scan at unreadable frame")
				errc <- nil
				return
			}

			size := binary.LittleEndian.Uint32(prefix[:])
			payload := make([]byte, size)
			if _, err := l.file.ReadAt(payload, off+lengthPrefixSize); err != nil {
				l.logger.Warn().Err(err).Int64("offset", off).Msg("storelog: stopping scan at truncated payload")
				errc <- nil
				return
			}

			rec, err := l.codec.Decode(payload)
			if err != nil {
				errc <- errors.Wrapf(logdb.ErrCorruptLog, "storelog: decode at offset %d: %v", off, err)
				return
			}

			addr := logdb.Address(off)
			select {
			case entries <- logdb.ScanEntry[T]{Address: addr, Record: rec}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}

			off += lengthPrefixSize + int64(size)
		}
	}()

	return entries, errc
}

// Close flushes and closes the backing file.
func (l *FileLog[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.pool.Close()
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return errors.Wrap(logdb.ErrLogIO, "storelog: fsync on close")
	}
	return l.file.Close()
}
