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

// Package bpool provides a pool of reusable byte buffers for encoding log
// records before they are appended. Buffers are handed out via Get, reset
// and returned via Put, and a background goroutine periodically drains idle
// buffers so a burst of large writes doesn't keep its buffers pinned
// forever.
package bpool

import (
	"bytes"
	"runtime"
	"sync"
	"time"
)

const (
	maxPoolSize = 2048

	// maxBufferSize limits how large a single target pool size can be.
	maxBufferSize = (int64(1) << 34) - 1

	// maxQueueDuration is how long Get backs off when system memory is
	// running hot, to give the GC a chance to catch up.
	maxQueueDuration = 1 * time.Second
)

// Buffer is a pooled, mutex-guarded byte buffer.
type Buffer struct {
	mu  sync.RWMutex
	buf bytes.Buffer
}

// Write appends p to the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Bytes returns the buffer's current contents. The slice is valid until the
// next Write or Reset.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.buf.Bytes()
}

// Reset empties the buffer for reuse.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// Size returns the number of bytes currently held.
func (b *Buffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(b.buf.Len())
}

// Pool is a thread-safe pool of *Buffer. All methods are safe for
// concurrent use by multiple goroutines.
type Pool struct {
	targetSize int64
	buf        chan *Buffer
	closeC     chan struct{}
	closeOnce  sync.Once
}

// NewPool creates a new buffer pool. When the pool is empty, Get backs off
// if the memory the process has obtained from the OS (runtime.MemStats.Sys)
// exceeds size bytes.
func NewPool(size int64) *Pool {
	if size > maxBufferSize {
		size = maxBufferSize
	}
	if size <= 0 {
		size = 1 << 20
	}

	pool := &Pool{
		targetSize: size,
		buf:        make(chan *Buffer, maxPoolSize),
		closeC:     make(chan struct{}),
	}

	go pool.drain()

	return pool
}

// Get returns a buffer from the pool, or a fresh one if the pool is empty.
func (pool *Pool) Get() (buf *Buffer) {
	select {
	case buf = <-pool.buf:
	default:
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		if float64(m.Sys) > float64(pool.targetSize) {
			time.Sleep(maxQueueDuration)
		}
		buf = &Buffer{}
	}
	return
}

// Put resets buf and returns it to the pool, if there's room; otherwise it
// is left for the garbage collector.
func (pool *Pool) Put(buf *Buffer) {
	buf.Reset()
	select {
	case pool.buf <- buf:
	default:
	}
}

// Close stops the pool's background drain goroutine.
func (pool *Pool) Close() {
	pool.closeOnce.Do(func() {
		close(pool.closeC)
	})
}

func (pool *Pool) drain() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-pool.closeC:
			return
		case <-ticker.C:
			select {
			case <-pool.buf:
			default:
			}
		}
	}
}
