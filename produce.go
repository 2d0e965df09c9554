/*
 *
 * Copyright 2026 The shmstate Authors.
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
 *
 */

package shmstate

import "sync/atomic"

// ProduceGuard is a scoped write handle for one record.
//
// The first Get (or Set) begins the write: it bumps the record's
// write-attempt counter, which tells concurrent readers that the payload is
// in flux. Mutation through the returned pointer is deliberately plain and
// unsynchronized; Commit publishes the new value with a release store so
// every payload write retires before readers can validate against it. A
// begun guard that is Closed without an explicit Commit commits
// automatically; a produce can never leak a half-written record.
//
// Guards are single-use and not safe for concurrent use. Be quick between
// Get and Commit: readers of this record retry for as long as the write is
// open.
type ProduceGuard[T any] struct {
	payload *T
	stable  *uint32
	seq     *uint32
	acc     *uint64
	ver     uint32 // version captured at begin; invalidVersion until then
}

// Get returns the in-place payload for mutation, beginning the write on
// first call. The pointer reaches into shared memory and is only valid until
// Commit or Close.
func (g *ProduceGuard[T]) Get() *T {
	if g.payload == nil {
		panic("shmstate: produce guard is not bound")
	}
	if g.ver == invalidVersion {
		g.ver = atomic.AddUint32(g.seq, 1)
		if g.ver == invalidVersion {
			// The counter wrapped onto the never-written sentinel; burn one
			// more increment so readers can't mistake the slot for virgin.
			g.ver = atomic.AddUint32(g.seq, 1)
		}
	}
	return g.payload
}

// Set copies v into the record, beginning the write on first call.
func (g *ProduceGuard[T]) Set(v T) {
	*g.Get() = v
}

// Commit publishes the write: the version captured at begin is stored to the
// record's stable counter with release ordering, then the segment's
// accumulated version is bumped. Commit cannot fail and is a no-op on a
// guard that never began or already committed.
func (g *ProduceGuard[T]) Commit() {
	if g.payload == nil || g.ver == invalidVersion {
		return
	}
	atomic.StoreUint32(g.stable, g.ver)
	atomic.AddUint64(g.acc, 1)
	g.payload = nil
	g.stable = nil
	g.seq = nil
}

// Close commits the write if one is open. Safe to defer immediately after
// binding; never fails.
func (g *ProduceGuard[T]) Close() {
	g.Commit()
}
