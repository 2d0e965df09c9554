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

// ConsumeGuard is a scoped optimistic read handle for one record.
//
// The first Get captures a baseline from the record's stable counter before
// anything is copied. After copying the payload out, TryCommit validates the
// copy against the record's write-attempt counter: equal means no write
// began inside the read window and the copy is consistent. Unequal means the
// copy may be torn; the baseline is refreshed to the freshly observed
// attempt counter and the caller re-copies. Comparing against the attempt
// counter rather than re-reading the published counter aborts on in-progress
// writes immediately while still converging once the writer settles.
//
// A guard that read the payload must be validated before Close; skipping the
// check is a usage error that would silently hide torn reads, so Close
// reports it. Version mismatches themselves are expected contention, never
// errors.
type ConsumeGuard[T any] struct {
	payload  *T
	stable   *uint32
	seq      *uint32
	baseline uint32
	accessed bool
}

// Get returns a read-only view of the payload, capturing the version
// baseline on first call. Copy the value out and validate with TryCommit
// before using it; the slot can be rewritten at any instant.
func (g *ConsumeGuard[T]) Get() *T {
	if g.payload == nil {
		panic("shmstate: consume guard is not bound")
	}
	g.accessed = true
	// The baseline sticks once a published version has been seen. A record
	// that was never written publishes invalidVersion and is re-read, which
	// is harmless: its attempt counter is invalidVersion too.
	if g.baseline == invalidVersion {
		g.baseline = atomic.LoadUint32(g.stable)
	}
	return g.payload
}

// TryCommit validates the read window. True means no write overlapped the
// copy and the guard becomes inert. False means the copy may be torn; the
// baseline has been refreshed and the caller must re-copy the payload and
// validate again.
func (g *ConsumeGuard[T]) TryCommit() bool {
	if g.payload == nil {
		panic("shmstate: consume guard is not bound")
	}
	cur := atomic.LoadUint32(g.seq)
	if cur == g.baseline {
		// Expected branch: contention is rare relative to reads.
		g.payload = nil
		g.stable = nil
		g.seq = nil
		return true
	}
	g.baseline = cur
	return false
}

// GetCopy loops copy-then-validate until the copy is consistent and returns
// it. The loop spins unboundedly if the producer keeps rewriting the record
// faster than the copy completes; backoff is the caller's concern.
func (g *ConsumeGuard[T]) GetCopy() T {
	var v T
	for {
		v = *g.Get()
		if g.TryCommit() {
			return v
		}
	}
}

// Close releases the guard. It returns ErrVersionUnchecked when the payload
// was read but never validated; closing an unbound, unused, or committed
// guard is a clean no-op.
func (g *ConsumeGuard[T]) Close() error {
	if g.payload != nil && g.accessed {
		g.payload = nil
		g.stable = nil
		g.seq = nil
		return ErrVersionUnchecked
	}
	g.payload = nil
	g.stable = nil
	g.seq = nil
	return nil
}
