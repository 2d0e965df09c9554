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

import "iter"

// Iterator walks the published range of a segment front to back. Every
// advance runs a full consume cycle on the next record and keeps a value
// copy, never a reference: the underlying slot can be rewritten at any
// instant by the producer. The published range is snapshotted when the
// iterator is created; records appended afterwards need a new iterator.
type Iterator[T any] struct {
	c   *container[T]
	idx uint64
	end uint64
	val T
}

// Next advances to the next record and reads a consistent copy of it.
// It returns false once the snapshot of the published range is exhausted.
func (it *Iterator[T]) Next() bool {
	if it.idx >= it.end {
		return false
	}
	g := it.c.consumeGuard(it.idx)
	it.val = g.GetCopy()
	it.idx++
	return true
}

// Value returns the copy read by the last successful Next.
func (it *Iterator[T]) Value() T {
	return it.val
}

// Index returns the slot index of the last successful Next.
func (it *Iterator[T]) Index() uint64 {
	return it.idx - 1
}

func (c *container[T]) iterate() Iterator[T] {
	return Iterator[T]{c: c, end: c.Size()}
}

// all adapts the iterator to a range-over-func sequence of (index, copy).
func (c *container[T]) all() iter.Seq2[uint64, T] {
	return func(yield func(uint64, T) bool) {
		it := c.iterate()
		for it.Next() {
			if !yield(it.Index(), it.Value()) {
				return
			}
		}
	}
}
