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

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
)

type role uint8

const (
	roleProducer role = iota + 1
	roleConsumer
)

func (r role) String() string {
	if r == roleProducer {
		return "producer"
	}
	return "consumer"
}

// container is the shared base under the Producer and Consumer role views.
// It owns one segment attachment and knows the typed record layout.
type container[T any] struct {
	seg      *segment
	lay      layout
	capacity uint64 // immutable after attach; mirrors the header
	role     role
	closed   atomic.Bool
}

// newProducerContainer creates or recovers the segment at path and attaches
// as the single producer. An existing initialized segment is reused so the
// latest slot values survive producer restarts; its capacity must match.
func newProducerContainer[T any](path string, capacity uint64, o openOptions) (*container[T], error) {
	lay, err := layoutOf[T](o.recordAlign, o.userHeaderSize)
	if err != nil {
		return nil, err
	}
	total, err := lay.totalSize(capacity)
	if err != nil {
		return nil, err
	}

	seg, fresh, err := createSegment(path, total)
	if err != nil {
		return nil, err
	}

	hdr := seg.header()
	if fresh {
		// The extent past a truncate is zero, but a pre-existing runt file
		// keeps its bytes; the header must start from a clean slate.
		clear(seg.mem[:HeaderSize])
		hdr.setCapacity(capacity)
		hdr.setDeleteOnLastDetach(o.removeOnLastDetach)
	} else {
		if got := hdr.Capacity(); got != capacity {
			seg.close()
			return nil, fmt.Errorf("%w: segment holds %d records, producer requested %d", ErrCapacityMismatch, got, capacity)
		}
		if int64(len(seg.mem)) < total {
			seg.close()
			return nil, fmt.Errorf("%w: file is %d bytes, layout needs %d", ErrLayoutMismatch, len(seg.mem), total)
		}
	}

	if o.forceProducer {
		hdr.forceAcquireProducer()
	} else if !hdr.tryAcquireProducer() {
		seg.close()
		return nil, fmt.Errorf("%w: %s", ErrProducerExists, path)
	}
	hdr.addRef()

	log.WithFields(logrus.Fields{
		"path":     path,
		"capacity": capacity,
		"fresh":    fresh,
	}).Debug("producer attached")

	return &container[T]{seg: seg, lay: lay, capacity: capacity, role: roleProducer}, nil
}

// newConsumerContainer attaches to an existing, initialized segment at path.
func newConsumerContainer[T any](path string, o openOptions) (*container[T], error) {
	lay, err := layoutOf[T](o.recordAlign, o.userHeaderSize)
	if err != nil {
		return nil, err
	}

	seg, err := openSegment(path)
	if err != nil {
		return nil, err
	}

	hdr := seg.header()
	capacity := hdr.Capacity()
	if capacity == 0 {
		seg.close()
		return nil, fmt.Errorf("%w: %s has a zero header", ErrSegmentUninitialized, path)
	}

	total, err := lay.totalSize(capacity)
	if err != nil {
		seg.close()
		return nil, err
	}
	if int64(len(seg.mem)) < total {
		seg.close()
		return nil, fmt.Errorf("%w: file is %d bytes, layout needs %d", ErrLayoutMismatch, len(seg.mem), total)
	}
	hdr.addRef()

	log.WithFields(logrus.Fields{
		"path":     path,
		"capacity": capacity,
	}).Debug("consumer attached")

	return &container[T]{seg: seg, lay: lay, capacity: capacity, role: roleConsumer}, nil
}

// Close detaches from the segment. A producer releases the producer flag
// first so a successor can attach. The detach that drops the refcount to
// zero unlinks the backing file when the segment was created with
// WithRemoveOnLastDetach. Closing twice is a no-op.
//
// Guards and iterators obtained from this attachment must not be used after
// Close; their pointers reach into the unmapped region.
func (c *container[T]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	hdr := c.seg.header()
	if c.role == roleProducer {
		hdr.releaseProducer()
	}
	remove := hdr.decRef() == 0 && hdr.DeleteOnLastDetach()
	path := c.seg.path
	r := c.role

	err := c.seg.close()
	if remove {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}

	log.WithFields(logrus.Fields{
		"path":    path,
		"role":    r.String(),
		"removed": remove,
	}).Debug("detached")

	return err
}

// Size returns the number of published records.
func (c *container[T]) Size() uint64 {
	return c.seg.header().Size()
}

// Capacity returns the fixed record capacity of the segment.
func (c *container[T]) Capacity() uint64 {
	return c.capacity
}

// AccumulatedVersion returns the global commit counter, a coarse
// "something changed" signal across all records.
func (c *container[T]) AccumulatedVersion() uint64 {
	return c.seg.header().AccumulatedVersion()
}

// UserHeaderBytes returns the user metadata block between the header and the
// record array. It is shared, mutable memory untouched by the protocol; its
// size is fixed by the WithUserHeaderSize open option.
func (c *container[T]) UserHeaderBytes() []byte {
	return c.seg.mem[HeaderSize : HeaderSize+c.lay.userHeaderSize]
}

// recordOff returns the byte offset of record i. Bounds are the caller's
// job; indexing past the capacity panics, matching out-of-range Go access.
func (c *container[T]) recordOff(i uint64) uintptr {
	if i >= c.capacity {
		panic(fmt.Sprintf("shmstate: record index %d out of range [0, %d)", i, c.capacity))
	}
	return c.lay.recordsOff + uintptr(i)*c.lay.stride
}

func (c *container[T]) produceGuard(i uint64) ProduceGuard[T] {
	off := c.recordOff(i)
	mem := c.seg.mem
	return ProduceGuard[T]{
		payload: (*T)(unsafe.Pointer(&mem[off])),
		stable:  (*uint32)(unsafe.Pointer(&mem[off+c.lay.stableOff])),
		seq:     (*uint32)(unsafe.Pointer(&mem[off+c.lay.seqOff])),
		acc:     &c.seg.header().accVersion,
	}
}

func (c *container[T]) consumeGuard(i uint64) ConsumeGuard[T] {
	off := c.recordOff(i)
	mem := c.seg.mem
	return ConsumeGuard[T]{
		payload: (*T)(unsafe.Pointer(&mem[off])),
		stable:  (*uint32)(unsafe.Pointer(&mem[off+c.lay.stableOff])),
		seq:     (*uint32)(unsafe.Pointer(&mem[off+c.lay.seqOff])),
	}
}
