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
	"iter"
	"reflect"
	"unsafe"
)

// openOptions configures an attach. All layout-affecting options must match
// between the producer and every consumer of a segment.
type openOptions struct {
	recordAlign        int
	userHeaderSize     int
	removeOnLastDetach bool
	forceProducer      bool
}

// Option configures OpenProducer and OpenConsumer.
type Option func(*openOptions)

// WithRecordAlignment widens record alignment beyond the payload's natural
// alignment, e.g. to 64 to keep adjacent slots off a shared cache line. Must
// be a power of two and part of every attach to the same segment.
func WithRecordAlignment(n int) Option {
	return func(o *openOptions) { o.recordAlign = n }
}

// WithUserHeaderSize reserves n bytes of user metadata between the header
// and the record array, exposed via UserHeaderBytes. The protocol never
// touches it. Must be part of every attach to the same segment.
func WithUserHeaderSize(n int) Option {
	return func(o *openOptions) { o.userHeaderSize = n }
}

// WithRemoveOnLastDetach marks the segment (at creation) so the last detach
// unlinks the backing file. Ignored when attaching to an existing segment.
func WithRemoveOnLastDetach() Option {
	return func(o *openOptions) { o.removeOnLastDetach = true }
}

// WithForceProducer steals the producer flag instead of failing with
// ErrProducerExists. The flag is advisory; force-attaching while the
// previous producer still lives breaks the single-writer contract. Meant for
// recovery after a producer crashed without detaching.
func WithForceProducer() Option {
	return func(o *openOptions) { o.forceProducer = true }
}

// Producer is the write-side view of a segment. At most one producer may be
// attached to a segment at a time, enforced through the shared header, and
// all of its methods assume that single caller: none of them are safe for
// concurrent use.
type Producer[T any] struct {
	c *container[T]
}

// OpenProducer creates the segment at path sized for capacity records of T,
// or recovers an existing one with the same layout, and attaches as its
// single producer. It fails with ErrProducerExists when the segment already
// has a live producer and with ErrCapacityMismatch or ErrLayoutMismatch when
// an existing segment disagrees with the requested layout.
func OpenProducer[T any](path string, capacity uint64, opts ...Option) (*Producer[T], error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	c, err := newProducerContainer[T](path, capacity, o)
	if err != nil {
		return nil, err
	}
	return &Producer[T]{c: c}, nil
}

// ProduceBegin binds a write guard to the record at index. The index must be
// below Capacity; out-of-range indexes panic like any Go slice access.
func (p *Producer[T]) ProduceBegin(index uint64) ProduceGuard[T] {
	return p.c.produceGuard(index)
}

// EmplaceBack binds a write guard to the first unpublished slot and advances
// the published size past it. Appending past Capacity panics. Single-writer
// by the producer contract, so the size advance needs no CAS.
func (p *Producer[T]) EmplaceBack() ProduceGuard[T] {
	hdr := p.c.seg.header()
	i := hdr.Size()
	g := p.c.produceGuard(i)
	hdr.setSize(i + 1)
	return g
}

// PushBack appends v as a new published record.
func (p *Producer[T]) PushBack(v T) {
	g := p.EmplaceBack()
	g.Set(v)
	g.Commit()
}

// Size returns the number of published records.
func (p *Producer[T]) Size() uint64 { return p.c.Size() }

// Capacity returns the fixed record capacity.
func (p *Producer[T]) Capacity() uint64 { return p.c.Capacity() }

// AccumulatedVersion returns the global commit counter.
func (p *Producer[T]) AccumulatedVersion() uint64 { return p.c.AccumulatedVersion() }

// UserHeaderBytes returns the mutable user metadata block.
func (p *Producer[T]) UserHeaderBytes() []byte { return p.c.UserHeaderBytes() }

// Close releases the producer flag and detaches.
func (p *Producer[T]) Close() error { return p.c.Close() }

// Consumer is the read-side view of a segment. Any number of consumers may
// attach. A Consumer value must not be shared across goroutines without
// external coordination of Close, but distinct consumers are independent.
type Consumer[T any] struct {
	c *container[T]
}

// OpenConsumer attaches to the existing, initialized segment at path. It
// fails with ErrSegmentNotFound when the file is absent,
// ErrSegmentUninitialized when no producer has initialized it, and
// ErrLayoutMismatch when the file cannot hold the layout implied by T and
// the options.
func OpenConsumer[T any](path string, opts ...Option) (*Consumer[T], error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	c, err := newConsumerContainer[T](path, o)
	if err != nil {
		return nil, err
	}
	return &Consumer[T]{c: c}, nil
}

// ConsumeBegin binds a read guard to the record at index. Bounds are the
// caller's job; Size and Capacity expose the limits.
func (c *Consumer[T]) ConsumeBegin(index uint64) ConsumeGuard[T] {
	return c.c.consumeGuard(index)
}

// GetCopy returns a consistent copy of the record at index, absorbing any
// retries internally.
func (c *Consumer[T]) GetCopy(index uint64) T {
	g := c.c.consumeGuard(index)
	return g.GetCopy()
}

// Iter returns a forward iterator over the records published at call time.
func (c *Consumer[T]) Iter() Iterator[T] { return c.c.iterate() }

// All returns a range-over-func sequence of (index, copy) over the records
// published at call time.
func (c *Consumer[T]) All() iter.Seq2[uint64, T] { return c.c.all() }

// Size returns the number of published records. It is non-decreasing for a
// fixed attachment.
func (c *Consumer[T]) Size() uint64 { return c.c.Size() }

// Capacity returns the fixed record capacity.
func (c *Consumer[T]) Capacity() uint64 { return c.c.Capacity() }

// AccumulatedVersion returns the global commit counter.
func (c *Consumer[T]) AccumulatedVersion() uint64 { return c.c.AccumulatedVersion() }

// UserHeaderBytes returns the user metadata block.
func (c *Consumer[T]) UserHeaderBytes() []byte { return c.c.UserHeaderBytes() }

// Close detaches from the segment.
func (c *Consumer[T]) Close() error { return c.c.Close() }

// UserHeader reinterprets a user header block as *H. H must be plain data
// and fit the block; both are checked. The pointer aliases shared memory and
// is valid until the view that produced b is closed.
func UserHeader[H any](b []byte) (*H, error) {
	t := reflect.TypeFor[H]()
	if err := checkPlainData(t); err != nil {
		return nil, fmt.Errorf("user header type %s: %w", t, err)
	}
	if uintptr(len(b)) < t.Size() {
		return nil, fmt.Errorf("%w: user header block is %d bytes, %s needs %d", ErrLayoutMismatch, len(b), t, t.Size())
	}
	return (*H)(unsafe.Pointer(unsafe.SliceData(b))), nil
}

// Info is a type-erased snapshot of a segment header, taken without knowing
// the payload type. See Peek.
type Info struct {
	Path               string
	FileSize           int64
	Size               uint64
	Capacity           uint64
	AccumulatedVersion uint64
	Refcount           uint64
	HasProducer        bool
	DeleteOnLastDetach bool
}

// Peek maps the segment at path just long enough to snapshot its header. It
// does not count as an attachment: the refcount is left untouched. Intended
// for diagnostics, like the shmstate-inspect tool.
func Peek(path string) (Info, error) {
	seg, err := openSegment(path)
	if err != nil {
		return Info{}, err
	}
	defer seg.close()

	hdr := seg.header()
	if hdr.Capacity() == 0 {
		return Info{}, fmt.Errorf("%w: %s has a zero header", ErrSegmentUninitialized, path)
	}

	return Info{
		Path:               path,
		FileSize:           int64(len(seg.mem)),
		Size:               hdr.Size(),
		Capacity:           hdr.Capacity(),
		AccumulatedVersion: hdr.AccumulatedVersion(),
		Refcount:           hdr.Refcount(),
		HasProducer:        hdr.HasProducer(),
		DeleteOnLastDetach: hdr.DeleteOnLastDetach(),
	}, nil
}
