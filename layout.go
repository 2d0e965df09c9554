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
	"math"
	"reflect"
	"sync/atomic"
)

// Layout constants. The persisted byte layout is exactly one Header, an
// optional user header block, then capacity contiguous records. There is no
// magic or checksum: the layout itself is the wire format and matching
// payload type, alignment, and user header size is the caller's contract.
const (
	// Header size, one cache line. Keeps the header's hot counters off the
	// line holding the first record's version counters.
	HeaderSize = 64

	// Records area start alignment.
	recordsAlign = 64

	// Version counters are 32-bit atomics and need 4-byte alignment, so a
	// record stride is never narrower than this.
	minRecordAlign = 4

	// A version counter of zero means "never begun". Record counters start
	// the first produce at 1.
	invalidVersion = uint32(0)
)

// Header is the shared segment header. Field offsets are fixed and verified
// by tests; all cross-actor fields are accessed atomically.
type Header struct {
	size       uint64   // 0x00: published record count (producer-advanced)
	capacity   uint64   // 0x08: fixed record capacity; zero means uninitialized
	accVersion uint64   // 0x10: bumped on every record commit
	refcount   uint64   // 0x18: live attachments (producer + consumers)
	deleteFlag uint32   // 0x20: unlink backing file on last detach
	hasProd    uint32   // 0x24: advisory single-producer flag
	reserved   [24]byte // 0x28-0x3F: padding to 64B
}

// Size returns the number of published records.
func (h *Header) Size() uint64 {
	return atomic.LoadUint64(&h.size)
}

// setSize publishes a new record count. Single producer; no CAS needed.
func (h *Header) setSize(n uint64) {
	atomic.StoreUint64(&h.size, n)
}

// Capacity returns the fixed record capacity.
func (h *Header) Capacity() uint64 {
	return atomic.LoadUint64(&h.capacity)
}

func (h *Header) setCapacity(n uint64) {
	atomic.StoreUint64(&h.capacity, n)
}

// AccumulatedVersion returns the global commit counter. It increments on
// every record commit and serves as a coarse "something changed" signal.
func (h *Header) AccumulatedVersion() uint64 {
	return atomic.LoadUint64(&h.accVersion)
}

func (h *Header) addRef() uint64 {
	return atomic.AddUint64(&h.refcount, 1)
}

func (h *Header) decRef() uint64 {
	return atomic.AddUint64(&h.refcount, ^uint64(0))
}

// Refcount returns the number of live attachments.
func (h *Header) Refcount() uint64 {
	return atomic.LoadUint64(&h.refcount)
}

// DeleteOnLastDetach reports whether the backing file is unlinked when the
// last attachment detaches.
func (h *Header) DeleteOnLastDetach() bool {
	return atomic.LoadUint32(&h.deleteFlag) != 0
}

func (h *Header) setDeleteOnLastDetach(v bool) {
	var val uint32
	if v {
		val = 1
	}
	atomic.StoreUint32(&h.deleteFlag, val)
}

// tryAcquireProducer claims the single-producer flag. This is advisory
// across processes, not a kernel-enforced lock.
func (h *Header) tryAcquireProducer() bool {
	return atomic.CompareAndSwapUint32(&h.hasProd, 0, 1)
}

// forceAcquireProducer steals the producer flag regardless of its state.
func (h *Header) forceAcquireProducer() {
	atomic.StoreUint32(&h.hasProd, 1)
}

func (h *Header) releaseProducer() {
	atomic.StoreUint32(&h.hasProd, 0)
}

// HasProducer reports whether a producer is currently attached.
func (h *Header) HasProducer() bool {
	return atomic.LoadUint32(&h.hasProd) != 0
}

// layout describes where the pieces of a typed segment live. All offsets are
// relative to the start of the mapped region.
type layout struct {
	payloadSize    uintptr // sizeof the payload type
	recordAlign    uintptr // record base alignment, >= minRecordAlign
	stableOff      uintptr // offset of the stable counter within a record
	seqOff         uintptr // offset of the write-attempt counter within a record
	stride         uintptr // distance between adjacent record bases
	userHeaderSize uintptr // bytes reserved for the user header block
	recordsOff     uintptr // offset of record 0 within the segment
}

// layoutOf computes the segment layout for payload type T. recordAlign zero
// means the payload's natural alignment; userHeaderSize zero means no user
// header block. The payload type must be fixed-size plain data.
func layoutOf[T any](recordAlign, userHeaderSize int) (layout, error) {
	t := reflect.TypeFor[T]()
	if err := checkPlainData(t); err != nil {
		return layout{}, fmt.Errorf("payload type %s: %w", t, err)
	}

	align := uintptr(t.Align())
	if recordAlign > 0 {
		if !isPowerOfTwo(uint64(recordAlign)) {
			return layout{}, fmt.Errorf("record alignment %d is not a power of two", recordAlign)
		}
		if uintptr(recordAlign) < align {
			return layout{}, fmt.Errorf("record alignment %d is below payload alignment %d", recordAlign, t.Align())
		}
		align = uintptr(recordAlign)
	}
	if align < minRecordAlign {
		align = minRecordAlign
	}
	if userHeaderSize < 0 {
		return layout{}, fmt.Errorf("user header size %d is negative", userHeaderSize)
	}

	stableOff := alignUp(t.Size(), 4)
	seqOff := stableOff + 4

	return layout{
		payloadSize:    t.Size(),
		recordAlign:    align,
		stableOff:      stableOff,
		seqOff:         seqOff,
		stride:         alignUp(seqOff+4, align),
		userHeaderSize: uintptr(userHeaderSize),
		recordsOff:     alignUp(HeaderSize+uintptr(userHeaderSize), recordsAlign),
	}, nil
}

// totalSize returns the byte size of a segment holding capacity records, or
// an error when the extent does not fit the platform's address arithmetic.
// The backing file is sparse, so large capacities only reserve address space.
func (l layout) totalSize(capacity uint64) (int64, error) {
	if capacity == 0 {
		return 0, fmt.Errorf("capacity must be at least one record")
	}
	stride := uint64(l.stride)
	if capacity > (math.MaxInt64-uint64(l.recordsOff))/stride {
		return 0, fmt.Errorf("capacity %d with record stride %d overflows the segment extent", capacity, stride)
	}
	return int64(uint64(l.recordsOff) + capacity*stride), nil
}

// checkPlainData rejects types that cannot be shared across processes.
// Anything holding a process-local address (pointers, maps, slices, chans,
// funcs, strings, interfaces) is out; fixed-size scalars, arrays, and structs
// of those are in.
func checkPlainData(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkPlainData(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if err := checkPlainData(t.Field(i).Type); err != nil {
				return err
			}
		}
		return nil
	default:
		return ErrPayloadNotPlain
	}
}

func isPowerOfTwo(n uint64) bool {
	return n > 0 && (n&(n-1)) == 0
}

// alignUp rounds n up to a multiple of align, a power of two.
func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
