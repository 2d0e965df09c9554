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

import "errors"

// ErrProducerExists indicates that a producer is already attached to the
// segment. The producer flag is an advisory check through shared memory, not
// a kernel lock; see WithForceProducer for recovery after a producer crash.
var ErrProducerExists = errors.New("shmstate: segment already has a producer")

// ErrSegmentNotFound indicates that a consumer tried to attach to a path with
// no backing file. It wraps os.ErrNotExist.
var ErrSegmentNotFound = errors.New("shmstate: segment not found")

// ErrSegmentUninitialized indicates that the backing file exists but no
// producer has initialized its header yet.
var ErrSegmentUninitialized = errors.New("shmstate: segment not initialized")

// ErrCapacityMismatch indicates that a producer re-attached to an existing
// segment with a capacity different from the one it was created with.
var ErrCapacityMismatch = errors.New("shmstate: capacity does not match segment header")

// ErrLayoutMismatch indicates that the backing file is too small for the
// layout implied by the payload type, alignment, and user header size. The
// usual cause is opening a segment with a different payload type or different
// open options than the producer used.
var ErrLayoutMismatch = errors.New("shmstate: segment layout does not match file size")

// ErrVersionUnchecked is returned by ConsumeGuard.Close when the guard read
// the payload but was never validated with TryCommit or GetCopy. The copy the
// caller holds may be torn; failing loud here is what keeps the race from
// hiding.
var ErrVersionUnchecked = errors.New("shmstate: consume guard closed without version check")

// ErrPayloadNotPlain indicates that the payload or user header type is not
// fixed-size plain data. Types containing pointers, maps, slices, channels,
// functions, strings, or interfaces cannot live in shared memory because
// their addresses are process-local.
var ErrPayloadNotPlain = errors.New("shmstate: type is not bitwise-copyable plain data")

// ErrMmapUnsupported indicates that memory-mapped segments are not available
// on this platform.
var ErrMmapUnsupported = errors.New("shmstate: mmap not supported on this platform")
