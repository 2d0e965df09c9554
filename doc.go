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

// Package shmstate provides a lock-free, cross-process publish/subscribe
// container over a memory-mapped file.
//
// A single producer repeatedly updates a fixed-size array of plain-data
// records inside a shared segment, and any number of consumers, possibly in
// other processes, read torn-free snapshots of any record without ever
// blocking the writer. Coordination uses a seqlock-style pair of version
// counters per record: the producer bumps the write-attempt counter before
// mutating a payload and publishes the matching value to the stable counter
// afterward; a consumer copies the payload and validates that no write began
// during the copy, retrying otherwise. After attach there are no syscalls,
// mutexes, or kernel waits on the data path.
//
// The backing file's byte layout is the wire format: a 64-byte header, an
// optional user metadata block, then capacity contiguous records. Any process
// mapping the file with the same payload type, alignment, and user header
// size interoperates. Capacity only reserves address space; the file is
// sparse and physical pages are consumed as records are first written, so
// very large capacities are cheap.
//
// The typical producer:
//
//	p, err := shmstate.OpenProducer[Tick]("/dev/shm/ticks", 1000)
//	...
//	g := p.EmplaceBack()
//	g.Get().BidPx = 39000
//	g.Commit()
//
// and consumer:
//
//	c, err := shmstate.OpenConsumer[Tick]("/dev/shm/ticks")
//	...
//	g := c.ConsumeBegin(0)
//	tick := g.GetCopy()
package shmstate
