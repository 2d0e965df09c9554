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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tick mirrors the kind of market-data payload the container is built for.
type tick struct {
	AskPx  uint32
	AskQty uint32
	BidPx  uint32
	BidQty uint32
}

// testSegmentPath returns a unique path under the test's temp dir.
func testSegmentPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ticks.shm")
}

// openTestProducer creates a producer on a fresh segment and registers
// cleanup so the attachment is always released, even when the test fails.
func openTestProducer(t *testing.T, path string, capacity uint64, opts ...Option) *Producer[tick] {
	t.Helper()

	p, err := OpenProducer[tick](path, capacity, opts...)
	require.NoError(t, err, "failed to open test producer")

	t.Cleanup(func() { p.Close() })
	return p
}

func openTestConsumer(t *testing.T, path string, opts ...Option) *Consumer[tick] {
	t.Helper()

	c, err := OpenConsumer[tick](path, opts...)
	require.NoError(t, err, "failed to open test consumer")

	t.Cleanup(func() { c.Close() })
	return c
}

func TestRoundTrip(t *testing.T) {
	path := testSegmentPath(t)
	p := openTestProducer(t, path, 1000)

	p.PushBack(tick{AskPx: 41000, AskQty: 77, BidPx: 39000, BidQty: 55})

	c := openTestConsumer(t, path)
	require.Equal(t, uint64(1), c.Size())
	require.Equal(t, uint64(1000), c.Capacity())

	g := c.ConsumeBegin(c.Size() - 1)
	got := g.GetCopy()
	require.NoError(t, g.Close())
	assert.Equal(t, tick{41000, 77, 39000, 55}, got)
}

func TestInPlaceUpdateIsObserved(t *testing.T) {
	path := testSegmentPath(t)
	p := openTestProducer(t, path, 1000)
	p.PushBack(tick{AskPx: 41000, AskQty: 77, BidPx: 39000, BidQty: 55})

	c1 := openTestConsumer(t, path)
	g := c1.ConsumeBegin(0)
	assert.Equal(t, tick{41000, 77, 39000, 55}, g.GetCopy())

	// Overwrite bid price in place through a fresh guard.
	w := p.ProduceBegin(0)
	w.Get().BidPx = 39500
	w.Commit()

	// The same consumer handle and a brand new one both see the update.
	g = c1.ConsumeBegin(0)
	assert.Equal(t, uint32(39500), g.GetCopy().BidPx)

	c2 := openTestConsumer(t, path)
	g = c2.ConsumeBegin(0)
	assert.Equal(t, uint32(39500), g.GetCopy().BidPx)
}

func TestExclusiveProducer(t *testing.T) {
	path := testSegmentPath(t)
	p1, err := OpenProducer[tick](path, 16)
	require.NoError(t, err)

	_, err = OpenProducer[tick](path, 16)
	assert.ErrorIs(t, err, ErrProducerExists)

	// After the original producer detaches, a new one may attach.
	require.NoError(t, p1.Close())

	p2, err := OpenProducer[tick](path, 16)
	require.NoError(t, err)
	defer p2.Close()
}

func TestForceProducerStealsFlag(t *testing.T) {
	path := testSegmentPath(t)

	// Simulate a crashed producer: attach and leak the flag on purpose by
	// not closing before the segment is reopened.
	openTestProducer(t, path, 16)

	_, err := OpenProducer[tick](path, 16)
	require.ErrorIs(t, err, ErrProducerExists)

	p, err := OpenProducer[tick](path, 16, WithForceProducer())
	require.NoError(t, err)
	defer p.Close()
}

func TestProducerRecoversExistingRecords(t *testing.T) {
	path := testSegmentPath(t)

	p1, err := OpenProducer[tick](path, 64)
	require.NoError(t, err)
	p1.PushBack(tick{AskPx: 1, AskQty: 2, BidPx: 3, BidQty: 4})
	require.NoError(t, p1.Close())

	// A successor producer sees the published records, not a wiped file.
	p2, err := OpenProducer[tick](path, 64)
	require.NoError(t, err)
	defer p2.Close()
	assert.Equal(t, uint64(1), p2.Size())

	c := openTestConsumer(t, path)
	assert.Equal(t, tick{1, 2, 3, 4}, c.GetCopy(0))
}

func TestCapacityMismatch(t *testing.T) {
	path := testSegmentPath(t)

	p, err := OpenProducer[tick](path, 64)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = OpenProducer[tick](path, 128)
	assert.ErrorIs(t, err, ErrCapacityMismatch)
}

func TestConsumerErrors(t *testing.T) {
	path := testSegmentPath(t)

	_, err := OpenConsumer[tick](path)
	assert.ErrorIs(t, err, ErrSegmentNotFound)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// A file that exists but was never initialized by a producer.
	require.NoError(t, os.WriteFile(path, make([]byte, 16), 0o600))
	_, err = OpenConsumer[tick](path)
	assert.ErrorIs(t, err, ErrSegmentUninitialized)
}

func TestConsumerLayoutMismatch(t *testing.T) {
	path := testSegmentPath(t)
	openTestProducer(t, path, 16)

	// A payload wider than the segment was created for cannot map.
	_, err := OpenConsumer[[4096]byte](path)
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}

func TestValidationDiscipline(t *testing.T) {
	path := testSegmentPath(t)
	p := openTestProducer(t, path, 16)
	p.PushBack(tick{AskPx: 10})

	c := openTestConsumer(t, path)

	// Read without ever validating: the close must fail loud.
	g := c.ConsumeBegin(0)
	_ = *g.Get()
	assert.ErrorIs(t, g.Close(), ErrVersionUnchecked)

	// Bound but never read: clean close.
	g = c.ConsumeBegin(0)
	assert.NoError(t, g.Close())

	// Validated read: clean close.
	g = c.ConsumeBegin(0)
	_ = g.GetCopy()
	assert.NoError(t, g.Close())

	// Manual validate loop.
	g = c.ConsumeBegin(0)
	v := *g.Get()
	require.True(t, g.TryCommit(), "no concurrent writer, first validation must pass")
	assert.Equal(t, uint32(10), v.AskPx)
	assert.NoError(t, g.Close())
}

func TestProduceGuardAutoCommit(t *testing.T) {
	path := testSegmentPath(t)
	p := openTestProducer(t, path, 16)
	c := openTestConsumer(t, path)

	// Close without an explicit Commit still publishes.
	g := p.EmplaceBack()
	g.Get().AskPx = 123
	g.Close()

	assert.Equal(t, uint32(123), c.GetCopy(0).AskPx)

	// Commit is idempotent; a second Commit or Close does not bump versions.
	before := c.AccumulatedVersion()
	g.Commit()
	g.Close()
	assert.Equal(t, before, c.AccumulatedVersion())
}

func TestSizeMonotonicAndAccumulatedVersion(t *testing.T) {
	path := testSegmentPath(t)
	p := openTestProducer(t, path, 128)
	c := openTestConsumer(t, path)

	var lastSize, lastVer uint64
	for i := 0; i < 100; i++ {
		p.PushBack(tick{AskPx: uint32(i)})

		size, ver := c.Size(), c.AccumulatedVersion()
		assert.GreaterOrEqual(t, size, lastSize, "size must never go backwards")
		assert.Greater(t, ver, lastVer, "every commit bumps the accumulated version")
		lastSize, lastVer = size, ver
	}
	assert.Equal(t, uint64(100), lastSize)
	assert.Equal(t, uint64(100), lastVer)
}

func TestUnwrittenSlotReadsZeroValue(t *testing.T) {
	path := testSegmentPath(t)
	openTestProducer(t, path, 16)
	c := openTestConsumer(t, path)

	// Slot 0 was allocated but never written; a read is consistent and zero.
	g := c.ConsumeBegin(0)
	assert.Equal(t, tick{}, g.GetCopy())
	assert.NoError(t, g.Close())
}

func TestUserHeader(t *testing.T) {
	type meta struct {
		FeedID     uint64
		SequenceNo uint64
	}

	path := testSegmentPath(t)
	p := openTestProducer(t, path, 16, WithUserHeaderSize(64))

	m, err := UserHeader[meta](p.UserHeaderBytes())
	require.NoError(t, err)
	m.FeedID = 42
	m.SequenceNo = 7

	c := openTestConsumer(t, path, WithUserHeaderSize(64))
	got, err := UserHeader[meta](c.UserHeaderBytes())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.FeedID)
	assert.Equal(t, uint64(7), got.SequenceNo)

	// Block too small for the requested type.
	_, err = UserHeader[[128]byte](c.UserHeaderBytes())
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}

func TestRemoveOnLastDetach(t *testing.T) {
	path := testSegmentPath(t)

	p, err := OpenProducer[tick](path, 16, WithRemoveOnLastDetach())
	require.NoError(t, err)
	c, err := OpenConsumer[tick](path)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "file must survive while a consumer is attached")

	require.NoError(t, c.Close())
	_, statErr = os.Stat(path)
	assert.ErrorIs(t, statErr, os.ErrNotExist, "last detach unlinks the file")
}

func TestRefcountTracksAttachments(t *testing.T) {
	path := testSegmentPath(t)
	p := openTestProducer(t, path, 16)

	c1 := openTestConsumer(t, path)
	c2 := openTestConsumer(t, path)

	info, err := Peek(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.Refcount)
	assert.True(t, info.HasProducer)

	require.NoError(t, c1.Close())
	require.NoError(t, c2.Close())
	require.NoError(t, p.Close())

	info, err = Peek(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), info.Refcount)
	assert.False(t, info.HasProducer)
}

func TestCloseIsIdempotent(t *testing.T) {
	path := testSegmentPath(t)
	p := openTestProducer(t, path, 16)
	c := openTestConsumer(t, path)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	info, err := Peek(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), info.Refcount, "double close must not double-decrement")
}

func TestSparseCapacityIsCheap(t *testing.T) {
	path := testSegmentPath(t)

	// A million-record segment maps instantly; only touched pages cost
	// anything. The file size reflects the reserved extent.
	p := openTestProducer(t, path, 1_000_000)
	p.PushBack(tick{AskPx: 1})

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(64+1_000_000*24), info.Size())
}

func TestPeek(t *testing.T) {
	path := testSegmentPath(t)

	_, err := Peek(path)
	assert.ErrorIs(t, err, ErrSegmentNotFound)

	p := openTestProducer(t, path, 32)
	p.PushBack(tick{})
	p.PushBack(tick{})

	info, err := Peek(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.Size)
	assert.Equal(t, uint64(32), info.Capacity)
	assert.Equal(t, uint64(2), info.AccumulatedVersion)
	assert.Equal(t, uint64(1), info.Refcount, "peek itself must not count as an attachment")
}
