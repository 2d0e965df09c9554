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
	"unsafe"
)

// Platform-specific functions (implemented in platform-specific files)
var (
	// mmapFile maps size bytes of a file read-write and shared.
	mmapFile func(file *os.File, size int64) ([]byte, error)

	// unmapMemory unmaps a memory-mapped region.
	unmapMemory func([]byte) error
)

// segment is one mapped backing file. Attach is the only place syscalls
// happen; every record operation afterward is plain memory access.
type segment struct {
	file *os.File // backing file descriptor
	mem  []byte   // memory-mapped region
	path string   // backing file path
}

// header returns the typed view of the segment header at the start of the
// mapped region.
func (s *segment) header() *Header {
	return (*Header)(unsafe.Pointer(&s.mem[0]))
}

// createSegment opens or creates the backing file for a producer and maps
// it. A file smaller than the header is treated as fresh and truncated to
// totalSize; the truncate only reserves the extent, the file stays sparse.
// An existing initialized file is mapped as-is so the caller can recover the
// previous contents (or reject them on a layout mismatch).
func createSegment(path string, totalSize int64) (seg *segment, fresh bool, err error) {
	if mmapFile == nil {
		return nil, false, ErrMmapUnsupported
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, false, fmt.Errorf("failed to stat segment file %s: %w", path, err)
	}

	size := info.Size()
	fresh = size < HeaderSize
	if fresh {
		if err := file.Truncate(totalSize); err != nil {
			file.Close()
			return nil, false, fmt.Errorf("failed to reserve segment extent: %w", err)
		}
		size = totalSize
	}

	mem, err := mmapFile(file, size)
	if err != nil {
		file.Close()
		return nil, false, fmt.Errorf("failed to mmap segment: %w", err)
	}

	return &segment{file: file, mem: mem, path: path}, fresh, nil
}

// openSegment maps an existing backing file for a consumer. The mapping is
// read-write because attach bookkeeping lives in the shared header.
func openSegment(path string) (*segment, error) {
	if mmapFile == nil {
		return nil, ErrMmapUnsupported
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrSegmentNotFound, path, err)
		}
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file %s: %w", path, err)
	}

	if info.Size() < HeaderSize {
		file.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrSegmentUninitialized, path, info.Size())
	}

	mem, err := mmapFile(file, info.Size())
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	return &segment{file: file, mem: mem, path: path}, nil
}

// close unmaps the memory and closes the file.
func (s *segment) close() error {
	var firstErr error

	if s.mem != nil {
		if err := unmapMemory(s.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mem = nil
	}

	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}

	return firstErr
}
