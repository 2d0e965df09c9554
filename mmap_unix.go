//go:build unix

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
	"os"

	"golang.org/x/sys/unix"
)

func init() {
	mmapFile = mmapImpl
	unmapMemory = munmapImpl
}

// mmapImpl maps size bytes of the file shared and read-write. Unwritten
// pages cost nothing until first touch; that demand-paging behavior is what
// makes terabyte-scale capacities affordable.
func mmapImpl(file *os.File, size int64) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid mmap size %d", size)
	}
	if uint64(size) > uint64(math.MaxInt) {
		return nil, fmt.Errorf("segment size %d exceeds the address space", size)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	return data, nil
}

func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}

	return nil
}
