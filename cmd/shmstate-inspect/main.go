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

// shmstate-inspect prints the header of a shmstate segment and can watch its
// commit counter to report the producer's publish rate.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/quartzfeed/shmstate"
)

func main() {
	path := flag.String("path", "", "segment file path")
	watch := flag.Duration("watch", 0, "poll the commit counter for this long and report rates")
	interval := flag.Duration("interval", time.Second, "polling interval in watch mode")
	flag.Parse()

	if *path == "" {
		log.Fatal("usage: shmstate-inspect -path <segment> [-watch 10s]")
	}

	info, err := shmstate.Peek(*path)
	if err != nil {
		log.Fatalf("Failed to inspect segment: %v", err)
	}

	fmt.Printf("=== Segment %s ===\n", info.Path)
	fmt.Printf("File size:            %d bytes\n", info.FileSize)
	fmt.Printf("Published records:    %d\n", info.Size)
	fmt.Printf("Capacity:             %d records\n", info.Capacity)
	fmt.Printf("Accumulated version:  %d\n", info.AccumulatedVersion)
	fmt.Printf("Attachments:          %d\n", info.Refcount)
	fmt.Printf("Producer attached:    %v\n", info.HasProducer)
	fmt.Printf("Remove on last detach: %v\n", info.DeleteOnLastDetach)

	if *watch <= 0 {
		return
	}

	fmt.Printf("\n=== Watching commits for %v ===\n", *watch)
	prev := info.AccumulatedVersion
	deadline := time.Now().Add(*watch)

	for time.Now().Before(deadline) {
		time.Sleep(*interval)

		info, err = shmstate.Peek(*path)
		if err != nil {
			log.Fatalf("Failed to re-inspect segment: %v", err)
		}

		delta := info.AccumulatedVersion - prev
		prev = info.AccumulatedVersion
		fmt.Printf("size=%d commits=%d rate=%.0f/s\n",
			info.Size, info.AccumulatedVersion, float64(delta)/interval.Seconds())
	}
}
