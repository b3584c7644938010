// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"fmt"
	"sync"
	"unsafe"
)

// CountingStats is a snapshot of the counters maintained by a Counting
// allocator.
type CountingStats struct {
	// Allocs and Frees count calls that obtained or released a block.
	Allocs int
	Frees  int
	// LiveBlocks and LiveBytes describe memory that has been allocated but
	// not yet deallocated.
	LiveBlocks int
	LiveBytes  uintptr
	// TotalBytes is the sum of the sizes of every block ever allocated.
	TotalBytes uintptr
}

// Counting wraps an upstream Allocator and keeps track of every block it
// hands out. Deallocating a block that was not obtained from the Counting
// allocator (or that was already deallocated) panics, which makes it useful
// for catching double frees and leaks in tests.
type Counting struct {
	upstream Allocator

	mu struct {
		sync.Mutex
		live  map[unsafe.Pointer]uintptr
		stats CountingStats
	}
}

var _ Allocator = (*Counting)(nil)

// NewCounting returns a Counting allocator wrapping upstream. A nil upstream
// defaults to Heap.
func NewCounting(upstream Allocator) *Counting {
	if upstream == nil {
		upstream = Heap
	}
	c := &Counting{upstream: upstream}
	c.mu.live = make(map[unsafe.Pointer]uintptr)
	return c
}

// Stats returns a snapshot of the allocator's counters.
func (c *Counting) Stats() CountingStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.stats
}

func (c *Counting) track(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.live[unsafe.Pointer(unsafe.SliceData(b))] = uintptr(len(b))
	c.mu.stats.Allocs++
	c.mu.stats.LiveBlocks++
	c.mu.stats.LiveBytes += uintptr(len(b))
	c.mu.stats.TotalBytes += uintptr(len(b))
	return b
}

func (c *Counting) Allocate(size, align uintptr) []byte {
	return c.track(c.upstream.Allocate(size, align))
}

func (c *Counting) ZeroAllocate(size, align uintptr) []byte {
	return c.track(c.upstream.ZeroAllocate(size, align))
}

func (c *Counting) Deallocate(b []byte) {
	if b == nil {
		return
	}
	p := unsafe.Pointer(unsafe.SliceData(b))
	c.mu.Lock()
	size, ok := c.mu.live[p]
	if !ok {
		c.mu.Unlock()
		panic(fmt.Sprintf("memory: deallocating unknown block %p (%d bytes)", p, len(b)))
	}
	delete(c.mu.live, p)
	c.mu.stats.Frees++
	c.mu.stats.LiveBlocks--
	c.mu.stats.LiveBytes -= size
	c.mu.Unlock()

	c.upstream.Deallocate(b)
}

func (c *Counting) Resize(b []byte, newSize, newAlign uintptr) []byte {
	checkAlign(newAlign)
	return resize(c, b, newSize, newAlign)
}
