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

// Package memory defines a byte-level allocator capability that
// allocator-aware containers can be built on, along with a few
// implementations: the Go heap, a static allocator that never hands out
// memory, and wrappers that count or export metrics about allocations.
//
// Allocation failure is never reported to the caller. An Allocator that
// cannot satisfy a request panics (the Go runtime already aborts the process
// when the heap is exhausted), so callers may assume every allocation
// succeeds.
package memory

import (
	"fmt"
	"unsafe"
)

// Allocator is the capability used to obtain and release raw memory.
//
// An Allocator is free to be goroutine-safe or not; the implementations in
// this package are safe for concurrent use unless documented otherwise.
type Allocator interface {
	// Allocate returns size bytes aligned to align. The contents are
	// unspecified. align must be a power of two.
	Allocate(size, align uintptr) []byte

	// ZeroAllocate is like Allocate but the returned memory is zeroed.
	ZeroAllocate(size, align uintptr) []byte

	// Deallocate releases memory previously returned by this allocator.
	// Deallocating nil is a no-op.
	Deallocate(b []byte)

	// Resize returns a block of newSize bytes aligned to newAlign holding
	// the first min(len(b), newSize) bytes of b. If b is nil this is
	// equivalent to Allocate. If newSize is 0 this is equivalent to
	// Deallocate and nil is returned.
	Resize(b []byte, newSize, newAlign uintptr) []byte
}

// checkAlign panics if align is not a power of two.
func checkAlign(align uintptr) {
	if align == 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("memory: alignment %d is not a power of two", align))
	}
}

// IsAligned reports whether the first byte of b is aligned to align.
func IsAligned(b []byte, align uintptr) bool {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))&(align-1) == 0
}

// resize implements Allocator.Resize in terms of Allocate and Deallocate.
func resize(a Allocator, b []byte, newSize, newAlign uintptr) []byte {
	if newSize == 0 {
		a.Deallocate(b)
		return nil
	}
	if b == nil {
		return a.Allocate(newSize, newAlign)
	}
	n := a.Allocate(newSize, newAlign)
	copy(n, b)
	a.Deallocate(b)
	return n
}

// Heap is an Allocator backed by the Go heap. Deallocate is a no-op; the
// garbage collector reclaims memory once the last reference is dropped.
var Heap Allocator = heapAllocator{}

type heapAllocator struct{}

var _ Allocator = heapAllocator{}

func (heapAllocator) Allocate(size, align uintptr) []byte {
	checkAlign(align)
	if size == 0 {
		return nil
	}
	// make() of a byte slice is only guaranteed to be aligned to the size
	// class of the allocation, so over-allocate and offset into it.
	buf := make([]byte, size+align-1)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	off := (align - base&(align-1)) & (align - 1)
	return buf[off : off+size : off+size]
}

func (h heapAllocator) ZeroAllocate(size, align uintptr) []byte {
	// Fresh Go memory is always zeroed.
	return h.Allocate(size, align)
}

func (heapAllocator) Deallocate([]byte) {}

func (h heapAllocator) Resize(b []byte, newSize, newAlign uintptr) []byte {
	checkAlign(newAlign)
	if newSize == 0 {
		h.Deallocate(b)
		return nil
	}
	if newSize <= uintptr(cap(b)) && IsAligned(b, newAlign) {
		return b[:newSize:newSize]
	}
	return resize(h, b, newSize, newAlign)
}

// Static is an Allocator for memory whose lifetime is managed elsewhere
// (e.g. caller-provided buffers or package-level arrays). Any attempt to
// obtain memory from it panics and Deallocate is a no-op.
var Static Allocator = staticAllocator{}

type staticAllocator struct{}

var _ Allocator = staticAllocator{}

func (staticAllocator) Allocate(size, align uintptr) []byte {
	panic(fmt.Sprintf("memory: static allocator cannot allocate %d bytes", size))
}

func (s staticAllocator) ZeroAllocate(size, align uintptr) []byte {
	return s.Allocate(size, align)
}

func (staticAllocator) Deallocate([]byte) {}

func (s staticAllocator) Resize(b []byte, newSize, newAlign uintptr) []byte {
	if newSize == 0 {
		return nil
	}
	return s.Allocate(newSize, newAlign)
}
