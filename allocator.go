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

package robinhood

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/cockroachdb/robinhood/memory"
)

// Allocator specifies an interface for allocating and releasing the three
// parallel arrays used by a Table. The default allocator utilizes Go's
// builtin make() and allows the GC to reclaim memory.
//
// Allocation failure is not reported: an Allocator that cannot satisfy a
// request must panic. If the allocator is manually managing memory then
// Table.Close must be called in order to ensure the Free methods are called.
type Allocator[K any, V any] interface {
	// AllocHashes should return a slice equivalent to make([]uint64, n). The
	// slice must be zeroed.
	AllocHashes(n int) []uint64

	// AllocKeys should return a slice of length n. The contents do not need
	// to be initialized.
	AllocKeys(n int) []K

	// AllocValues should return a slice of length n. The contents do not
	// need to be initialized.
	AllocValues(n int) []V

	// FreeHashes, FreeKeys and FreeValues can optionally release the memory
	// associated with the supplied slice that is guaranteed to have been
	// allocated by the corresponding Alloc method.
	FreeHashes(v []uint64)
	FreeKeys(v []K)
	FreeValues(v []V)
}

type defaultAllocator[K any, V any] struct{}

func (defaultAllocator[K, V]) AllocHashes(n int) []uint64 {
	return make([]uint64, n)
}

func (defaultAllocator[K, V]) AllocKeys(n int) []K {
	return make([]K, n)
}

func (defaultAllocator[K, V]) AllocValues(n int) []V {
	return make([]V, n)
}

func (defaultAllocator[K, V]) FreeHashes([]uint64) {}
func (defaultAllocator[K, V]) FreeKeys([]K)        {}
func (defaultAllocator[K, V]) FreeValues([]V)      {}

// memoryAllocator carves the table arrays out of a byte-level
// memory.Allocator. The GC does not scan memory obtained this way, so K and
// V must not contain pointers.
type memoryAllocator[K any, V any] struct {
	mem memory.Allocator
}

func newMemoryAllocator[K any, V any](mem memory.Allocator) memoryAllocator[K, V] {
	for _, t := range []reflect.Type{reflect.TypeFor[K](), reflect.TypeFor[V]()} {
		if hasPointers(t) {
			panic(fmt.Sprintf("robinhood: %s contains pointers and cannot be stored in a memory.Allocator", t))
		}
	}
	return memoryAllocator[K, V]{mem: mem}
}

func (a memoryAllocator[K, V]) AllocHashes(n int) []uint64 {
	return allocSlice[uint64](a.mem, n, true)
}

func (a memoryAllocator[K, V]) AllocKeys(n int) []K {
	return allocSlice[K](a.mem, n, false)
}

func (a memoryAllocator[K, V]) AllocValues(n int) []V {
	return allocSlice[V](a.mem, n, false)
}

func (a memoryAllocator[K, V]) FreeHashes(v []uint64) {
	freeSlice(a.mem, v)
}

func (a memoryAllocator[K, V]) FreeKeys(v []K) {
	freeSlice(a.mem, v)
}

func (a memoryAllocator[K, V]) FreeValues(v []V) {
	freeSlice(a.mem, v)
}

func allocSlice[T any](mem memory.Allocator, n int, zero bool) []T {
	var t T
	size := unsafe.Sizeof(t) * uintptr(n)
	if size == 0 {
		return make([]T, n)
	}
	var b []byte
	if zero {
		b = mem.ZeroAllocate(size, unsafe.Alignof(t))
	} else {
		b = mem.Allocate(size, unsafe.Alignof(t))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n)
}

func freeSlice[T any](mem memory.Allocator, v []T) {
	var t T
	size := unsafe.Sizeof(t) * uintptr(len(v))
	if size == 0 {
		return
	}
	mem.Deallocate(unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(v))), size))
}

// hasPointers reports whether values of type t contain pointers the GC
// would need to trace.
func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return t.Len() > 0 && hasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// fixedAllocator backs a Table built over caller-provided buffers. The table
// cannot grow beyond those buffers, so any allocation panics.
type fixedAllocator[K any, V any] struct{}

func (fixedAllocator[K, V]) AllocHashes(n int) []uint64 {
	panic(fmt.Sprintf("robinhood: fixed-buffer table cannot grow to %d slots", n))
}

func (a fixedAllocator[K, V]) AllocKeys(n int) []K {
	panic(fmt.Sprintf("robinhood: fixed-buffer table cannot grow to %d slots", n))
}

func (a fixedAllocator[K, V]) AllocValues(n int) []V {
	panic(fmt.Sprintf("robinhood: fixed-buffer table cannot grow to %d slots", n))
}

func (fixedAllocator[K, V]) FreeHashes([]uint64) {}
func (fixedAllocator[K, V]) FreeKeys([]K)        {}
func (fixedAllocator[K, V]) FreeValues([]V)      {}
