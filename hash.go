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
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
)

// HashFunc computes the hash of a key. It must be deterministic and return
// equal hashes for keys that the table's EqualFunc considers equal.
type HashFunc[K any] func(key K) uint64

// EqualFunc reports whether two keys are equal.
type EqualFunc[K any] func(a, b K) bool

// Each slot in the table stores the (fixed) hash of its key, which doubles as
// its occupancy state:
//
//	    empty: 0
//	tombstone: 1 h h h ... h  // the top bit set, h is the hash of the erased key
//	     full: 0 h h h ... h  // never all zero
const (
	hashEmpty    uint64 = 0
	tombstoneBit uint64 = 1 << 63
)

// fixHash maps an arbitrary hash value into the space of full slot hashes
// by clearing the tombstone bit and remapping 0 to 1.
func fixHash(h uint64) uint64 {
	h &^= tombstoneBit
	if h == hashEmpty {
		h = 1
	}
	return h
}

func isEmpty(h uint64) bool {
	return h == hashEmpty
}

func isTombstone(h uint64) bool {
	return h&tombstoneBit != 0
}

// idealSlot returns the slot at which probing for a stored hash starts. The
// tombstone bit is ignored so that a tombstone retains the position of the
// entry it replaced.
func idealSlot(h uint64, capacity uintptr) uintptr {
	return uintptr((h &^ tombstoneBit) % uint64(capacity))
}

// probeDistance returns the number of slots between slot and the ideal
// slot of the stored hash h, wrapping around the end of the table.
func probeDistance(h uint64, slot, capacity uintptr) uintptr {
	return (capacity + slot - idealSlot(h, capacity)) % capacity
}

// HashString hashes s using xxhash.
func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// HashBytes hashes b using xxhash.
func HashBytes(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// HashFNV1 hashes data with the 64-bit FNV-1 function.
func HashFNV1(data []byte) uint64 {
	const (
		offset64 = 0xcbf29ce484222325
		prime64  = 0x100000001b3
	)
	h := uint64(offset64)
	for _, c := range data {
		h *= prime64
		h ^= uint64(c)
	}
	return h
}

// Integer is the set of types accepted by HashInt.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// HashInt hashes an integer key. Consecutive integers are spread across
// the whole 64-bit range (the finalizer from splitmix64), which matters here
// because the ideal slot is computed modulo a capacity that is not
// necessarily a power of two.
func HashInt[T Integer](v T) uint64 {
	x := uint64(v)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// EqualComparable compares keys with ==.
func EqualComparable[K comparable](a, b K) bool {
	return a == b
}

// comparableHasher returns a HashFunc for any comparable type using the same
// hashing the Go runtime uses for builtin maps, with a random seed.
func comparableHasher[K comparable]() HashFunc[K] {
	seed := maphash.MakeSeed()
	return func(key K) uint64 {
		return maphash.Comparable(seed, key)
	}
}
