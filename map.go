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

// package robinhood is a Go implementation of an open-addressing hash table
// using Robin Hood hashing. See also:
// https://programming.guide/robin-hood-hashing.html.
//
// # Robin Hood hashing
//
// A Table maps keys to values, similar to Go's builtin map type, but is
// parameterized by a user-supplied hash function and equality comparator
// and by a pluggable Allocator. Collisions are handled with open-addressing
// and linear probing: every entry lives directly in the backing arrays and a
// key that hashes to an occupied slot is placed in a later slot.
//
// The table is laid out as three parallel arrays of equal length: the fixed
// hash of each slot, the keys and the values. The stored hash doubles as the
// slot's state. A hash of 0 marks an empty slot, a hash with the top bit set
// marks a tombstone and any other value is the hash of a live entry (see
// fixHash). Deciding occupancy therefore only ever looks at the hashes array.
//
// The position hash%capacity is the ideal slot of an entry and the number of
// slots between its actual and its ideal position is its probe distance.
// Insertion walks forward from the ideal slot. Whenever it meets an entry
// that is closer to its own ideal slot than the entry being inserted is
// ("richer"), the two are swapped and the walk continues with the evicted
// entry. This bounds the variance of probe distances and yields the
// following invariant which lookups exploit to terminate early: walking a
// probe sequence, the distance of consecutive non-empty slots never grows by
// more than one. A lookup that has probed further than the distance of the
// slot it is looking at can stop; the key would have displaced that slot.
//
// Deletion marks slots as tombstones by setting the top bit of the stored
// hash. A tombstone keeps the probe distance of the entry it replaced so the
// invariant above is preserved, and it can be overwritten by a later
// insertion that would otherwise have displaced it. Tombstones are dropped
// when the table is rebuilt by a growth or rehash pass.
//
// # Growth
//
// Before an insertion the table ensures that the number of live entries
// stays at or below 90% of its capacity, doubling the capacity otherwise.
// Growth allocates fresh arrays and reinserts every live entry using its
// stored hash. When tombstones use up the headroom and at least a third of
// the slots can be reclaimed, or the table lives in fixed buffers, the
// tombstones are purged in place instead. The table never shrinks.
//
// # Slot indices
//
// Insert and Find return slot indices that can be passed to Key, Value,
// SetValue and EraseAt. A slot index is only valid until the next insertion:
// growth replaces the arrays and even a non-growing insertion may move
// entries while displacing them.
package robinhood

import (
	"fmt"
	"iter"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	// maxLoadPercent is the maximum percentage of slots that may be used
	// before the table grows.
	maxLoadPercent = 90

	// minCapacity is the capacity of a table after its first growth.
	minCapacity = 8
)

// NotFound is returned by Find when the key is not present.
const NotFound = -1

// Table is an open-addressing hash table using Robin Hood hashing. See the
// package documentation for details.
//
// A Table is NOT goroutine-safe.
type Table[K any, V any] struct {
	hash  HashFunc[K]
	equal EqualFunc[K]
	// The allocator to use for the hashes, keys and values slices.
	allocator Allocator[K, V]
	logger    *zap.Logger

	// hashes, keys and values are capacity in length. keys[i] and values[i]
	// are only meaningful if hashes[i] is neither empty nor a tombstone.
	hashes []uint64
	keys   []K
	values []V
	// The number of live entries.
	size int
	// The number of tombstone slots. Tombstones are not live but occupy a
	// slot for the purposes of probing.
	tombstones int

	// initialCapacity is only used during construction.
	initialCapacity int
}

// New constructs a new, empty Table using the supplied hash and equality
// functions. The table starts out with zero capacity and allocates nothing
// until the first insert, unless WithInitialCapacity is specified.
func New[K any, V any](hash HashFunc[K], equal EqualFunc[K], options ...Option[K, V]) *Table[K, V] {
	t := &Table[K, V]{
		hash:      hash,
		equal:     equal,
		allocator: defaultAllocator[K, V]{},
	}
	for _, op := range options {
		op.apply(t)
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}

	if t.initialCapacity > 0 {
		t.Reserve(t.initialCapacity)
	}
	t.checkInvariants()
	return t
}

// NewComparable constructs a new, empty Table for a comparable key type. Keys
// are compared with == and hashed the same way Go's builtin map hashes them.
func NewComparable[K comparable, V any](options ...Option[K, V]) *Table[K, V] {
	return New[K, V](comparableHasher[K](), EqualComparable[K], options...)
}

// NewWithBuffers constructs a Table which stores its entries in the supplied
// buffers, which must all have the same length. The buffers are owned by the
// table until it is closed. hashes is zeroed.
//
// The table cannot grow beyond the buffers: an insertion that would take the
// table above 90% of len(hashes) panics. Any WithAllocator or WithMemory
// option is ignored.
func NewWithBuffers[K any, V any](
	hash HashFunc[K], equal EqualFunc[K], hashes []uint64, keys []K, values []V, options ...Option[K, V],
) *Table[K, V] {
	if len(hashes) != len(keys) || len(hashes) != len(values) {
		panic(fmt.Sprintf("robinhood: buffer lengths differ: hashes=%d keys=%d values=%d",
			len(hashes), len(keys), len(values)))
	}
	t := New(hash, equal, options...)
	if len(t.hashes) > 0 {
		// WithInitialCapacity allocated storage we are about to discard.
		t.allocator.FreeHashes(t.hashes)
		t.allocator.FreeKeys(t.keys)
		t.allocator.FreeValues(t.values)
	}
	clear(hashes)
	t.allocator = fixedAllocator[K, V]{}
	t.hashes, t.keys, t.values = hashes, keys, values
	t.size, t.tombstones = 0, 0
	t.checkInvariants()
	return t
}

// Close closes the table, releasing any memory back to its configured
// allocator. It is unnecessary to close a table using the default allocator.
// It is invalid to use a Table after it has been closed, though Close itself
// is idempotent.
func (t *Table[K, V]) Close() {
	if len(t.hashes) > 0 {
		t.allocator.FreeHashes(t.hashes)
		t.allocator.FreeKeys(t.keys)
		t.allocator.FreeValues(t.values)
	}
	t.hashes, t.keys, t.values = nil, nil, nil
	t.size, t.tombstones = 0, 0
	t.allocator = nil
}

// Len returns the number of entries in the table.
func (t *Table[K, V]) Len() int {
	return t.size
}

// Cap returns the number of slots in the table.
func (t *Table[K, V]) Cap() int {
	return len(t.hashes)
}

// Reserve ensures that at least n entries fit in the table below the
// maximum load factor, growing it to max(n, 2*Cap()) slots otherwise.
func (t *Table[K, V]) Reserve(n int) {
	if c := len(t.hashes); c*maxLoadPercent/100 < n {
		t.resize(max(n, 2*c, minCapacity))
	}
}

// Insert inserts an entry into the table and returns its slot.
//
// The key must not already be present. Inserting a duplicate key does not
// replace the existing entry; both entries are stored and lookups return
// whichever is found first. Use Put to overwrite an existing entry.
func (t *Table[K, V]) Insert(key K, value V) int {
	return t.InsertWithHash(t.hash(key), key, value)
}

// InsertWithHash is like Insert for callers that have already computed
// hash(key). hash must be the value the table's HashFunc returns for key.
func (t *Table[K, V]) InsertWithHash(hash uint64, key K, value V) int {
	t.Reserve(t.size + 1)
	// Reserve only accounts for live entries. If tombstones have eaten the
	// remaining headroom rebuild the table so that the probe loop in
	// insertSlot is guaranteed to reach an empty slot.
	if c := len(t.hashes); t.size+t.tombstones+1 > c*maxLoadPercent/100 {
		t.rehash()
	}
	slot := t.insertSlot(fixHash(hash), key, value)
	t.checkInvariants()
	return slot
}

// insertSlot places an entry with an already fixed hash using Robin Hood
// displacement and returns the slot the entry ended up in. The table must
// contain at least one empty slot.
func (t *Table[K, V]) insertSlot(h uint64, key K, value V) int {
	capacity := uintptr(len(t.hashes))
	slot := idealSlot(h, capacity)
	placed := NotFound

	for dist := uintptr(0); ; dist++ {
		cur := t.hashes[slot]
		if isEmpty(cur) {
			break
		}
		if other := probeDistance(cur, slot, capacity); other < dist {
			if isTombstone(cur) {
				t.tombstones--
				break
			}
			// The occupant is richer than the entry being placed. Take its
			// slot and carry on placing the occupant.
			if placed == NotFound {
				placed = int(slot)
			}
			t.hashes[slot], h = h, cur
			t.keys[slot], key = key, t.keys[slot]
			t.values[slot], value = value, t.values[slot]
			dist = other
		}
		if slot++; slot == capacity {
			slot = 0
		}
	}

	t.hashes[slot] = h
	t.keys[slot] = key
	t.values[slot] = value
	t.size++
	if placed == NotFound {
		placed = int(slot)
	}
	return placed
}

// Find returns the slot holding key, or NotFound if the key is not present.
func (t *Table[K, V]) Find(key K) int {
	if t.size == 0 {
		return NotFound
	}
	return t.FindWithHash(t.hash(key), key)
}

// FindWithHash is like Find for callers that have already computed
// hash(key).
func (t *Table[K, V]) FindWithHash(hash uint64, key K) int {
	if t.size == 0 {
		return NotFound
	}
	h := fixHash(hash)
	capacity := uintptr(len(t.hashes))
	slot := idealSlot(h, capacity)

	// The probe distance of any slot is below capacity so the loop
	// terminates after at most one full pass over the table.
	for dist := uintptr(0); ; dist++ {
		cur := t.hashes[slot]
		if isEmpty(cur) || dist > probeDistance(cur, slot, capacity) {
			return NotFound
		}
		// A tombstone never compares equal to h since h has the tombstone
		// bit clear.
		if cur == h && t.equal(key, t.keys[slot]) {
			return int(slot)
		}
		if slot++; slot == capacity {
			slot = 0
		}
	}
}

// Erase deletes the entry corresponding to the specified key from the
// table. It is a noop to erase a non-existent key.
func (t *Table[K, V]) Erase(key K) {
	if slot := t.Find(key); slot != NotFound {
		t.EraseAt(slot)
	}
}

// EraseAt deletes the entry at slot, which must have been returned by Find
// or Insert without an intervening insertion.
func (t *Table[K, V]) EraseAt(slot int) {
	if invariants {
		if slot < 0 || slot >= len(t.hashes) {
			panic(fmt.Sprintf("invariant failed: slot %d out of range [0,%d)", slot, len(t.hashes)))
		}
		if h := t.hashes[slot]; isEmpty(h) || isTombstone(h) {
			panic(fmt.Sprintf("invariant failed: slot %d is not live [hash=%016x]", slot, h))
		}
	}
	t.hashes[slot] |= tombstoneBit
	t.size--
	t.tombstones++
	t.checkInvariants()
}

// Key returns the key stored at slot.
func (t *Table[K, V]) Key(slot int) K {
	return t.keys[slot]
}

// Value returns the value stored at slot.
func (t *Table[K, V]) Value(slot int) V {
	return t.values[slot]
}

// SetValue replaces the value stored at slot.
func (t *Table[K, V]) SetValue(slot int, value V) {
	t.values[slot] = value
}

// Put inserts an entry into the table, overwriting an existing value if an
// entry with the same key already exists.
func (t *Table[K, V]) Put(key K, value V) {
	h := t.hash(key)
	if slot := t.FindWithHash(h, key); slot != NotFound {
		t.values[slot] = value
		return
	}
	t.InsertWithHash(h, key, value)
}

// Get retrieves the value from the table for the specified key, return
// ok=false if the key is not present.
func (t *Table[K, V]) Get(key K) (value V, ok bool) {
	if slot := t.Find(key); slot != NotFound {
		return t.values[slot], true
	}
	return value, false
}

// Delete deletes the entry corresponding to the specified key from the
// table. It is equivalent to Erase.
func (t *Table[K, V]) Delete(key K) {
	t.Erase(key)
}

// All returns an iterator over the keys and values present in the table, in
// an unspecified order. The iterator works on a snapshot of the table's
// arrays taken when iteration starts. If the table is mutated during
// iteration, entries may be missed or seen more than once.
//
//	for k, v := range t.All() {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (t *Table[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		hashes, keys, values := t.hashes, t.keys, t.values
		for i, h := range hashes {
			if isEmpty(h) || isTombstone(h) {
				continue
			}
			if !yield(keys[i], values[i]) {
				return
			}
		}
	}
}

// Clear deletes all entries from the table resulting in an empty table. The
// capacity is retained.
func (t *Table[K, V]) Clear() {
	clear(t.hashes)
	clear(t.keys)
	clear(t.values)
	t.size, t.tombstones = 0, 0
	t.checkInvariants()
}

// Stats describes the occupancy of a Table.
type Stats struct {
	Len        int
	Cap        int
	Tombstones int
	// MaxDistance and MeanDistance describe the probe distances of the live
	// entries.
	MaxDistance  int
	MeanDistance float64
}

// Stats returns occupancy statistics for the table. It walks every slot.
func (t *Table[K, V]) Stats() Stats {
	s := Stats{
		Len:        t.size,
		Cap:        len(t.hashes),
		Tombstones: t.tombstones,
	}
	var total int
	capacity := uintptr(len(t.hashes))
	for i, h := range t.hashes {
		if isEmpty(h) || isTombstone(h) {
			continue
		}
		d := int(probeDistance(h, uintptr(i), capacity))
		total += d
		s.MaxDistance = max(s.MaxDistance, d)
	}
	if t.size > 0 {
		s.MeanDistance = float64(total) / float64(t.size)
	}
	return s
}

// rehash rebuilds a table whose headroom has been consumed by tombstones.
// The tombstones are purged in place if that recovers at least a third of the
// slots, and the capacity is doubled otherwise. A table over fixed buffers
// cannot grow and is always purged in place.
func (t *Table[K, V]) rehash() {
	c := len(t.hashes)
	if _, fixed := t.allocator.(fixedAllocator[K, V]); fixed || t.tombstones >= c/3 {
		t.rehashInPlace()
	} else {
		t.resize(2 * c)
	}
}

// rehashInPlace removes every tombstone without allocating. Each tombstone
// is dropped by shifting the following run of displaced slots back by one,
// which lowers each of their distances by one and keeps the Robin Hood
// invariant. A slot at its ideal position or an empty slot ends the run.
func (t *Table[K, V]) rehashInPlace() {
	tombstones := t.tombstones
	capacity := uintptr(len(t.hashes))
	for slot := uintptr(0); t.tombstones > 0; {
		if !isTombstone(t.hashes[slot]) {
			if slot++; slot == capacity {
				slot = 0
			}
			continue
		}
		// Shifting may move another tombstone into slot, so slot is examined
		// again on the next iteration.
		hole := slot
		for {
			next := hole + 1
			if next == capacity {
				next = 0
			}
			h := t.hashes[next]
			if isEmpty(h) || probeDistance(h, next, capacity) == 0 {
				break
			}
			t.hashes[hole] = h
			t.keys[hole] = t.keys[next]
			t.values[hole] = t.values[next]
			hole = next
		}
		var zeroK K
		var zeroV V
		t.hashes[hole] = hashEmpty
		t.keys[hole] = zeroK
		t.values[hole] = zeroV
		t.tombstones--
	}

	if ce := t.logger.Check(zap.DebugLevel, "rehash-in-place"); ce != nil {
		ce.Write(
			zap.Int("capacity", len(t.hashes)),
			zap.Int("size", t.size),
			zap.Int("tombstones", tombstones),
		)
	}
	t.checkInvariants()
}

// resize allocates fresh arrays of the specified capacity, reinserts every
// live entry of the old arrays into them using the stored hash, and releases
// the old arrays. Tombstones are not carried over.
func (t *Table[K, V]) resize(newCapacity int) {
	oldHashes, oldKeys, oldValues := t.hashes, t.keys, t.values
	oldSize, oldTombstones := t.size, t.tombstones

	t.hashes = t.allocator.AllocHashes(newCapacity)
	t.keys = t.allocator.AllocKeys(newCapacity)
	t.values = t.allocator.AllocValues(newCapacity)
	t.size, t.tombstones = 0, 0

	for i, h := range oldHashes {
		if isEmpty(h) || isTombstone(h) {
			continue
		}
		t.insertSlot(h, oldKeys[i], oldValues[i])
	}

	if len(oldHashes) > 0 {
		t.allocator.FreeHashes(oldHashes)
		t.allocator.FreeKeys(oldKeys)
		t.allocator.FreeValues(oldValues)
	}

	if ce := t.logger.Check(zap.DebugLevel, "resize"); ce != nil {
		ce.Write(
			zap.Int("old-capacity", len(oldHashes)),
			zap.Int("new-capacity", newCapacity),
			zap.Int("size", oldSize),
			zap.Int("tombstones", oldTombstones),
		)
	}
	t.checkInvariants()
}

func (t *Table[K, V]) checkInvariants() {
	if invariants {
		if err := t.validate(); err != nil {
			panic(fmt.Sprintf("%v\n%s", err, t.debugString()))
		}
	}
}

// validate checks the structural invariants of the table: the slot counts,
// the hash stored for every live entry, that every live entry can be found,
// and the Robin Hood distance invariant.
func (t *Table[K, V]) validate() error {
	capacity := uintptr(len(t.hashes))
	if len(t.keys) != len(t.hashes) || len(t.values) != len(t.hashes) {
		return errors.AssertionFailedf("invariant failed: array lengths differ: hashes=%d keys=%d values=%d",
			len(t.hashes), len(t.keys), len(t.values))
	}

	var used, deleted, empty int
	for i, h := range t.hashes {
		slot := uintptr(i)
		switch {
		case isEmpty(h):
			empty++
			continue
		case isTombstone(h):
			deleted++
		default:
			used++
			if fixed := fixHash(t.hash(t.keys[i])); fixed != h {
				return errors.AssertionFailedf("invariant failed: slot(%d): stored hash %016x != %016x",
					i, h, fixed)
			}
			if t.Find(t.keys[i]) == NotFound {
				return errors.AssertionFailedf("invariant failed: slot(%d): %v not found", i, t.keys[i])
			}
		}

		// Walking forward from the ideal slot of an entry only passes
		// non-empty slots whose distance grows by at most one per slot.
		if d := probeDistance(h, slot, capacity); d > 0 {
			prev := (slot + capacity - 1) % capacity
			ph := t.hashes[prev]
			if isEmpty(ph) {
				return errors.AssertionFailedf("invariant failed: slot(%d): distance %d but slot(%d) is empty",
					i, d, prev)
			}
			if pd := probeDistance(ph, prev, capacity); d > pd+1 {
				return errors.AssertionFailedf("invariant failed: slot(%d): distance %d > slot(%d) distance %d + 1",
					i, d, prev, pd)
			}
		}
	}

	if used != t.size {
		return errors.AssertionFailedf("invariant failed: found %d used slots, but size is %d", used, t.size)
	}
	if deleted != t.tombstones {
		return errors.AssertionFailedf("invariant failed: found %d tombstones, but expected %d",
			deleted, t.tombstones)
	}
	if capacity > 0 && empty == 0 {
		return errors.AssertionFailedf("invariant failed: no empty slot")
	}
	return nil
}

func (t *Table[K, V]) debugString() string {
	var buf strings.Builder
	capacity := uintptr(len(t.hashes))
	fmt.Fprintf(&buf, "capacity=%d  size=%d  tombstones=%d\n", capacity, t.size, t.tombstones)
	for i, h := range t.hashes {
		switch {
		case isEmpty(h):
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case isTombstone(h):
			fmt.Fprintf(&buf, "  %4d: tombstone [hash=%016x dist=%d]\n",
				i, h, probeDistance(h, uintptr(i), capacity))
		default:
			fmt.Fprintf(&buf, "  %4d: %v [hash=%016x dist=%d]\n",
				i, t.keys[i], h, probeDistance(h, uintptr(i), capacity))
		}
	}
	return buf.String()
}
