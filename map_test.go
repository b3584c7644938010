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
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// toBuiltinMap returns the elements as a map[K]V. Useful for testing.
func toBuiltinMap[K comparable, V any](t *Table[K, V]) map[K]V {
	r := make(map[K]V)
	for k, v := range t.All() {
		r[k] = v
	}
	return r
}

// randElement returns an element of the table. Elements are not selected
// uniformly at random; the first live slot after a random starting point is
// used.
func (t *Table[K, V]) randElement() (key K, value V, ok bool) {
	if t.size == 0 {
		return key, value, false
	}
	n := len(t.hashes)
	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		j := (start + i) % n
		if h := t.hashes[j]; !isEmpty(h) && !isTombstone(h) {
			return t.keys[j], t.values[j], true
		}
	}
	panic("not reached")
}

func newIntTable(options ...Option[int, int]) *Table[int, int] {
	return New[int, int](HashInt[int], EqualComparable[int], options...)
}

// identityHash places key k at ideal slot k%capacity, which makes it easy to
// construct collisions by hand.
func identityHash(k int) uint64 {
	return uint64(k)
}

func TestEmpty(t *testing.T) {
	m := newIntTable()
	require.EqualValues(t, 0, m.Len())
	require.EqualValues(t, 0, m.Cap())
	require.Equal(t, NotFound, m.Find(1))
	m.Erase(1)
	require.NoError(t, m.validate())
	m.Close()
}

func TestInsertFindErase(t *testing.T) {
	m := newIntTable()
	require.EqualValues(t, 0, m.Cap())

	m.Insert(23, 47)
	require.GreaterOrEqual(t, m.Cap(), 2)

	slot := m.Find(23)
	require.NotEqual(t, NotFound, slot)
	require.EqualValues(t, 23, m.Key(slot))
	require.EqualValues(t, 47, m.Value(slot))

	m.Erase(23)
	require.Equal(t, NotFound, m.Find(23))
	require.EqualValues(t, 0, m.Len())
	require.NoError(t, m.validate())
	m.Close()
}

func TestInsertFind(t *testing.T) {
	m := newIntTable()
	m.Insert(1, 2)
	pos := m.Find(1)
	require.NotEqual(t, NotFound, pos)
	require.EqualValues(t, 2, m.Value(pos))

	m.Insert(321, 642)
	pos = m.Find(1)
	require.NotEqual(t, NotFound, pos)
	require.EqualValues(t, 2, m.Value(pos))
	pos = m.Find(321)
	require.NotEqual(t, NotFound, pos)
	require.EqualValues(t, 642, m.Value(pos))

	require.Equal(t, NotFound, m.Find(456))
	m.Close()
}

func TestInsertEvenKeys(t *testing.T) {
	m := newIntTable()
	for i := 0; i < 1000; i++ {
		m.Insert(2*i, -2*i+3)
	}
	require.EqualValues(t, 1000, m.Len())
	require.GreaterOrEqual(t, m.Cap(), 1000)
	require.NoError(t, m.validate())

	for k := 0; k < 2000; k++ {
		slot := m.Find(k)
		if k%2 == 0 {
			require.NotEqual(t, NotFound, slot, "key %d", k)
			require.EqualValues(t, -k+3, m.Value(slot))
		} else {
			require.Equal(t, NotFound, slot, "key %d", k)
		}
	}
	m.Close()
}

func TestInitialCapacity(t *testing.T) {
	testCases := []struct {
		initialCapacity  int
		expectedCapacity int
	}{
		{0, 0},
		{1, 8},
		{7, 8},
		{8, 8},
		{9, 9},
		{100, 100},
		{1000, 1000},
	}
	for _, c := range testCases {
		t.Run("", func(t *testing.T) {
			m := newIntTable(WithInitialCapacity[int, int](c.initialCapacity))
			require.EqualValues(t, c.expectedCapacity, m.Cap())
			require.EqualValues(t, 0, m.Len())
		})
	}
}

func TestReserve(t *testing.T) {
	m := newIntTable()
	m.Reserve(10)
	require.EqualValues(t, 10, m.Cap())

	// Reserving no more than the current headroom is a noop.
	m.Reserve(9)
	require.EqualValues(t, 10, m.Cap())

	// Growth at least doubles.
	m.Reserve(10)
	require.EqualValues(t, 20, m.Cap())
	m.Reserve(100)
	require.EqualValues(t, 100, m.Cap())

	// The table never shrinks.
	m.Reserve(1)
	require.EqualValues(t, 100, m.Cap())
}

func TestGrowth(t *testing.T) {
	m := newIntTable()
	var capacities []int
	for i := 0; i < 100; i++ {
		m.Insert(i, i)
		if n := len(capacities); n == 0 || capacities[n-1] != m.Cap() {
			capacities = append(capacities, m.Cap())
		}
		// Growth is triggered before the load factor exceeds 90%.
		require.LessOrEqual(t, m.Len()*100, m.Cap()*maxLoadPercent)
	}
	require.Equal(t, []int{8, 16, 32, 64, 128}, capacities)

	for i := 0; i < 100; i++ {
		v, ok := m.Get(i)
		require.True(t, ok)
		require.EqualValues(t, i, v)
	}
	require.NoError(t, m.validate())
}

func TestDisplacement(t *testing.T) {
	m := New[int, int](identityHash, EqualComparable[int], WithInitialCapacity[int, int](1))
	require.EqualValues(t, 8, m.Cap())

	require.Equal(t, 2, m.Insert(2, 20))
	require.Equal(t, 1, m.Insert(1, 10))
	// 9 has ideal slot 1 which is taken. At slot 2 it is one slot from home
	// while 2 is in its ideal slot, so 9 takes slot 2 and 2 moves on.
	require.Equal(t, 2, m.Insert(9, 90))
	require.Equal(t, 1, m.Find(1))
	require.Equal(t, 2, m.Find(9))
	require.Equal(t, 3, m.Find(2))
	require.EqualValues(t, 20, m.Value(m.Find(2)))
	require.NoError(t, m.validate())

	s := m.Stats()
	require.Equal(t, 3, s.Len)
	require.Equal(t, 1, s.MaxDistance)
}

func TestTombstoneReuse(t *testing.T) {
	m := New[int, int](identityHash, EqualComparable[int], WithInitialCapacity[int, int](1))
	m.Insert(1, 10)
	m.Insert(2, 20)
	m.Erase(2)
	require.Equal(t, 1, m.Stats().Tombstones)
	require.Equal(t, NotFound, m.Find(2))

	// 9 probes slot 1 (taken by 1) and then the tombstone at slot 2, which
	// is closer to its ideal slot than 9 would be. The tombstone is reused.
	require.Equal(t, 2, m.Insert(9, 90))
	require.Equal(t, 0, m.Stats().Tombstones)
	require.EqualValues(t, 2, m.Len())
	require.NoError(t, m.validate())
}

func TestRehashInPlace(t *testing.T) {
	m := New[int, int](identityHash, EqualComparable[int], WithInitialCapacity[int, int](1))
	require.EqualValues(t, 8, m.Cap())
	m.Insert(1, 10)
	m.Insert(9, 90)
	m.Insert(17, 170)
	m.Insert(3, 30)
	require.Equal(t, 2, m.Find(9))
	require.Equal(t, 3, m.Find(17))
	require.Equal(t, 4, m.Find(3))

	m.Erase(9)
	m.Erase(3)
	require.Equal(t, 2, m.Stats().Tombstones)

	// Both tombstones are dropped and 17 moves back towards its ideal slot.
	m.rehashInPlace()
	require.NoError(t, m.validate())
	require.EqualValues(t, 8, m.Cap())
	require.Equal(t, 0, m.Stats().Tombstones)
	require.EqualValues(t, 2, m.Len())
	require.Equal(t, 1, m.Find(1))
	require.Equal(t, 2, m.Find(17))
	require.EqualValues(t, 170, m.Value(2))
	for i, h := range m.hashes {
		if i != 1 && i != 2 {
			require.True(t, isEmpty(h), "slot %d", i)
		}
	}
}

func TestRehashInPlaceWrap(t *testing.T) {
	m := New[int, int](identityHash, EqualComparable[int], WithInitialCapacity[int, int](1))
	// 7, 15 and 23 all have ideal slot 7 and wrap around to slots 0 and 1.
	m.Insert(7, 70)
	m.Insert(15, 150)
	m.Insert(23, 230)
	require.Equal(t, 7, m.Find(7))
	require.Equal(t, 0, m.Find(15))
	require.Equal(t, 1, m.Find(23))

	m.Erase(7)
	m.rehashInPlace()
	require.NoError(t, m.validate())
	require.Equal(t, 7, m.Find(15))
	require.Equal(t, 0, m.Find(23))
	require.True(t, isEmpty(m.hashes[1]))
}

func TestTombstoneChurn(t *testing.T) {
	m := newIntTable(WithInitialCapacity[int, int](64))
	require.EqualValues(t, 64, m.Cap())
	for i := 0; i < 10; i++ {
		m.Insert(i, i)
	}

	// Repeatedly inserting and erasing must not grow the table; tombstones
	// are either reused or purged by rehashing at the same capacity.
	for i := 10; i < 10000; i++ {
		m.Insert(i, i)
		m.Erase(i)
		require.EqualValues(t, 64, m.Cap())
		require.EqualValues(t, 10, m.Len())
		require.Less(t, m.Stats().Tombstones, m.Cap())
	}
	require.NoError(t, m.validate())
	for i := 0; i < 10; i++ {
		v, ok := m.Get(i)
		require.True(t, ok)
		require.EqualValues(t, i, v)
	}
}

func TestEraseAbsent(t *testing.T) {
	m := newIntTable()
	for i := 0; i < 50; i++ {
		m.Insert(i, i)
	}
	before := toBuiltinMap(m)
	for i := 50; i < 100; i++ {
		m.Erase(i)
	}
	require.EqualValues(t, 50, m.Len())
	require.Equal(t, before, toBuiltinMap(m))
	for i := 0; i < 50; i++ {
		require.NotEqual(t, NotFound, m.Find(i))
	}
	require.NoError(t, m.validate())
}

func TestEraseAt(t *testing.T) {
	m := newIntTable()
	for i := 0; i < 20; i++ {
		m.Insert(i, i*i)
	}
	for i := 0; i < 20; i += 2 {
		slot := m.Find(i)
		require.NotEqual(t, NotFound, slot)
		m.EraseAt(slot)
	}
	require.EqualValues(t, 10, m.Len())
	for i := 0; i < 20; i++ {
		_, ok := m.Get(i)
		require.Equal(t, i%2 == 1, ok)
	}
	require.NoError(t, m.validate())
}

func TestSetValue(t *testing.T) {
	m := newIntTable()
	slot := m.Insert(5, 1)
	m.SetValue(slot, 2)
	v, ok := m.Get(5)
	require.True(t, ok)
	require.EqualValues(t, 2, v)
}

func TestDuplicateInsert(t *testing.T) {
	m := newIntTable()
	m.Insert(7, 1)
	m.Insert(7, 2)
	// Both entries are stored and the first one is found.
	require.EqualValues(t, 2, m.Len())
	v, ok := m.Get(7)
	require.True(t, ok)
	require.EqualValues(t, 1, v)

	// Erasing exposes the second entry.
	m.Erase(7)
	require.EqualValues(t, 1, m.Len())
	v, ok = m.Get(7)
	require.True(t, ok)
	require.EqualValues(t, 2, v)

	m.Erase(7)
	require.EqualValues(t, 0, m.Len())
	require.Equal(t, NotFound, m.Find(7))
}

func TestWithHash(t *testing.T) {
	m := newIntTable()
	for i := 0; i < 100; i++ {
		m.InsertWithHash(HashInt(i), i, -i)
	}
	for i := 0; i < 100; i++ {
		slot := m.FindWithHash(HashInt(i), i)
		require.NotEqual(t, NotFound, slot)
		require.Equal(t, slot, m.Find(i))
		require.EqualValues(t, -i, m.Value(slot))
	}
	require.NoError(t, m.validate())
}

func TestBasic(t *testing.T) {
	test := func(t *testing.T, m *Table[int, int]) {
		const count = 100

		e := make(map[int]int)
		require.EqualValues(t, 0, m.Len())

		// Non-existent.
		for i := 0; i < count; i++ {
			_, ok := m.Get(i)
			require.False(t, ok)
		}

		// Insert.
		for i := 0; i < count; i++ {
			m.Put(i, i+count)
			e[i] = i + count
			v, ok := m.Get(i)
			require.True(t, ok)
			require.EqualValues(t, i+count, v)
			require.EqualValues(t, i+1, m.Len())
			require.Equal(t, e, toBuiltinMap(m))
			require.NoError(t, m.validate())
		}

		// Update.
		for i := 0; i < count; i++ {
			m.Put(i, i+2*count)
			e[i] = i + 2*count
			v, ok := m.Get(i)
			require.True(t, ok)
			require.EqualValues(t, i+2*count, v)
			require.EqualValues(t, count, m.Len())
			require.Equal(t, e, toBuiltinMap(m))
		}

		// Delete.
		for i := 0; i < count; i++ {
			m.Delete(i)
			delete(e, i)
			require.EqualValues(t, count-i-1, m.Len())
			_, ok := m.Get(i)
			require.False(t, ok)
			require.Equal(t, e, toBuiltinMap(m))
			require.NoError(t, m.validate())
		}
	}

	t.Run("normal", func(t *testing.T) {
		test(t, newIntTable())
	})

	t.Run("comparable", func(t *testing.T) {
		test(t, NewComparable[int, int]())
	})

	t.Run("degenerate", func(t *testing.T) {
		testDegenerate := func(t *testing.T, h uint64) {
			m := New[int, int](func(key int) uint64 {
				return h
			}, EqualComparable[int])
			test(t, m)
		}

		for _, v := range []uint64{0, 1 << 63, ^uint64(0)} {
			t.Run(fmt.Sprintf("%016x", v), func(t *testing.T) {
				testDegenerate(t, v)
			})
		}
		for i := 0; i < 10; i++ {
			v := rand.Uint64()
			t.Run(fmt.Sprintf("%016x", v), func(t *testing.T) {
				testDegenerate(t, v)
			})
		}
	})
}

func TestRandom(t *testing.T) {
	test := func(t *testing.T, m *Table[int, int]) {
		e := make(map[int]int)
		for i := 0; i < 10000; i++ {
			switch r := rand.Float64(); {
			case r < 0.5: // 50% inserts
				k, v := rand.Int(), rand.Int()
				m.Put(k, v)
				e[k] = v
			case r < 0.65: // 15% updates
				if k, _, ok := m.randElement(); !ok {
					require.EqualValues(t, 0, m.Len(), e)
				} else {
					v := rand.Int()
					m.Put(k, v)
					e[k] = v
				}
			case r < 0.80: // 15% deletes
				if k, _, ok := m.randElement(); !ok {
					require.EqualValues(t, 0, m.Len(), e)
				} else {
					m.Delete(k)
					delete(e, k)
				}
			case r < 0.95: // 15% lookups
				if k, v, ok := m.randElement(); !ok {
					require.EqualValues(t, 0, m.Len(), e)
				} else {
					require.EqualValues(t, e[k], v)
				}
			case r < 0.99: // 4% misses
				k := rand.Int()
				_, expected := e[k]
				_, ok := m.Get(k)
				require.Equal(t, expected, ok)
			default: // 1% rehash at the same capacity and iterate
				m.resize(m.Cap())
				require.Equal(t, e, toBuiltinMap(m))
			}
			require.EqualValues(t, len(e), m.Len())
			if i%1000 == 0 {
				require.NoError(t, m.validate())
			}
		}
		require.NoError(t, m.validate())
		require.Equal(t, e, toBuiltinMap(m))
	}

	t.Run("normal", func(t *testing.T) {
		test(t, newIntTable())
	})

	t.Run("degenerate", func(t *testing.T) {
		testDegenerate := func(t *testing.T, h uint64) {
			m := New[int, int](func(key int) uint64 {
				return h
			}, EqualComparable[int])
			test(t, m)
		}

		for _, v := range []uint64{0, ^uint64(0)} {
			t.Run(fmt.Sprintf("%016x", v), func(t *testing.T) {
				testDegenerate(t, v)
			})
		}
	})
}

func TestStringKeys(t *testing.T) {
	test := func(t *testing.T, m *Table[string, int]) {
		for i := 0; i < 1000; i++ {
			m.Insert(fmt.Sprintf("key-%d", i), i)
		}
		for i := 0; i < 1000; i++ {
			v, ok := m.Get(fmt.Sprintf("key-%d", i))
			require.True(t, ok)
			require.EqualValues(t, i, v)
		}
		_, ok := m.Get("key-1000")
		require.False(t, ok)
		require.NoError(t, m.validate())
	}

	t.Run("xxhash", func(t *testing.T) {
		test(t, New[string, int](HashString, EqualComparable[string]))
	})
	t.Run("fnv1", func(t *testing.T) {
		test(t, New[string, int](func(s string) uint64 {
			return HashFNV1([]byte(s))
		}, EqualComparable[string]))
	})
	t.Run("comparable", func(t *testing.T) {
		test(t, NewComparable[string, int]())
	})
}

func TestBytesKeys(t *testing.T) {
	// []byte is not comparable, which is fine for a Table.
	m := New[[]byte, int](HashBytes, bytes.Equal)
	for i := 0; i < 100; i++ {
		m.Put([]byte(fmt.Sprint(i)), i)
	}
	for i := 0; i < 100; i++ {
		v, ok := m.Get([]byte(fmt.Sprint(i)))
		require.True(t, ok)
		require.EqualValues(t, i, v)
	}
	require.EqualValues(t, 100, m.Len())
}

func TestAll(t *testing.T) {
	m := newIntTable()
	for i := 0; i < 100; i++ {
		m.Insert(i, i)
	}
	for i := 0; i < 100; i += 3 {
		m.Erase(i)
	}

	seen := make(map[int]int)
	for k, v := range m.All() {
		require.Equal(t, k, v)
		require.NotZero(t, k%3)
		seen[k]++
	}
	require.Len(t, seen, m.Len())
	for _, n := range seen {
		require.Equal(t, 1, n)
	}

	// Stopping early.
	var n int
	for range m.All() {
		n++
		if n == 5 {
			break
		}
	}
	require.Equal(t, 5, n)
}

func TestIterateGrow(t *testing.T) {
	m := newIntTable()
	for i := 0; i < 100; i++ {
		m.Insert(i, i)
	}
	e := toBuiltinMap(m)

	// Resizing during iteration does not disturb the snapshot the iterator
	// took of the arrays.
	vals := make(map[int]int)
	for k, v := range m.All() {
		if (k % 10) == 0 {
			m.resize(2 * m.Cap())
		}
		vals[k] = v
	}
	require.Equal(t, e, vals)
}

func TestClear(t *testing.T) {
	m := newIntTable()
	for i := 0; i < 1000; i++ {
		m.Insert(i, i)
	}
	for i := 0; i < 1000; i += 2 {
		m.Erase(i)
	}

	capacity := m.Cap()
	m.Clear()
	require.EqualValues(t, 0, m.Len())
	require.EqualValues(t, capacity, m.Cap())
	require.Equal(t, 0, m.Stats().Tombstones)
	for range m.All() {
		require.Fail(t, "should not iterate")
	}

	m.Insert(1, 1)
	require.EqualValues(t, capacity, m.Cap())
	require.NoError(t, m.validate())
}

func TestClose(t *testing.T) {
	m := newIntTable()
	for i := 0; i < 10; i++ {
		m.Insert(i, i)
	}
	m.Close()
	require.EqualValues(t, 0, m.Len())
	require.EqualValues(t, 0, m.Cap())
	// Close is idempotent.
	m.Close()
}

func TestStats(t *testing.T) {
	m := newIntTable()
	require.Equal(t, Stats{}, m.Stats())
	for i := 0; i < 1000; i++ {
		m.Insert(i, i)
	}
	m.Erase(0)
	s := m.Stats()
	require.Equal(t, 999, s.Len)
	require.Equal(t, m.Cap(), s.Cap)
	require.Equal(t, 1, s.Tombstones)
	require.GreaterOrEqual(t, float64(s.MaxDistance), s.MeanDistance)
	// Robin Hood hashing keeps probe distances short even at a high load
	// factor.
	require.Less(t, s.MeanDistance, 8.0)
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := newIntTable(WithLogger[int, int](zap.New(core)))
	for i := 0; i < 100; i++ {
		m.Insert(i, i)
	}
	entries := logs.FilterMessage("resize").All()
	require.Len(t, entries, 5)
	last := entries[len(entries)-1].ContextMap()
	require.EqualValues(t, 64, last["old-capacity"])
	require.EqualValues(t, 128, last["new-capacity"])
	require.EqualValues(t, 57, last["size"])

	// Purging tombstones at the same capacity is logged separately.
	m = newIntTable(WithLogger[int, int](zap.New(core)), WithInitialCapacity[int, int](64))
	for i := 0; i < 1000; i++ {
		m.Insert(i, i)
		m.Erase(i)
	}
	require.NotEmpty(t, logs.FilterMessage("rehash-in-place").All())
	require.EqualValues(t, 64, m.Cap())

	// A logger below debug level never sees the events.
	m = newIntTable(WithLogger[int, int](zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))))
	for i := 0; i < 100; i++ {
		m.Insert(i, i)
	}
}
