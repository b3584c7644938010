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
	"github.com/cockroachdb/robinhood/memory"
	"go.uber.org/zap"
)

// Option provides an interface to do work on Table while it is being created.
type Option[K any, V any] interface {
	apply(t *Table[K, V])
}

type allocatorOption[K any, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(t *Table[K, V]) {
	t.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a
// Table[K,V].
func WithAllocator[K any, V any](allocator Allocator[K, V]) Option[K, V] {
	return allocatorOption[K, V]{allocator}
}

// WithMemory is an option to back a Table[K,V] with a byte-level
// memory.Allocator. Every array the table uses is obtained from and returned
// to mem. Since the GC does not trace such memory, WithMemory panics if K or
// V contains pointers (strings, slices, maps, pointers, interfaces...).
func WithMemory[K any, V any](mem memory.Allocator) Option[K, V] {
	return allocatorOption[K, V]{newMemoryAllocator[K, V](mem)}
}

type loggerOption[K any, V any] struct {
	logger *zap.Logger
}

func (op loggerOption[K, V]) apply(t *Table[K, V]) {
	t.logger = op.logger
}

// WithLogger is an option to specify the logger a Table[K,V] reports growth
// and rehash events to. They are logged at debug level.
func WithLogger[K any, V any](logger *zap.Logger) Option[K, V] {
	return loggerOption[K, V]{logger}
}

type initialCapacityOption[K any, V any] struct {
	n int
}

func (op initialCapacityOption[K, V]) apply(t *Table[K, V]) {
	t.initialCapacity = op.n
}

// WithInitialCapacity is an option to reserve room for n entries when the
// Table[K,V] is constructed, as if by calling Reserve(n).
func WithInitialCapacity[K any, V any](n int) Option[K, V] {
	return initialCapacityOption[K, V]{n}
}
