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

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps an upstream Allocator and exports allocation counters and
// in-use gauges to prometheus. Sizes are taken from the length of the blocks
// passed to Deallocate, so callers must hand back blocks unmodified.
type Metrics struct {
	upstream Allocator

	AllocateBytes   prometheus.Counter
	InuseBytes      prometheus.Gauge
	AllocateObjects prometheus.Counter
	InuseObjects    prometheus.Gauge
}

var _ Allocator = (*Metrics)(nil)

// NewMetrics returns a Metrics allocator wrapping upstream. The collectors
// are created under the given namespace and registered with reg unless reg
// is nil. A nil upstream defaults to Heap.
func NewMetrics(upstream Allocator, reg prometheus.Registerer, namespace string) *Metrics {
	if upstream == nil {
		upstream = Heap
	}
	m := &Metrics{
		upstream: upstream,
		AllocateBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "allocate_bytes_total",
			Help:      "Total number of bytes allocated.",
		}),
		InuseBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "inuse_bytes",
			Help:      "Number of bytes allocated and not yet released.",
		}),
		AllocateObjects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "allocate_objects_total",
			Help:      "Total number of blocks allocated.",
		}),
		InuseObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "inuse_objects",
			Help:      "Number of blocks allocated and not yet released.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.AllocateBytes, m.InuseBytes, m.AllocateObjects, m.InuseObjects)
	}
	return m
}

func (m *Metrics) observe(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	m.AllocateBytes.Add(float64(len(b)))
	m.InuseBytes.Add(float64(len(b)))
	m.AllocateObjects.Inc()
	m.InuseObjects.Inc()
	return b
}

func (m *Metrics) Allocate(size, align uintptr) []byte {
	return m.observe(m.upstream.Allocate(size, align))
}

func (m *Metrics) ZeroAllocate(size, align uintptr) []byte {
	return m.observe(m.upstream.ZeroAllocate(size, align))
}

func (m *Metrics) Deallocate(b []byte) {
	if len(b) == 0 {
		return
	}
	m.InuseBytes.Sub(float64(len(b)))
	m.InuseObjects.Dec()
	m.upstream.Deallocate(b)
}

func (m *Metrics) Resize(b []byte, newSize, newAlign uintptr) []byte {
	checkAlign(newAlign)
	return resize(m, b, newSize, newAlign)
}
