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

package workload

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/robinhood"
	"github.com/cockroachdb/robinhood/memory"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrMismatch is returned (wrapped) when a table disagrees with the reference
// map.
var ErrMismatch = errors.New("table diverged from reference map")

// ErrLeak is returned (wrapped) when a closed table did not release all of
// its memory.
var ErrLeak = errors.New("table leaked memory")

// metricsNamespace prefixes every collector registered by Run.
const metricsNamespace = "robinhood"

// ctxCheckInterval is the number of operations between context checks.
const ctxCheckInterval = 1024

// Counts tallies the operations a shard performed.
type Counts struct {
	Inserts int
	Updates int
	Erases  int
	Lookups int
	// Hits is the number of lookups that found their key.
	Hits int
}

func (c *Counts) add(o Counts) {
	c.Inserts += o.Inserts
	c.Updates += o.Updates
	c.Erases += o.Erases
	c.Lookups += o.Lookups
	c.Hits += o.Hits
}

// ShardReport describes the outcome of a single shard.
type ShardReport struct {
	Shard int
	Seed  int64
	Ops   Counts
	// Stats is the table occupancy just before it was closed.
	Stats robinhood.Stats
	// Memory is only populated for the counting and metrics allocators.
	Memory memory.CountingStats
}

// Report describes the outcome of a Run.
type Report struct {
	Shards   []ShardReport
	Duration time.Duration
}

// Total sums the operation counts of every shard.
func (r Report) Total() Counts {
	var c Counts
	for i := range r.Shards {
		c.add(r.Shards[i].Ops)
	}
	return c
}

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opErase
	opLookup
)

var opNames = [...]string{
	opInsert: "insert",
	opUpdate: "update",
	opErase:  "erase",
	opLookup: "lookup",
}

type runMetrics struct {
	ops *prometheus.CounterVec
	mem *memory.Metrics
}

// Run executes cfg. Each of cfg.Shards shards runs on its own goroutine from
// an ants pool, owns a private table and a private reference map, and stops
// at the first divergence. Collectors are registered with reg unless it is
// nil. Registering with the same registry across runs reuses the existing
// collectors.
func Run(ctx context.Context, cfg Config, logger *zap.Logger, reg prometheus.Registerer) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := newRunMetrics(reg)
	if err != nil {
		return Report{}, err
	}

	pool, err := ants.NewPool(cfg.Shards)
	if err != nil {
		return Report{}, errors.Wrap(err, "creating shard pool")
	}
	defer pool.Release()

	start := time.Now()
	reports := make([]ShardReport, cfg.Shards)
	errs := make([]error, cfg.Shards)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Shards; i++ {
		s := &shard{
			id:      i,
			seed:    cfg.Seed + int64(i),
			cfg:     cfg,
			logger:  logger.With(zap.Int("shard", i)),
			metrics: metrics,
		}
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			reports[s.id], errs[s.id] = s.run(ctx)
		}); err != nil {
			wg.Done()
			errs[i] = errors.Wrapf(err, "submitting shard %d", i)
		}
	}
	wg.Wait()

	var combined error
	for _, err := range errs {
		combined = errors.CombineErrors(combined, err)
	}
	report := Report{Shards: reports, Duration: time.Since(start)}
	logger.Info("workload finished",
		zap.Int("shards", cfg.Shards),
		zap.Duration("duration", report.Duration),
		zap.Error(combined))
	return report, combined
}

func newRunMetrics(reg prometheus.Registerer) (*runMetrics, error) {
	m := &runMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "workload",
			Name:      "ops_total",
			Help:      "Number of table operations performed by workload shards.",
		}, []string{"op"}),
		mem: memory.NewMetrics(memory.Heap, nil, metricsNamespace),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	register := func(c prometheus.Collector) prometheus.Collector {
		if err != nil {
			return c
		}
		if regErr := reg.Register(c); regErr != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(regErr, &are) {
				return are.ExistingCollector
			}
			err = errors.Wrap(regErr, "registering workload metrics")
		}
		return c
	}
	m.ops = register(m.ops).(*prometheus.CounterVec)
	m.mem.AllocateBytes = register(m.mem.AllocateBytes).(prometheus.Counter)
	m.mem.InuseBytes = register(m.mem.InuseBytes).(prometheus.Gauge)
	m.mem.AllocateObjects = register(m.mem.AllocateObjects).(prometheus.Counter)
	m.mem.InuseObjects = register(m.mem.InuseObjects).(prometheus.Gauge)
	return m, err
}

type shard struct {
	id      int
	seed    int64
	cfg     Config
	logger  *zap.Logger
	metrics *runMetrics

	rng   *rand.Rand
	table *robinhood.Table[uint64, uint64]
	ref   map[uint64]uint64
	// counting is nil unless the configured allocator tracks blocks.
	counting *memory.Counting
	ops      Counts
}

func (s *shard) newTable() {
	var options []robinhood.Option[uint64, uint64]
	options = append(options, robinhood.WithLogger[uint64, uint64](s.logger))
	if s.cfg.InitialCapacity > 0 {
		options = append(options, robinhood.WithInitialCapacity[uint64, uint64](s.cfg.InitialCapacity))
	}
	switch s.cfg.Allocator {
	case AllocatorHeap:
		options = append(options, robinhood.WithMemory[uint64, uint64](memory.Heap))
	case AllocatorCounting:
		s.counting = memory.NewCounting(memory.Heap)
		options = append(options, robinhood.WithMemory[uint64, uint64](s.counting))
	case AllocatorMetrics:
		s.counting = memory.NewCounting(s.metrics.mem)
		options = append(options, robinhood.WithMemory[uint64, uint64](s.counting))
	}

	switch s.cfg.Hash {
	case HashMaphash:
		s.table = robinhood.NewComparable[uint64, uint64](options...)
	case HashInt:
		s.table = robinhood.New[uint64, uint64](robinhood.HashInt[uint64], robinhood.EqualComparable[uint64], options...)
	case HashDegenerate:
		s.table = robinhood.New[uint64, uint64](degenerateHash, robinhood.EqualComparable[uint64], options...)
	default:
		s.table = robinhood.New[uint64, uint64](xxhashUint64, robinhood.EqualComparable[uint64], options...)
	}
}

func xxhashUint64(k uint64) uint64 {
	var b [8]byte
	for i := range b {
		b[i] = byte(k >> (8 * i))
	}
	return robinhood.HashBytes(b[:])
}

// degenerateHash sends every key to one of four ideal slots.
func degenerateHash(k uint64) uint64 {
	return k & 3
}

func (s *shard) pick() opKind {
	mix := s.cfg.Mix
	n := s.rng.Intn(mix.total())
	switch {
	case n < mix.Insert:
		return opInsert
	case n < mix.Insert+mix.Update:
		return opUpdate
	case n < mix.Insert+mix.Update+mix.Erase:
		return opErase
	default:
		return opLookup
	}
}

func (s *shard) run(ctx context.Context) (report ShardReport, err error) {
	s.rng = rand.New(rand.NewSource(s.seed))
	s.ref = make(map[uint64]uint64)
	s.newTable()
	defer func() {
		if s.table != nil {
			s.table.Close()
		}
	}()

	for i := 0; i < s.cfg.Ops; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return s.report(), errors.Wrapf(err, "shard %d stopped after %d ops", s.id, i)
			}
		}
		if err := s.step(i); err != nil {
			return s.report(), err
		}
	}
	if err := s.verify(); err != nil {
		return s.report(), err
	}

	report = s.report()
	s.table.Close()
	s.table = nil
	if s.counting != nil {
		report.Memory = s.counting.Stats()
		if report.Memory.LiveBlocks != 0 || report.Memory.LiveBytes != 0 {
			return report, errors.Wrapf(ErrLeak, "shard %d: %d blocks (%d bytes) still live",
				s.id, report.Memory.LiveBlocks, report.Memory.LiveBytes)
		}
	}

	s.logger.Debug("shard finished",
		zap.Int("len", report.Stats.Len),
		zap.Int("cap", report.Stats.Cap),
		zap.Int("tombstones", report.Stats.Tombstones),
		zap.Int("max-distance", report.Stats.MaxDistance),
		zap.Float64("mean-distance", report.Stats.MeanDistance))
	return report, nil
}

func (s *shard) report() ShardReport {
	r := ShardReport{Shard: s.id, Seed: s.seed, Ops: s.ops}
	if s.table != nil {
		r.Stats = s.table.Stats()
	}
	return r
}

func (s *shard) step(i int) error {
	k := s.rng.Uint64() % s.cfg.KeySpace
	v := s.rng.Uint64()
	op := s.pick()

	switch op {
	case opInsert:
		if _, ok := s.ref[k]; ok {
			// Insert requires an absent key.
			s.table.Put(k, v)
			op = opUpdate
			s.ops.Updates++
		} else {
			slot := s.table.Insert(k, v)
			if got := s.table.Key(slot); got != k {
				return errors.Wrapf(ErrMismatch, "shard %d op %d: insert %d returned slot %d holding %d",
					s.id, i, k, slot, got)
			}
			s.ops.Inserts++
		}
		s.ref[k] = v
	case opUpdate:
		s.table.Put(k, v)
		s.ref[k] = v
		s.ops.Updates++
	case opErase:
		s.table.Erase(k)
		delete(s.ref, k)
		s.ops.Erases++
	case opLookup:
		got, ok := s.table.Get(k)
		want, wantOK := s.ref[k]
		if ok != wantOK || got != want {
			return errors.Wrapf(ErrMismatch, "shard %d op %d: lookup %d: got (%d, %t), want (%d, %t)",
				s.id, i, k, got, ok, want, wantOK)
		}
		s.ops.Lookups++
		if ok {
			s.ops.Hits++
		}
	}
	s.metrics.ops.WithLabelValues(opNames[op]).Inc()

	if s.table.Len() != len(s.ref) {
		return errors.Wrapf(ErrMismatch, "shard %d op %d: %s %d: len %d, want %d",
			s.id, i, opNames[op], k, s.table.Len(), len(s.ref))
	}
	return nil
}

// verify compares the full contents of the table with the reference map.
func (s *shard) verify() error {
	seen := 0
	for k, v := range s.table.All() {
		want, ok := s.ref[k]
		if !ok || want != v {
			return errors.Wrapf(ErrMismatch, "shard %d: iteration yielded (%d, %d), want (%d, %t)",
				s.id, k, v, want, ok)
		}
		seen++
	}
	if seen != len(s.ref) {
		return errors.Wrapf(ErrMismatch, "shard %d: iteration yielded %d entries, want %d",
			s.id, seen, len(s.ref))
	}
	for k, want := range s.ref {
		if got, ok := s.table.Get(k); !ok || got != want {
			return errors.Wrapf(ErrMismatch, "shard %d: get %d: got (%d, %t), want %d",
				s.id, k, got, ok, want)
		}
	}
	return nil
}
