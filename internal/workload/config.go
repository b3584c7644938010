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

// Package workload runs seeded random operation streams against robinhood
// tables and cross-checks every result against Go's builtin map.
package workload

import (
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidConfig is returned (wrapped) when a Config fails validation.
	ErrInvalidConfig = errors.New("invalid workload configuration")
)

// Hash function names accepted by Config.Hash.
const (
	HashXXHash     = "xxhash"
	HashMaphash    = "maphash"
	HashInt        = "int"
	HashDegenerate = "degenerate"
)

// Allocator names accepted by Config.Allocator.
const (
	AllocatorGo       = "go"
	AllocatorHeap     = "heap"
	AllocatorCounting = "counting"
	AllocatorMetrics  = "metrics"
)

// Mix holds the relative weights of the operations a shard performs.
type Mix struct {
	Insert int `toml:"insert"`
	Update int `toml:"update"`
	Erase  int `toml:"erase"`
	Lookup int `toml:"lookup"`
}

func (m Mix) total() int {
	return m.Insert + m.Update + m.Erase + m.Lookup
}

// Config describes a workload.
type Config struct {
	// Seed seeds the operation stream. Shard i uses Seed+i.
	Seed int64 `toml:"seed"`
	// Ops is the number of operations each shard performs.
	Ops int `toml:"ops"`
	// KeySpace bounds the keys: every key is drawn from [0, KeySpace).
	KeySpace uint64 `toml:"key_space"`
	// InitialCapacity is passed to WithInitialCapacity when positive.
	InitialCapacity int `toml:"initial_capacity"`
	// Shards is the number of independent tables exercised concurrently.
	Shards    int    `toml:"shards"`
	Hash      string `toml:"hash"`
	Allocator string `toml:"allocator"`
	Mix       Mix    `toml:"mix"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Seed:      1,
		Ops:       100000,
		KeySpace:  10000,
		Shards:    4,
		Hash:      HashXXHash,
		Allocator: AllocatorCounting,
		Mix: Mix{
			Insert: 40,
			Update: 10,
			Erase:  20,
			Lookup: 30,
		},
	}
}

// Load reads a TOML configuration file. Fields absent from the file keep
// their Default values.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "loading %s", path)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, errors.Wrapf(err, "loading %s", path)
	}
	return cfg, nil
}

// Decode parses a TOML configuration held in a string. Fields absent from
// data keep their Default values.
func Decode(data string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, errors.Wrap(err, "decoding workload configuration")
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func checkUndecoded(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}
	return errors.Wrapf(ErrInvalidConfig, "unknown keys: %s", strings.Join(keys, ", "))
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Ops <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "ops must be positive, got %d", c.Ops)
	}
	if c.KeySpace == 0 {
		return errors.Wrapf(ErrInvalidConfig, "key_space not set")
	}
	if c.Shards <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "shards must be positive, got %d", c.Shards)
	}
	if c.InitialCapacity < 0 {
		return errors.Wrapf(ErrInvalidConfig, "initial_capacity must not be negative, got %d", c.InitialCapacity)
	}
	switch c.Hash {
	case HashXXHash, HashMaphash, HashInt, HashDegenerate:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown hash %q", c.Hash)
	}
	switch c.Allocator {
	case AllocatorGo, AllocatorHeap, AllocatorCounting, AllocatorMetrics:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown allocator %q", c.Allocator)
	}
	if c.Mix.Insert < 0 || c.Mix.Update < 0 || c.Mix.Erase < 0 || c.Mix.Lookup < 0 {
		return errors.Wrapf(ErrInvalidConfig, "mix weights must not be negative: %+v", c.Mix)
	}
	if c.Mix.total() == 0 {
		return errors.Wrapf(ErrInvalidConfig, "mix is empty")
	}
	return nil
}
