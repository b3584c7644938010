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

// rhstress runs randomized workloads against robinhood tables and checks
// them against Go's builtin map.
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/robinhood/internal/workload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rhstress: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rhstress",
		Short:         "Stress robinhood hash tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(runCommand())
	return cmd
}

type runFlags struct {
	config   string
	seed     int64
	ops      int
	shards   int
	logLevel string
}

func runCommand() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workload",
		Long: "Run a workload described by a TOML file (or the defaults), cross-checking every " +
			"table operation against a builtin map. Exits non-zero on any divergence or leak.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			logger, err := newLogger(flags.logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			logger.Info("starting workload",
				zap.Int64("seed", cfg.Seed),
				zap.Int("ops", cfg.Ops),
				zap.Uint64("key-space", cfg.KeySpace),
				zap.Int("shards", cfg.Shards),
				zap.String("hash", cfg.Hash),
				zap.String("allocator", cfg.Allocator))

			reg := prometheus.NewRegistry()
			report, err := workload.Run(ctx, cfg, logger, reg)
			for _, s := range report.Shards {
				logger.Info("shard",
					zap.Int("shard", s.Shard),
					zap.Int64("seed", s.Seed),
					zap.Int("inserts", s.Ops.Inserts),
					zap.Int("updates", s.Ops.Updates),
					zap.Int("erases", s.Ops.Erases),
					zap.Int("lookups", s.Ops.Lookups),
					zap.Int("hits", s.Ops.Hits),
					zap.Int("len", s.Stats.Len),
					zap.Int("cap", s.Stats.Cap),
					zap.Int("max-distance", s.Stats.MaxDistance),
					zap.Float64("mean-distance", s.Stats.MeanDistance))
			}
			if err != nil {
				return err
			}
			logMetrics(logger, reg)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.config, "config", "", "path to a TOML workload file")
	f.Int64Var(&flags.seed, "seed", 0, "override the workload seed")
	f.IntVar(&flags.ops, "ops", 0, "override the number of operations per shard")
	f.IntVar(&flags.shards, "shards", 0, "override the number of shards")
	f.StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

// loadConfig reads the configuration file, if any, and applies the flags
// that were set explicitly.
func loadConfig(cmd *cobra.Command, flags runFlags) (workload.Config, error) {
	cfg := workload.Default()
	if flags.config != "" {
		var err error
		if cfg, err = workload.Load(flags.config); err != nil {
			return workload.Config{}, err
		}
	}
	f := cmd.Flags()
	if f.Changed("seed") {
		cfg.Seed = flags.seed
	}
	if f.Changed("ops") {
		cfg.Ops = flags.ops
	}
	if f.Changed("shards") {
		cfg.Shards = flags.shards
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing --log-level")
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := config.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}
	return logger, nil
}

// logMetrics logs the value of every counter and gauge series gathered from
// reg.
func logMetrics(logger *zap.Logger, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		logger.Warn("gathering metrics", zap.Error(err))
		return
	}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			fields := []zap.Field{zap.String("name", family.GetName())}
			for _, l := range m.GetLabel() {
				fields = append(fields, zap.String(l.GetName(), l.GetValue()))
			}
			switch {
			case m.GetCounter() != nil:
				fields = append(fields, zap.Float64("value", m.GetCounter().GetValue()))
			case m.GetGauge() != nil:
				fields = append(fields, zap.Float64("value", m.GetGauge().GetValue()))
			default:
				continue
			}
			logger.Info("metric", fields...)
		}
	}
}
