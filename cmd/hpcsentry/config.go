package main

import (
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the cobra flags registered in main.go so an operator can check a
// config file into version control instead of repeating flags on every
// invocation, the same optional-yaml-on-top-of-flags shape
// cmd/consumption/main.go's flag set would take if it grew one.
type fileConfig struct {
	ModelPath        string        `yaml:"model_path"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	DedupWindow      time.Duration `yaml:"dedup_window"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	StormThresh      int           `yaml:"storm_threshold"`
	MaxPids          int           `yaml:"max_pids"`
	SampleIntervalMS int           `yaml:"sample_interval_ms"`
	TotalSamples     int           `yaml:"total_samples"`
	BatchSize        int           `yaml:"batch_size"`
	WatchWeights     bool          `yaml:"watch_weights"`
}

// applyFileConfig loads path and fills in o's fields from the file, but only
// for flags the caller did not explicitly set: an explicit --flag on the
// command line always wins over the config file, which in turn only fills
// gaps left by cobra's own flag defaults.
func applyFileConfig(path string, flags *pflag.FlagSet, o *opts) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return err
	}

	set := flags.Changed

	if fc.ModelPath != "" && !set("model") {
		o.modelPath = fc.ModelPath
	}
	if fc.MetricsAddr != "" && !set("metrics-addr") {
		o.metricsAddr = fc.MetricsAddr
	}
	if fc.DedupWindow != 0 && !set("dedup-window") {
		o.dedupWindow = fc.DedupWindow
	}
	if fc.IdleTimeout != 0 && !set("idle-timeout") {
		o.idleTimeout = fc.IdleTimeout
	}
	if fc.StormThresh != 0 && !set("storm-threshold") {
		o.stormThreshold = fc.StormThresh
	}
	if fc.MaxPids != 0 && !set("max-pids") {
		o.maxPids = fc.MaxPids
	}
	if fc.SampleIntervalMS != 0 && !set("sample-interval-ms") {
		o.sampleIntervalMS = fc.SampleIntervalMS
	}
	if fc.TotalSamples != 0 && !set("total-samples") {
		o.totalSamples = fc.TotalSamples
	}
	if fc.BatchSize != 0 && !set("batch-size") {
		o.batchSize = fc.BatchSize
	}
	if fc.WatchWeights && !set("watch-weights") {
		o.watchWeights = true
	}
	return nil
}
