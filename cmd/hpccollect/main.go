//go:build linux

// Command hpccollect is the offline counter-collector named in spec §1's
// "data-collection tooling that writes CSVs for offline training" —
// out of scope as a training pipeline, but its CSV schema is specified in
// spec §6, so this is a thin CLI around the same counter-reading primitives
// pkg/sampler uses for the online agent, writing encoding/csv output the
// way cmd/consumption/main.go writes its own CSV rows.
package main

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hpcsentry/hpcsentry/pkg/classifier"
	"github.com/hpcsentry/hpcsentry/pkg/perfcounter"
	"github.com/hpcsentry/hpcsentry/pkg/types"
)

type opts struct {
	pid        int
	samples    int
	intervalMS int
	out        string
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "hpccollect --pid PID",
		Short: "Offline HPC counter collector, writing training CSV rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o)
		},
	}

	root.Flags().IntVar(&o.pid, "pid", 0, "target process id (required)")
	root.Flags().IntVar(&o.samples, "samples", classifier.OfflineB, "number of samples to collect")
	root.Flags().IntVar(&o.intervalMS, "interval-ms", 10, "sampling interval in milliseconds")
	root.Flags().StringVar(&o.out, "out", "", "CSV output path (default: stdout)")

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(o opts) error {
	if o.pid <= 0 {
		return fmt.Errorf("--pid is required")
	}

	specs := perfcounter.DefaultSpecs
	counters := make([]*perfcounter.Counter, 0, len(specs))
	for _, spec := range specs {
		c, err := perfcounter.Open(spec, o.pid)
		if err != nil {
			for _, opened := range counters {
				_ = opened.Close()
			}
			return fmt.Errorf("open %s: %w", spec.Name, err)
		}
		counters = append(counters, c)
	}
	defer func() {
		for _, c := range counters {
			_ = c.Close()
		}
	}()

	for _, c := range counters {
		if err := c.Reset(); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		if err := c.Enable(); err != nil {
			return fmt.Errorf("enable: %w", err)
		}
	}

	w := os.Stdout
	if o.out != "" {
		f, err := os.Create(o.out)
		if err != nil {
			return fmt.Errorf("create %s: %w", o.out, err)
		}
		defer f.Close()
		w = f
	}

	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := make([]string, 0, len(specs)+1)
	header = append(header, "sample")
	for _, spec := range specs {
		header = append(header, spec.Name)
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	prevRaw := make([]uint64, len(counters))
	havePrev := make([]bool, len(counters))

	interval := time.Duration(o.intervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for sample := 0; sample < o.samples; sample++ {
		<-ticker.C

		row := make([]string, 0, len(counters)+1)
		row = append(row, strconv.Itoa(sample))
		for i, c := range counters {
			v, err := c.Read()
			if err != nil {
				return fmt.Errorf("read %s: %w", specs[i].Name, err)
			}
			var delta uint64
			if !havePrev[i] {
				delta = v
				havePrev[i] = true
			} else {
				// current - previous, modulo 2^64: matches
				// collect_perf_events' unguarded unsigned subtraction.
				delta = v - prevRaw[i]
			}
			prevRaw[i] = v
			row = append(row, strconv.FormatUint(delta, 10))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
		cw.Flush()
	}

	if o.out != "" {
		if info, err := os.Stat(o.out); err == nil {
			slog.Info("hpccollect: wrote csv", "path", o.out, "size", types.Bytes(info.Size()).Humanized())
		}
	}

	return nil
}
