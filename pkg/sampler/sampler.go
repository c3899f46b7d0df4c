//go:build linux

// Package sampler implements the per-process HPC sampling task from spec
// §4.3: it opens the K configured counters on a target pid, samples at a
// fixed interval applying the raw-then-delta invariant from spec §3, and
// emits B-row SampleBatch chunks down its channel until TOTAL_SAMPLES is
// reached, the target exits, or shutdown is requested. It is a Go
// generalization of original_source/code/collect.c's collect_perf_events,
// including its unguarded modulo-2^64 delta subtraction.
package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hpcsentry/hpcsentry/internal/wire"
	"github.com/hpcsentry/hpcsentry/pkg/perfcounter"
	"github.com/hpcsentry/hpcsentry/pkg/system/proc"
	"github.com/hpcsentry/hpcsentry/pkg/types"
)

// State is the Opening -> Running -> Draining -> Closed machine from spec
// §4.3.
type State int

const (
	Opening State = iota
	Running
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "closed"
	}
}

// Counter is the subset of *perfcounter.Counter the state machine below
// needs. It exists so Run can be driven by a fake in tests, the same seam
// eventsource.KernelProbe gives fakeProbe.
type Counter interface {
	Reset() error
	Enable() error
	Read() (uint64, error)
	Close() error
}

// OpenFunc opens one Counter for spec against targetPID.
type OpenFunc func(spec perfcounter.Spec, targetPID int) (Counter, error)

func defaultOpen(spec perfcounter.Spec, targetPID int) (Counter, error) {
	return perfcounter.Open(spec, targetPID)
}

// Config parameterizes one sampler run. Defaults match the online agent
// from spec §3/§9 (B=10, TotalSamples=30, 10ms interval); the offline
// collector in cmd/hpccollect uses classifier.OfflineB instead.
type Config struct {
	Specs        []perfcounter.Spec
	IntervalMS   int
	TotalSamples int
	BatchSize    int
	WriteTimeout time.Duration
	Open         OpenFunc
}

// DefaultConfig is the online agent's sampling configuration.
func DefaultConfig() Config {
	return Config{
		Specs:        perfcounter.DefaultSpecs,
		IntervalMS:   10,
		TotalSamples: 30,
		BatchSize:    10,
		WriteTimeout: 50 * time.Millisecond,
		Open:         defaultOpen,
	}
}

// Run drives one sampler's full lifecycle for pid, writing wire-encoded
// SampleBatch chunks to out. It always closes out before returning — that
// closure is the write-end-closure termination signal the Multiplexer
// watches for (spec §4.7, §9). Run never panics on a counter error; it logs
// and degrades per spec §7's transient-per-sampler taxonomy.
func Run(ctx context.Context, pid uint32, out chan<- []byte, cfg Config, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	// runID distinguishes overlapping sampler lifetimes for the same pid
	// across dedup-window boundaries in the logs; it never touches the wire
	// format.
	log = log.With("pid", pid, "run_id", uuid.NewString())
	defer close(out)

	open := cfg.Open
	if open == nil {
		open = defaultOpen
	}

	// Opening: open+reset+enable all K counters, or abort with no partial
	// operation (spec §4.3).
	counters, err := openAll(cfg.Specs, int(pid), open)
	if err != nil {
		log.Error("sampler: open failed, aborting", "err", err)
		return
	}
	defer closeAll(counters)

	for _, c := range counters {
		if err := c.Reset(); err != nil {
			log.Error("sampler: reset failed, aborting", "err", err)
			return
		}
		if err := c.Enable(); err != nil {
			log.Error("sampler: enable failed, aborting", "err", err)
			return
		}
	}

	// Running.

	k := len(cfg.Specs)
	names := make([]string, k)
	for i, s := range cfg.Specs {
		names[i] = s.Name
	}

	prevRaw := make([]uint64, k)
	havePrev := make([]bool, k)
	var batchRows [][]uint64

	interval := time.Duration(cfg.IntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for sample := 0; sample < cfg.TotalSamples; sample++ {
		select {
		case <-ctx.Done():
			// Draining -> Closed via the deferred close(out).
			return
		case <-ticker.C:
		}

		row := make([]uint64, k)
		targetGone := false
		for i, c := range counters {
			v, err := c.Read()
			if err != nil {
				if !processExists(pid) {
					targetGone = true
					break
				}
				log.Warn("sampler: counter read failed, leaving cell unchanged", "counter", names[i], "err", err)
				continue
			}
			if !havePrev[i] {
				row[i] = v
				havePrev[i] = true
			} else {
				row[i] = delta(v, prevRaw[i])
			}
			prevRaw[i] = v
		}
		if targetGone {
			break
		}

		batchRows = append(batchRows, row)

		if (sample+1)%cfg.BatchSize == 0 {
			start := sample + 1 - cfg.BatchSize
			batch := wire.Batch{
				PID:          pid,
				Start:        start,
				End:          sample,
				CounterNames: names,
				Rows:         batchRows,
			}
			if !writeBatch(ctx, out, wire.Encode(batch), cfg.WriteTimeout, log) {
				return
			}
			batchRows = nil
		}
	}
	// Draining -> Closed happens implicitly via the deferred close(out).
}

func openAll(specs []perfcounter.Spec, targetPID int, open OpenFunc) ([]Counter, error) {
	opened := make([]Counter, 0, len(specs))
	for _, s := range specs {
		c, err := open(s, targetPID)
		if err != nil {
			closeAll(opened)
			return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
		}
		opened = append(opened, c)
	}
	return opened, nil
}

func closeAll(counters []Counter) {
	for _, c := range counters {
		_ = c.Close()
	}
}

// writeBatch writes data to out, observing cancellation at the write
// (spec §5). A blocked write that exceeds writeTimeout is treated as a
// transient, non-fatal failure and logged; ctx cancellation is treated as
// the "channel closed" case and terminates the sampler (spec §4.3, §4.7).
func writeBatch(ctx context.Context, out chan<- []byte, data []byte, writeTimeout time.Duration, log *slog.Logger) bool {
	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()
	select {
	case out <- data:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		log.Warn("sampler: batch write timed out, dropping", "size", types.Bytes(len(data)).Humanized())
		return true
	}
}

// delta applies spec §3's SampleRow invariant: current-previous, modulo
// 2^64. A counter that wraps produces the same value a plain unsigned
// subtraction yields in original_source/code/collect.c's
// collect_perf_events, which takes no guard against it.
func delta(now, prev uint64) uint64 {
	return now - prev
}

// processExists reports whether pid is still alive, deferring to
// pkg/system/proc's /proc-stat liveness check.
func processExists(pid uint32) bool {
	return proc.Exists(int(pid))
}
