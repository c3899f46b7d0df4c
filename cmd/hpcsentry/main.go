//go:build linux

// Command hpcsentry is the long-running host agent: it wires a
// process-creation event source, per-process HPC samplers, and a windowed
// classifier into one pipeline, exactly the single-root-command shape
// cmd/consumption/main.go uses, but with no positional PID arguments since
// the agent discovers processes itself.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hpcsentry/hpcsentry/pkg/classifier"
	"github.com/hpcsentry/hpcsentry/pkg/control"
	"github.com/hpcsentry/hpcsentry/pkg/dispatcher"
	"github.com/hpcsentry/hpcsentry/pkg/eventsource"
	"github.com/hpcsentry/hpcsentry/pkg/inference"
	"github.com/hpcsentry/hpcsentry/pkg/multiplexer"
	"github.com/hpcsentry/hpcsentry/pkg/perfcounter"
	"github.com/hpcsentry/hpcsentry/pkg/procprobe"
	"github.com/hpcsentry/hpcsentry/pkg/sampler"
)

type opts struct {
	modelPath        string
	configPath       string
	metricsAddr      string
	dedupWindow      time.Duration
	idleTimeout      time.Duration
	stormThreshold   int
	maxPids          int
	sampleIntervalMS int
	totalSamples     int
	batchSize        int
	watchWeights     bool
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "hpcsentry",
		Short: "Host-resident hardware-performance-counter malware detection agent",
		Long: `hpcsentry watches process creation, attaches hardware performance
counters to each new process, and classifies its counter time-series with a
small feed-forward network, emitting a Benign/Malicious verdict per window.

It has no positional arguments: the process-creation source discovers work
on its own.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.configPath != "" {
				if err := applyFileConfig(o.configPath, cmd.Flags(), &o); err != nil {
					return fmt.Errorf("config: %w", err)
				}
			}
			return run(cmd.Context(), o)
		},
	}

	root.Flags().StringVar(&o.modelPath, "model", "", "path to classifier weights file (required)")
	root.Flags().StringVar(&o.configPath, "config", "", "optional YAML file pre-populating these flags")
	root.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	root.Flags().DurationVar(&o.dedupWindow, "dedup-window", eventsource.DedupWindow, "process-event dedup window")
	root.Flags().DurationVar(&o.idleTimeout, "idle-timeout", 10*time.Second, "window-buffer idle eviction timeout")
	root.Flags().IntVar(&o.stormThreshold, "storm-threshold", eventsource.StormEventThreshold, "events per millisecond above which storm shutdown trips")
	root.Flags().IntVar(&o.maxPids, "max-pids", dispatcher.MaxPids, "maximum number of concurrently-sampled processes")
	root.Flags().IntVar(&o.sampleIntervalMS, "sample-interval-ms", 10, "HPC sampling interval in milliseconds")
	root.Flags().IntVar(&o.totalSamples, "total-samples", 30, "number of samples collected per sampler lifetime")
	root.Flags().IntVar(&o.batchSize, "batch-size", classifier.OnlineB, "rows per wire batch and per inference window")
	root.Flags().BoolVar(&o.watchWeights, "watch-weights", false, "hot-reload the weights file on change")

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, o opts) error {
	if o.modelPath == "" {
		return fmt.Errorf("--model is required")
	}

	log := slog.Default()
	group, stop := control.New(ctx, log)
	defer stop()

	live, err := classifier.NewLive(o.modelPath, classifier.OnlineInputDim, log)
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}
	defer live.Close()
	if o.watchWeights {
		if err := live.WatchForReload(); err != nil {
			log.Warn("hpcsentry: weight hot-reload disabled", "err", err)
		}
	}

	metrics := control.NewMetrics()
	if o.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: o.metricsAddr, Handler: mux}
		group.Go(func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("hpcsentry: metrics server failed", "err", err)
			}
		})
		group.Go(func() {
			<-group.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	engine := inference.New(inference.Config{
		K:           len(perfcounter.DefaultSpecs),
		B:           o.batchSize,
		MaxRows:     90,
		IdleTimeout: o.idleTimeout,
	}, live)

	verdicts := make(chan inference.Verdict, 64)
	mux := multiplexer.New(engine, verdicts, metrics, log)
	group.Go(func() { mux.Run(group.Context()) })

	// The verdict consumer outlives verdicts being closed, so it is not a
	// control.Group-tracked goroutine: it must still be draining after
	// group.Wait() returns for everything that can write to verdicts, and
	// only then does this function close the channel and join it.
	verdictConsumerDone := make(chan struct{})
	go func() {
		defer close(verdictConsumerDone)
		for v := range verdicts {
			metricsReportedVerdict(log, v)
		}
	}()

	probe := procprobe.New()
	dedup := eventsource.NewDedupTable(o.dedupWindow)
	src := eventsource.New(probe, dedup, func(err error) {
		if abortErr := group.Abort("eventsource", err); abortErr != nil {
			log.Debug("hpcsentry: storm/attach abort raced with an earlier shutdown cause", "err", abortErr)
		}
	}, log)
	src.SetStormThreshold(o.stormThreshold)

	samplerCfg := sampler.Config{
		Specs:        perfcounter.DefaultSpecs,
		IntervalMS:   o.sampleIntervalMS,
		TotalSamples: o.totalSamples,
		BatchSize:    o.batchSize,
		WriteTimeout: 50 * time.Millisecond,
	}
	runner := func(ctx context.Context, pid uint32, out chan<- []byte) {
		sampler.Run(ctx, pid, out, samplerCfg, log)
	}

	disp := dispatcher.New(mux, src, runner, log)
	disp.SetMaxPids(o.maxPids)

	// A sampler bound to hpcsentry's own pid would feed back into the
	// pipeline it is part of, so the agent excludes itself before any
	// event can be admitted (spec §4.1/§4.2's self-exclusion rule).
	if err := src.Exclude(uint32(os.Getpid())); err != nil {
		log.Warn("hpcsentry: self-exclude failed", "err", err)
	}

	events := make(chan eventsource.ProcessEvent, 64)
	if err := src.Start(group.Context(), events); err != nil {
		return fmt.Errorf("start event source: %w", err)
	}

	group.Go(func() {
		for ev := range events {
			metrics.LiveSamplers.Set(float64(disp.LiveCount()))
			metrics.DedupEntries.Set(float64(dedup.Len()))
			if err := disp.OnEvent(group.Context(), ev.PID); err != nil {
				metrics.DroppedEvents.Inc()
			}
		}
	})

	<-group.Done()
	if cause := group.Cause(); cause != nil {
		if control.IsAny(cause, eventsource.ErrStorm, eventsource.ErrProbeAttachFailed) {
			log.Error("hpcsentry: shutting down, fatal detection-layer condition", "cause", cause)
		} else {
			log.Info("hpcsentry: shutting down", "cause", cause)
		}
	}
	disp.Shutdown()
	group.Wait()
	close(verdicts)
	<-verdictConsumerDone

	return exitError(group.ExitCode())
}

func metricsReportedVerdict(log *slog.Logger, v inference.Verdict) {
	if v.Label == classifier.Malicious {
		log.Warn("hpcsentry: malicious verdict", "pid", v.PID, "scores", v.Scores)
		return
	}
	log.Info("hpcsentry: benign verdict", "pid", v.PID, "scores", v.Scores)
}

func exitError(code int) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("exiting with code %d", code)
}
