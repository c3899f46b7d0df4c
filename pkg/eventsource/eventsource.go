// Package eventsource publishes a deduplicated stream of process-creation
// ProcessId values, implementing spec §4.1. The actual kernel-side
// tracepoint/eBPF hook is declared OUT OF SCOPE by spec §1; KernelProbe is
// its interface boundary, grounded on original_source/code/the_main.c's
// perf_buffer__poll loop and handle_event callback, and on
// original_source/K-LEB-Intel-demo/kleb.mod.c for the tracepoint shape being
// wrapped.
package eventsource

import (
	"context"
	"log/slog"
	"time"
)

// ProcessEvent is one process-creation notification as delivered by the
// kernel probe.
type ProcessEvent struct {
	PID uint32
	At  time.Time
}

// KernelProbe is the external collaborator spec §6 calls "kernel probe
// contract": attach, poll with timeout, and update a pid exclude map. A
// real implementation would wrap an eBPF ring buffer or perf_buffer; this
// module only depends on the interface.
type KernelProbe interface {
	Attach(ctx context.Context) error
	// Poll blocks for up to timeout waiting for new events, returning
	// whatever arrived (possibly none, possibly more than one).
	Poll(ctx context.Context, timeout time.Duration) ([]ProcessEvent, error)
	// Exclude marks pid so the probe (and thus the kernel-side dedup layer
	// named in spec §4.1) never reports events for it again.
	Exclude(pid uint32) error
	Detach() error
}

const (
	// DedupWindow is T_dedup from spec §3.
	DedupWindow = 5 * time.Second

	// PollTimeout bounds every blocking probe wait so the stop flag is
	// observed within spec §5's 100ms budget.
	PollTimeout = 100 * time.Millisecond

	// StormEventThreshold and StormWindow together define spec §4.1's
	// storm condition: more than 10 events per 1ms.
	StormEventThreshold = 10
	StormWindow         = time.Millisecond
)

// StormFunc is invoked exactly once if the storm condition trips. It is
// expected to call control.Group.Abort.
type StormFunc func(err error)

// Source wraps a KernelProbe, applies the DedupTable, and detects storms.
type Source struct {
	probe  KernelProbe
	dedup  *DedupTable
	onStorm StormFunc
	log    *slog.Logger

	stormThreshold int
	recentTimes    []time.Time // sliding window for storm detection
}

// New creates a Source. onStorm is called at most once if the storm
// threshold trips; it should trigger shutdown (spec §4.1, §7).
func New(probe KernelProbe, dedup *DedupTable, onStorm StormFunc, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{probe: probe, dedup: dedup, onStorm: onStorm, log: log, stormThreshold: StormEventThreshold}
}

// SetStormThreshold overrides the per-millisecond event count above which
// storm detection trips; operators tune this the same way spec §9 treats MAX_PIDS
// and the dedup window ("tunable, not hardcoded"). Zero or negative values
// are ignored.
func (s *Source) SetStormThreshold(n int) {
	if n > 0 {
		s.stormThreshold = n
	}
}

// Start attaches the probe and begins delivery to sink until ctx is
// cancelled, at which point sink is closed. Returns ErrProbeAttachFailed
// (wrapped) if the kernel probe cannot be attached — a fatal initialization
// error per spec §7.
func (s *Source) Start(ctx context.Context, sink chan<- ProcessEvent) error {
	if err := s.probe.Attach(ctx); err != nil {
		return wrapAttach(err)
	}

	go func() {
		defer close(sink)
		defer s.probe.Detach()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			events, err := s.probe.Poll(ctx, PollTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error("eventsource: poll failed", "err", err)
				continue
			}

			now := time.Now()
			for range events {
				if s.storming(now) {
					if s.onStorm != nil {
						s.onStorm(ErrStorm)
					}
					return
				}
			}

			for _, ev := range events {
				if !s.dedup.Admit(ev.PID, ev.At) {
					continue
				}
				select {
				case sink <- ev:
				case <-ctx.Done():
					return
				}
			}

			s.dedup.Reclaim(now, 0)
		}
	}()
	return nil
}

// Exclude adds pid to the kernel-side exclude set (spec §4.1's "install its
// own agent pid, and every child it spawns, into the exclude set before any
// event can be emitted for them").
func (s *Source) Exclude(pid uint32) error {
	return s.probe.Exclude(pid)
}

// storming records one event arrival and reports whether more than
// StormEventThreshold events have landed within the trailing StormWindow.
func (s *Source) storming(now time.Time) bool {
	s.recentTimes = append(s.recentTimes, now)
	cutoff := now.Add(-StormWindow)
	i := 0
	for ; i < len(s.recentTimes); i++ {
		if s.recentTimes[i].After(cutoff) {
			break
		}
	}
	s.recentTimes = s.recentTimes[i:]
	return len(s.recentTimes) > s.stormThreshold
}

func wrapAttach(err error) error {
	return &attachError{err}
}

type attachError struct{ err error }

func (e *attachError) Error() string { return "eventsource: attach: " + e.err.Error() }
func (e *attachError) Unwrap() error { return e.err }
func (e *attachError) Is(target error) bool { return target == ErrProbeAttachFailed }
