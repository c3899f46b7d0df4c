// Package dispatcher owns the set of live Samplers (spec §4.2). On each
// admitted ProcessId it allocates a channel, starts a Sampler bound to its
// write end, registers the read end with the Multiplexer, and excludes any
// helper process it spawns from the event source. Grounded on
// original_source/code/the_main.c's handle_event (pipe allocation under
// pipe_mutex, pthread_create + pthread_detach per pid).
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
)

// MaxPids is MAX_PIDS from spec §3: the PipeRegistry capacity cap.
const MaxPids = 1024

// ChunkChanCapacity bounds each sampler's channel to one chunk in flight,
// matching spec §5's memory bound ("each with a channel buffer bounded by
// one chunk").
const ChunkChanCapacity = 1

// Registry is the subset of the Multiplexer's API the Dispatcher needs: it
// registers a new reader channel for a pid. Accepting this narrow interface
// (rather than the full multiplexer.Multiplexer type) keeps the two
// packages decoupled in both directions.
type Registry interface {
	Register(pid uint32, ch <-chan []byte)
}

// Excluder is the subset of eventsource.Source the Dispatcher needs to
// enforce self-exclusion for any helper process it spawns.
type Excluder interface {
	Exclude(pid uint32) error
}

// SamplerFunc starts one Sampler bound to pid and out, returning when the
// sampler's own state machine reaches Closed (spec §4.3) or ctx is done.
// Matches sampler.Run's signature.
type SamplerFunc func(ctx context.Context, pid uint32, out chan<- []byte)

// Dispatcher tracks live samplers and enforces MAX_PIDS admission.
type Dispatcher struct {
	registry Registry
	excluder Excluder
	runner   SamplerFunc
	log      *slog.Logger

	maxPids int

	mu   sync.Mutex
	live map[uint32]context.CancelFunc
	wg   sync.WaitGroup
}

// New creates a Dispatcher. runner is called once per admitted pid in its
// own goroutine.
func New(registry Registry, excluder Excluder, runner SamplerFunc, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		excluder: excluder,
		runner:   runner,
		log:      log,
		maxPids:  MaxPids,
		live:     make(map[uint32]context.CancelFunc),
	}
}

// SetMaxPids overrides the live-sampler cap (spec §9: "tunable, not
// hardcoded"). Zero or negative values are ignored.
func (d *Dispatcher) SetMaxPids(n int) {
	if n > 0 {
		d.maxPids = n
	}
}

// LiveCount reports the number of currently-tracked samplers, for metrics
// and for MAX_PIDS admission tests.
func (d *Dispatcher) LiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// OnEvent is idempotent within a pid's sampler lifetime: a pid already
// tracked here is a no-op (defense in depth alongside the Source's own
// DedupTable). If MAX_PIDS is already live, the event is dropped and
// logged; OnEvent never blocks the caller (spec §4.2).
func (d *Dispatcher) OnEvent(parent context.Context, pid uint32) error {
	d.mu.Lock()
	if _, already := d.live[pid]; already {
		d.mu.Unlock()
		return nil
	}
	if len(d.live) >= d.maxPids {
		d.mu.Unlock()
		d.log.Warn("dispatcher: dropping event, MAX_PIDS reached", "pid", pid, "max", d.maxPids)
		return ErrMaxPidsReached
	}

	ctx, cancel := context.WithCancel(parent)
	d.live[pid] = cancel
	d.mu.Unlock()

	out := make(chan []byte, ChunkChanCapacity)
	d.registry.Register(pid, out)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.untrack(pid)
		d.runner(ctx, pid, out)
	}()
	return nil
}

func (d *Dispatcher) untrack(pid uint32) {
	d.mu.Lock()
	delete(d.live, pid)
	d.mu.Unlock()
}

// Shutdown cancels every live sampler and blocks until all have returned
// (spec §4.2: "closes all live channels, signals samplers to exit, joins
// them" — cancellation drives the sampler to close its own write end, per
// spec §4.7's ownership rules).
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	for _, cancel := range d.live {
		cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}
