// Package multiplexer implements the fan-in stage from spec §4.4: one
// forwarder goroutine per registered sampler channel feeds a single shared
// chunk stream, since a Go select statement cannot range over a dynamically
// growing channel set the way original_source/code/receive.c's poll() loop
// ranges over pollfd[MAX_PIDS]. The consumer goroutine decodes each chunk,
// appends its rows to the inference engine, and drains a verdict on every
// completed window.
package multiplexer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hpcsentry/hpcsentry/internal/wire"
	"github.com/hpcsentry/hpcsentry/pkg/control"
	"github.com/hpcsentry/hpcsentry/pkg/inference"
	"github.com/hpcsentry/hpcsentry/pkg/types"
)

// TickInterval bounds how often the single consumer goroutine reassesses
// idle WindowBuffers absent any incoming chunk, matching spec §5's 100ms
// responsiveness budget for the same reason eventsource.PollTimeout does.
const TickInterval = 100 * time.Millisecond

// fanInCapacity is the shared chunk stream's buffer: one in flight per forwarder is enough headroom since
// every sampler channel itself is already bounded to one chunk (spec §5).
const fanInCapacity = 16

type taggedChunk struct {
	pid  uint32
	data []byte
}

// Multiplexer implements dispatcher.Registry. It owns the single Engine
// instance and is the sole goroutine that ever calls Engine.Ingest/Tick,
// satisfying the single-owner contract inference.Engine documents.
type Multiplexer struct {
	log      *slog.Logger
	metrics  *control.Metrics
	engine   *inference.Engine
	verdicts chan<- inference.Verdict

	mu   sync.Mutex
	live map[uint32]struct{}

	chunks chan taggedChunk
	wg     sync.WaitGroup
}

// New creates a Multiplexer. verdicts receives one inference.Verdict per
// completed window; the caller owns draining it.
func New(engine *inference.Engine, verdicts chan<- inference.Verdict, metrics *control.Metrics, log *slog.Logger) *Multiplexer {
	if log == nil {
		log = slog.Default()
	}
	return &Multiplexer{
		log:      log,
		metrics:  metrics,
		engine:   engine,
		verdicts: verdicts,
		live:     make(map[uint32]struct{}),
		chunks:   make(chan taggedChunk, fanInCapacity),
	}
}

// Register starts a forwarder goroutine pumping ch into the shared chunk
// stream, tagging each chunk with pid for decode-error logging. It
// implements dispatcher.Registry.
func (m *Multiplexer) Register(pid uint32, ch <-chan []byte) {
	m.mu.Lock()
	m.live[pid] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.forward(pid, ch)
}

func (m *Multiplexer) forward(pid uint32, ch <-chan []byte) {
	defer m.wg.Done()
	for data := range ch {
		m.chunks <- taggedChunk{pid: pid, data: data}
	}
	m.mu.Lock()
	delete(m.live, pid)
	m.mu.Unlock()
}

// LiveCount reports how many sampler channels currently have an active
// forwarder, for metrics/diagnostics.
func (m *Multiplexer) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Run is the single consumer goroutine: it decodes chunks as they arrive,
// ingests rows into the engine, forwards any resulting verdict, and ticks
// the engine's idle eviction on its own schedule when chunks are quiet. It
// returns when ctx is cancelled.
func (m *Multiplexer) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tc := <-m.chunks:
			m.handle(ctx, tc)
		case <-ticker.C:
			m.engine.Tick()
			m.reportBufferCount()
		}
	}
}

// Wait blocks until every registered forwarder has drained its channel
// (i.e. every sampler has closed its write end).
func (m *Multiplexer) Wait() {
	m.wg.Wait()
}

func (m *Multiplexer) handle(ctx context.Context, tc taggedChunk) {
	batch, err := wire.Decode(tc.data)
	if err != nil {
		m.log.Warn("multiplexer: discarding malformed chunk", "pid", tc.pid, "size", types.Bytes(len(tc.data)).Humanized(), "err", err)
		if m.metrics != nil {
			m.metrics.ParseFailures.Inc()
		}
		return
	}

	for _, row := range batch.Rows {
		verdict, err := m.engine.Ingest(batch.PID, inference.SampleRow(row))
		if err != nil {
			m.log.Warn("multiplexer: dropping row, ingest failed", "pid", batch.PID, "err", err)
			continue
		}
		if verdict == nil {
			continue
		}
		if m.metrics != nil {
			m.metrics.Verdicts.WithLabelValues(verdict.Label.String()).Inc()
		}
		select {
		case m.verdicts <- *verdict:
		case <-ctx.Done():
			return
		}
	}
	m.reportBufferCount()
}

func (m *Multiplexer) reportBufferCount() {
	if m.metrics != nil {
		m.metrics.WindowBuffers.Set(float64(m.engine.BufferCount()))
	}
}
