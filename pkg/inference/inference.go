// Package inference implements the per-process rolling WindowBuffer and
// verdict sink described in spec §4.5: one buffer per ProcessId, advanced
// by appended SampleRows, triggering a classifier evaluation every B rows
// and evicted after T_idle of silence. It is a direct generalization of
// original_source/code/receive.c's pid_data hash table and add_data_to_pid,
// rendered as a single-owner Go map (no locking: spec §5 makes the
// Multiplexer the sole owner of WindowBuffers) instead of a hand-rolled hash
// chain, since Go's built-in map already gives O(1) amortized lookup.
package inference

import (
	"time"

	"github.com/hpcsentry/hpcsentry/pkg/classifier"
)

// SampleRow is one sample's worth of K ordered counter deltas.
type SampleRow []uint64

// Verdict is the engine's output for one completed window: spec §4.5's
// (pid, timestamp, Benign|Malicious, argmax-score-pair).
type Verdict struct {
	PID    uint32
	At     time.Time
	Label  classifier.Verdict
	Scores [classifier.OutputDim]float32
}

// Predictor is satisfied by both classifier.Classifier and classifier.Live.
type Predictor interface {
	Predict(x []float32) ([classifier.OutputDim]float32, classifier.Verdict, error)
}

// windowBuffer is the bounded per-process row sequence plus its idle clock.
// rows is truncated to at most MaxRows entries so a long-lived, frequently
// re-admitted pid can't grow it without bound (spec §3/§5's ~2.9KB
// MAX_ROWS·K·8 memory bound); count is the uncapped number of rows ever
// appended, which is what the MAX_ROWS eligibility check in Ingest is
// defined over (spec §4.5/§8 invariant 4).
type windowBuffer struct {
	rows       []SampleRow
	count      int
	lastUpdate time.Time
}

// Config parameterizes the engine by the two constants spec §9 says must
// stay configuration rather than hardcoded: B (rows per inference / window
// stride) and K (counters per row, fixed cardinality from spec §3 but kept
// explicit here for clarity and for testability with synthetic counter
// counts).
type Config struct {
	K           int
	B           int
	MaxRows     int
	IdleTimeout time.Duration
}

// DefaultConfig matches the online agent's configuration from spec §3/§9.
func DefaultConfig() Config {
	return Config{
		K:           4,
		B:           classifier.OnlineB,
		MaxRows:     90,
		IdleTimeout: 10 * time.Second,
	}
}

// Engine owns every WindowBuffer. It is not safe for concurrent use from
// more than one goroutine — by design it only ever runs inline on the
// Multiplexer's single consumer goroutine (spec §4.5, §5).
type Engine struct {
	cfg       Config
	predictor Predictor
	buffers   map[uint32]*windowBuffer
	nowFn     func() time.Time
}

// New creates an Engine bound to predictor for classifier evaluation.
func New(cfg Config, predictor Predictor) *Engine {
	return &Engine{
		cfg:       cfg,
		predictor: predictor,
		buffers:   make(map[uint32]*windowBuffer),
		nowFn:     time.Now,
	}
}

// BufferCount reports how many per-process WindowBuffers are currently
// resident, for metrics/diagnostics.
func (e *Engine) BufferCount() int { return len(e.buffers) }

// Ingest appends one SampleRow for pid, updates its idle clock, and runs one
// inference if the buffer has just advanced by a full stride (spec §4.5:
// "buffer.len % B == 0 && buffer.len <= MAX_ROWS"). A pid whose buffer was
// previously evicted starts fresh, per spec §4.5's eviction lifecycle.
func (e *Engine) Ingest(pid uint32, row SampleRow) (*Verdict, error) {
	if len(row) != e.cfg.K {
		return nil, ErrRowWidthMismatch
	}
	now := e.nowFn()

	buf, ok := e.buffers[pid]
	if !ok {
		buf = &windowBuffer{}
		e.buffers[pid] = buf
	}
	buf.rows = append(buf.rows, row)
	buf.count++
	buf.lastUpdate = now

	if n := len(buf.rows); n > e.cfg.MaxRows {
		buf.rows = buf.rows[n-e.cfg.MaxRows:]
	}

	e.evict(now)

	if buf.count%e.cfg.B != 0 || buf.count > e.cfg.MaxRows {
		return nil, nil
	}

	rows := len(buf.rows)
	window := buf.rows[rows-e.cfg.B:]
	x := make([]float32, 0, e.cfg.B*e.cfg.K)
	for _, r := range window {
		for _, v := range r {
			x = append(x, float32(v))
		}
	}

	scores, label, err := e.predictor.Predict(x)
	if err != nil {
		return nil, err
	}
	return &Verdict{PID: pid, At: now, Label: label, Scores: scores}, nil
}

// Tick runs an amortized eviction scan without ingesting anything; spec
// §4.5 calls for a scan "on every multiplexer tick and on every append".
func (e *Engine) Tick() {
	e.evict(e.nowFn())
}

func (e *Engine) evict(now time.Time) {
	for pid, buf := range e.buffers {
		if now.Sub(buf.lastUpdate) >= e.cfg.IdleTimeout {
			delete(e.buffers, pid)
		}
	}
}
