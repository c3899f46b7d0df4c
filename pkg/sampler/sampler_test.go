//go:build linux

package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcsentry/hpcsentry/internal/wire"
	"github.com/hpcsentry/hpcsentry/pkg/perfcounter"
)

// fakeCounter is a deterministic Counter test double: each Read() returns the
// next value from a pre-scripted sequence (holding at the last value once
// exhausted), the same scripted-batches idea eventsource_test.go's fakeProbe
// uses for its KernelProbe double.
type fakeCounter struct {
	mu      sync.Mutex
	values  []uint64
	idx     int
	readErr error
	closed  bool
}

func (f *fakeCounter) Reset() error  { return nil }
func (f *fakeCounter) Enable() error { return nil }

func (f *fakeCounter) Read() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.values) == 0 {
		return 0, nil
	}
	if f.idx >= len(f.values) {
		return f.values[len(f.values)-1], nil
	}
	v := f.values[f.idx]
	f.idx++
	return v, nil
}

func (f *fakeCounter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCounter) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeOpen builds an OpenFunc backed by one fakeCounter per spec name, so a
// test can script each counter's raw reads independently.
func fakeOpen(counters map[string]*fakeCounter) OpenFunc {
	return func(spec perfcounter.Spec, targetPID int) (Counter, error) {
		c, ok := counters[spec.Name]
		if !ok {
			return nil, errors.New("fakeOpen: no script for " + spec.Name)
		}
		return c, nil
	}
}

func oneSpec(name string) []perfcounter.Spec {
	return []perfcounter.Spec{{Name: name}}
}

func TestDelta_WrapsModulo2_64NoGuard(t *testing.T) {
	// prev near the uint64 ceiling, now small: a real wrap, per
	// original_source/code/collect.c's unguarded subtraction.
	prev := ^uint64(0) - 2
	now := uint64(5)
	assert.Equal(t, uint64(8), delta(now, prev))
}

func TestDelta_OrdinaryForwardCase(t *testing.T) {
	assert.Equal(t, uint64(10), delta(25, 15))
}

func TestRun_EmitsBatchAtEachBoundaryWithCorrectDeltas(t *testing.T) {
	counter := &fakeCounter{values: []uint64{10, 15, 25, 40}}
	cfg := Config{
		Specs:        oneSpec("instructions"),
		IntervalMS:   1,
		TotalSamples: 4,
		BatchSize:    2,
		WriteTimeout: time.Second,
		Open:         fakeOpen(map[string]*fakeCounter{"instructions": counter}),
	}

	out := make(chan []byte, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	Run(ctx, 4242, out, cfg, nil)

	var chunks [][]byte
	for c := range out {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2, "expected one batch per BatchSize boundary")

	b0, err := wire.Decode(chunks[0])
	require.NoError(t, err)
	assert.Equal(t, 0, b0.Start)
	assert.Equal(t, 1, b0.End)
	require.Len(t, b0.Rows, 2)
	assert.Equal(t, []uint64{10}, b0.Rows[0], "first sample is the raw value, not a delta")
	assert.Equal(t, []uint64{5}, b0.Rows[1])

	b1, err := wire.Decode(chunks[1])
	require.NoError(t, err)
	assert.Equal(t, 2, b1.Start)
	assert.Equal(t, 3, b1.End)
	require.Len(t, b1.Rows, 2)
	assert.Equal(t, []uint64{10}, b1.Rows[0])
	assert.Equal(t, []uint64{15}, b1.Rows[1])

	assert.True(t, counter.isClosed(), "Run must close every opened counter on exit")
}

func TestRun_TargetExitStopsSamplingEarly(t *testing.T) {
	counter := &fakeCounter{readErr: errors.New("no such process")}
	cfg := Config{
		Specs:        oneSpec("instructions"),
		IntervalMS:   1,
		TotalSamples: 50,
		BatchSize:    10,
		WriteTimeout: time.Second,
		Open:         fakeOpen(map[string]*fakeCounter{"instructions": counter}),
	}

	out := make(chan []byte, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A pid this large will never exist, so the first failed Read() is
	// correctly attributed to the target having exited.
	Run(ctx, 999999, out, cfg, nil)

	var chunks [][]byte
	for c := range out {
		chunks = append(chunks, c)
	}
	assert.Empty(t, chunks, "fewer than BatchSize rows were collected before the target exited")
	assert.True(t, counter.isClosed())
}

func TestRun_OpenFailureClosesAlreadyOpenedCountersAndEmitsNothing(t *testing.T) {
	opened := &fakeCounter{values: []uint64{1}}
	cfg := Config{
		Specs:        []perfcounter.Spec{{Name: "instructions"}, {Name: "cycles"}},
		IntervalMS:   1,
		TotalSamples: 5,
		BatchSize:    1,
		WriteTimeout: time.Second,
		Open: func(spec perfcounter.Spec, targetPID int) (Counter, error) {
			if spec.Name == "instructions" {
				return opened, nil
			}
			return nil, errors.New("boom")
		},
	}

	out := make(chan []byte, 4)
	Run(context.Background(), 1, out, cfg, nil)

	_, ok := <-out
	assert.False(t, ok, "out must be closed with nothing sent when opening fails")
	assert.True(t, opened.isClosed(), "counters opened before the failing one must still be closed")
}

func TestRun_ContextCancellationClosesOutWithoutPanicking(t *testing.T) {
	counter := &fakeCounter{values: []uint64{1, 2, 3}}
	cfg := Config{
		Specs:        oneSpec("instructions"),
		IntervalMS:   50,
		TotalSamples: 1000,
		BatchSize:    10,
		WriteTimeout: time.Second,
		Open:         fakeOpen(map[string]*fakeCounter{"instructions": counter}),
	}

	out := make(chan []byte, 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, 1, out, cfg, nil)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	_, ok := <-out
	assert.False(t, ok, "out must be closed")
}
