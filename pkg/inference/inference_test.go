package inference

import (
	"testing"
	"time"

	"github.com/hpcsentry/hpcsentry/pkg/classifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroPredictor always returns [0,0], which argmaxes to Benign per spec
// §4.6's tie-break rule.
type zeroPredictor struct{ calls int }

func (z *zeroPredictor) Predict(x []float32) ([classifier.OutputDim]float32, classifier.Verdict, error) {
	z.calls++
	return [classifier.OutputDim]float32{}, classifier.Benign, nil
}

func cfgForTest() Config {
	return Config{K: 4, B: 10, MaxRows: 90, IdleTimeout: 10 * time.Second}
}

// TestIngest_E1_SingleBenignProcess matches spec §8 E1: 30 rows, B=10,
// three inferences, all Benign under an all-zero model.
func TestIngest_E1_SingleBenignProcess(t *testing.T) {
	p := &zeroPredictor{}
	e := New(cfgForTest(), p)

	var verdicts []*Verdict
	for i := 0; i < 30; i++ {
		v, err := e.Ingest(4242, SampleRow{1, 2, 3, 4})
		require.NoError(t, err)
		if v != nil {
			verdicts = append(verdicts, v)
		}
	}

	require.Len(t, verdicts, 3)
	for _, v := range verdicts {
		assert.Equal(t, classifier.Benign, v.Label)
		assert.EqualValues(t, 4242, v.PID)
	}
	assert.Equal(t, 3, p.calls)
}

func TestIngest_RowWidthMismatch(t *testing.T) {
	e := New(cfgForTest(), &zeroPredictor{})
	_, err := e.Ingest(1, SampleRow{1, 2, 3})
	assert.ErrorIs(t, err, ErrRowWidthMismatch)
}

// TestIdleEviction_E5 matches spec §8 E5: a buffer touched at t is evicted
// at t+T_idle but a fresh buffer exists again for a later arrival.
func TestIdleEviction_E5(t *testing.T) {
	e := New(cfgForTest(), &zeroPredictor{})

	base := time.Unix(1_700_000_000, 0)
	e.nowFn = func() time.Time { return base }

	_, err := e.Ingest(7, SampleRow{1, 1, 1, 1})
	require.NoError(t, err)
	require.Equal(t, 1, e.BufferCount())

	// Not yet idle: t+T_idle-epsilon.
	e.nowFn = func() time.Time { return base.Add(10*time.Second - time.Millisecond) }
	e.Tick()
	assert.Equal(t, 1, e.BufferCount())

	// Idle boundary: t+T_idle.
	e.nowFn = func() time.Time { return base.Add(10 * time.Second) }
	e.Tick()
	assert.Equal(t, 0, e.BufferCount())

	// A later arrival starts a fresh buffer.
	e.nowFn = func() time.Time { return base.Add(10500 * time.Millisecond) }
	_, err = e.Ingest(7, SampleRow{2, 2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, 1, e.BufferCount())
}

// TestIngest_StoredRowsNeverExceedMaxRows guards the spec §3/§5 ~2.9KB
// memory bound: a pid kept alive well past MaxRows rows (legal, since the
// dedup window is shorter than the idle-eviction window) must not grow its
// stored row slice without bound, even though eligibility for inference
// still stops permanently once the uncapped append count exceeds MaxRows
// (invariant 4).
func TestIngest_StoredRowsNeverExceedMaxRows(t *testing.T) {
	cfg := cfgForTest()
	e := New(cfg, &zeroPredictor{})

	for i := 0; i < 250; i++ {
		_, err := e.Ingest(9, SampleRow{0, 0, 0, 0})
		require.NoError(t, err)
		require.LessOrEqual(t, len(e.buffers[9].rows), cfg.MaxRows)
	}
	assert.Equal(t, cfg.MaxRows, len(e.buffers[9].rows))
}

func TestIngest_VerdictEveryStride(t *testing.T) {
	e := New(cfgForTest(), &zeroPredictor{})
	count := 0
	for i := 0; i < 95; i++ {
		v, err := e.Ingest(1, SampleRow{0, 0, 0, 0})
		require.NoError(t, err)
		if v != nil {
			count++
		}
	}
	// floor(min(95, 90)/10) == 9 per spec invariant 4.
	assert.Equal(t, 9, count)
}
