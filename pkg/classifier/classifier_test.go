package classifier

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeWeightsFile serializes floats little-endian into a temp file and
// returns its path.
func writeWeightsFile(t *testing.T, floats []float32) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "model_weights.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 4)
	for _, v := range floats {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		_, err := f.Write(buf)
		require.NoError(t, err)
	}
	return path
}

func TestLoadWeights_AllZeros_EverythingBenign(t *testing.T) {
	n := expectedFloatCount(OnlineInputDim)
	floats := make([]float32, n)
	path := writeWeightsFile(t, floats)

	w, err := LoadWeights(path, OnlineInputDim)
	require.NoError(t, err)

	c := New(w)
	x := make([]float32, OnlineInputDim)
	for i := range x {
		x[i] = 1
	}
	y, verdict, err := c.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, Benign, verdict)
	assert.Equal(t, float32(0), y[0])
	assert.Equal(t, float32(0), y[1])
}

func TestLoadWeights_ShortFileFails(t *testing.T) {
	path := writeWeightsFile(t, []float32{1, 2, 3})
	_, err := LoadWeights(path, OnlineInputDim)
	assert.ErrorIs(t, err, ErrShortWeights)
}

// TestPredict_IdentityFixture matches spec §8 E6: input vector of 40 ones,
// W1/W2/W3 built as truncated identity-like matrices so the computation can
// be predicted by hand, zero biases.
func TestPredict_IdentityFixture(t *testing.T) {
	inputDim := OnlineInputDim
	w1 := make([]float32, inputDim*Hidden1Dim)
	for i := 0; i < inputDim && i < Hidden1Dim; i++ {
		w1[i*inputDim+i] = 1
	}
	b1 := make([]float32, Hidden1Dim)

	w2 := make([]float32, Hidden1Dim*Hidden2Dim)
	for i := 0; i < Hidden2Dim && i < Hidden1Dim; i++ {
		w2[i*Hidden1Dim+i] = 1
	}
	b2 := make([]float32, Hidden2Dim)

	w3 := make([]float32, Hidden2Dim*OutputDim)
	// Route h2[0] to y[0], h2[1] to y[1].
	w3[0*Hidden2Dim+0] = 1
	w3[1*Hidden2Dim+1] = 1
	b3 := make([]float32, OutputDim)

	var all []float32
	all = append(all, w1...)
	all = append(all, b1...)
	all = append(all, w2...)
	all = append(all, b2...)
	all = append(all, w3...)
	all = append(all, b3...)
	path := writeWeightsFile(t, all)

	w, err := LoadWeights(path, inputDim)
	require.NoError(t, err)
	c := New(w)

	x := make([]float32, inputDim)
	for i := range x {
		x[i] = 1
	}
	y, verdict, err := c.Predict(x)
	require.NoError(t, err)

	// h1[i] = x[i] for i<inputDim, relu(1)=1; h2[0]=h1[0]=1, h2[1]=h1[1]=1.
	// y[0] = h2[0] = 1, y[1] = h2[1] = 1 -> tie, Benign wins (spec §4.6, §3).
	assert.InDelta(t, 1.0, y[0], 1e-6)
	assert.InDelta(t, 1.0, y[1], 1e-6)
	assert.Equal(t, Benign, verdict)
}

func TestPredict_BadInputLen(t *testing.T) {
	n := expectedFloatCount(OnlineInputDim)
	path := writeWeightsFile(t, make([]float32, n))
	w, err := LoadWeights(path, OnlineInputDim)
	require.NoError(t, err)
	c := New(w)

	_, _, err = c.Predict(make([]float32, 3))
	assert.ErrorIs(t, err, ErrBadInputLen)
}
