// Package classifier implements the fixed-topology three-layer
// feed-forward network described in spec §4.6: h1=relu(W1x+b1);
// h2=relu(W2h1+b2); y=W3h2+b3, with a deterministic argmax verdict. It is a
// direct Go port of original_source/code/receive.c's matmul/relu/forward,
// generalized to a configurable input dimension per spec §9's open question
// (online B=10/InputDim=40 vs offline B=30/InputDim=120).
package classifier

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	Hidden1Dim = 128
	Hidden2Dim = 64
	OutputDim  = 2

	// OnlineInputDim/OnlineB are the agent's real-time configuration.
	OnlineInputDim = 40
	OnlineB        = 10

	// OfflineInputDim/OfflineB match the offline training variant
	// preserved, not hardcoded, per spec §9.
	OfflineInputDim = 120
	OfflineB        = 30
)

// Verdict is the tagged enum from spec §3: argmax(out[0], out[1]) with ties
// broken toward Benign.
type Verdict int

const (
	Benign Verdict = iota
	Malicious
)

func (v Verdict) String() string {
	if v == Malicious {
		return "malicious"
	}
	return "benign"
}

// Weights holds the six arrays loaded, in order, from a model file: W1, b1,
// W2, b2, W3, b3.
type Weights struct {
	InputDim int

	W1 []float32 // Hidden1Dim x InputDim
	B1 []float32 // Hidden1Dim
	W2 []float32 // Hidden2Dim x Hidden1Dim
	B2 []float32 // Hidden2Dim
	W3 []float32 // OutputDim x Hidden2Dim
	B3 []float32 // OutputDim
}

// expectedFloatCount returns K_in·128 + 128 + 128·64 + 64 + 64·2 + 2 for the
// given input dimension, per spec §6's model file format.
func expectedFloatCount(inputDim int) int {
	return inputDim*Hidden1Dim + Hidden1Dim +
		Hidden1Dim*Hidden2Dim + Hidden2Dim +
		Hidden2Dim*OutputDim + OutputDim
}

// LoadWeights reads the six arrays in W1,b1,W2,b2,W3,b3 order from path,
// failing if the total float count doesn't exactly match the expected
// layout for inputDim (spec §4.6, §6).
func LoadWeights(path string, inputDim int) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("classifier: open %s: %w", path, err)
	}
	defer f.Close()

	raw, err := readAllFloat32LE(f)
	if err != nil {
		return nil, fmt.Errorf("classifier: read %s: %w", path, err)
	}

	want := expectedFloatCount(inputDim)
	if len(raw) != want {
		return nil, fmt.Errorf("%w: got %d floats, want %d", ErrShortWeights, len(raw), want)
	}

	w := &Weights{InputDim: inputDim}
	cursor := 0
	take := func(n int) []float32 {
		s := raw[cursor : cursor+n]
		cursor += n
		return s
	}
	w.W1 = take(inputDim * Hidden1Dim)
	w.B1 = take(Hidden1Dim)
	w.W2 = take(Hidden1Dim * Hidden2Dim)
	w.B2 = take(Hidden2Dim)
	w.W3 = take(Hidden2Dim * OutputDim)
	w.B3 = take(OutputDim)
	return w, nil
}

func readAllFloat32LE(r io.Reader) ([]float32, error) {
	all, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(all)%4 != 0 {
		return nil, fmt.Errorf("classifier: file length %d not a multiple of 4", len(all))
	}
	out := make([]float32, len(all)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(all[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

// Classifier evaluates the stateless three-layer network against a window.
// Each call is independent (spec §4.5 "the classifier is stateless").
type Classifier struct {
	w *Weights
}

// New wraps already-loaded weights.
func New(w *Weights) *Classifier {
	return &Classifier{w: w}
}

// Predict computes y = W3*relu(W2*relu(W1*x+b1)+b2)+b3 and derives the
// verdict as spec §4.6 specifies: 1 (Malicious) only if y[1] > y[0], else
// 0 (Benign), so a tie yields Benign.
func (c *Classifier) Predict(x []float32) (y [OutputDim]float32, verdict Verdict, err error) {
	if len(x) != c.w.InputDim {
		return y, Benign, fmt.Errorf("%w: got %d, want %d", ErrBadInputLen, len(x), c.w.InputDim)
	}

	h1 := make([]float32, Hidden1Dim)
	matmul(c.w.W1, x, h1, Hidden1Dim, c.w.InputDim)
	for i := range h1 {
		h1[i] = relu(h1[i] + c.w.B1[i])
	}

	h2 := make([]float32, Hidden2Dim)
	matmul(c.w.W2, h1, h2, Hidden2Dim, Hidden1Dim)
	for i := range h2 {
		h2[i] = relu(h2[i] + c.w.B2[i])
	}

	var out [OutputDim]float32
	matmul(c.w.W3, h2, out[:], OutputDim, Hidden2Dim)
	for i := range out {
		out[i] += c.w.B3[i]
	}

	verdict = Benign
	if out[1] > out[0] {
		verdict = Malicious
	}
	return out, verdict, nil
}

func relu(x float32) float32 {
	if x > 0 {
		return x
	}
	return 0
}

// matmul computes result = matrix (rows x cols) * vector (cols), a direct
// port of receive.c's matmul.
func matmul(matrix, vector, result []float32, rows, cols int) {
	for i := 0; i < rows; i++ {
		var acc float32
		base := i * cols
		for j := 0; j < cols; j++ {
			acc += matrix[base+j] * vector[j]
		}
		result[i] = acc
	}
}
