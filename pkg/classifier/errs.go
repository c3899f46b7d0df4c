package classifier

import "errors"

var (
	// ErrShortWeights indicates the model file did not contain exactly the
	// expected number of floats for the configured input dimension.
	ErrShortWeights = errors.New("classifier: model file has wrong float count")

	// ErrBadInputLen indicates Predict was called with a vector whose
	// length doesn't match the loaded Weights' InputDim.
	ErrBadInputLen = errors.New("classifier: input vector length mismatch")
)
