package inference

import "errors"

// ErrRowWidthMismatch indicates a SampleRow with a different counter count
// than the engine was configured for.
var ErrRowWidthMismatch = errors.New("inference: row width mismatch")
