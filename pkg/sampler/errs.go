package sampler

import "errors"

// ErrOpenFailed marks a counter-open failure: spec §4.3 "failure to open a
// counter aborts the sampler for that process (no partial operation)".
var ErrOpenFailed = errors.New("sampler: counter open failed")
