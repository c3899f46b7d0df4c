package dispatcher

import "errors"

// ErrMaxPidsReached indicates the live-sampler set is already at MAX_PIDS;
// the incoming event is dropped per spec §4.2.
var ErrMaxPidsReached = errors.New("dispatcher: MAX_PIDS reached")
