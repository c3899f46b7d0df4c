package eventsource

import "errors"

var (
	// ErrProbeAttachFailed is a fatal initialization error (spec §7).
	ErrProbeAttachFailed = errors.New("eventsource: kernel probe attach failed")

	// ErrStorm marks a catastrophic process-event storm (spec §4.1, §7).
	ErrStorm = errors.New("eventsource: process-event storm detected")
)
