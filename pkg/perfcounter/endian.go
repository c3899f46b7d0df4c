//go:build linux

package perfcounter

import "encoding/binary"

// nativeEndianUint64 decodes one 8-byte perf_event_open snapshot. The kernel
// writes these in host byte order; on every architecture Go's race/build
// matrix targets for this agent (amd64, arm64) that is little-endian.
func nativeEndianUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}
