//go:build linux

// Package perfcounter wraps the hardware-performance-counter "counter-open
// syscall" external interface named in spec §6: perf_event_open plus the
// RESET/ENABLE/DISABLE IOCTLs against the returned file descriptor. It is
// the one OUT-OF-SCOPE syscall boundary Go can express directly, grounded
// on cmd/profiler3/main.go's use of golang.org/x/sys/unix.PerfEventOpen in
// the retrieval pack.
package perfcounter

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Spec names a hardware counter selection. The core recognizes exactly the
// four named in spec §3; Type/Config map 1:1 onto code/collect.c's
// default_events table.
type Spec struct {
	Name   string
	Type   uint32
	Config uint64
}

// DefaultSpecs is the canonical, fixed-cardinality K=4 counter list.
var DefaultSpecs = []Spec{
	{Name: "instructions", Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_INSTRUCTIONS},
	{Name: "cycles", Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_CPU_CYCLES},
	{Name: "branch-instructions", Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS},
	{Name: "branch-misses", Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_BRANCH_MISSES},
}

// LookupSpec resolves a counter by name, mirroring code/collect.c's
// parse_event.
func LookupSpec(name string) (Spec, error) {
	for _, s := range DefaultSpecs {
		if s.Name == name {
			return s, nil
		}
	}
	return Spec{}, fmt.Errorf("perfcounter: unsupported event name %q", name)
}

// Counter owns one open perf_event file descriptor for one (spec, target
// pid) pair. It is the sole owner of that fd: Close disables and closes it
// on every path, per spec §4.3.
type Counter struct {
	spec Spec
	fd   int
}

// Open issues perf_event_open with the attribute block spec §6 requires:
// disabled=1, exclude_kernel=0, exclude_hv=1, cpu=-1, group_fd=-1, flags=0.
// Failure to open aborts the counter with no partial state.
func Open(spec Spec, targetPID int) (*Counter, error) {
	attr := &unix.PerfEventAttr{
		Type:   spec.Type,
		Config: spec.Config,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeHv,
	}
	fd, err := unix.PerfEventOpen(attr, targetPID, -1, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("perfcounter: open %s for pid %d: %w", spec.Name, targetPID, err)
	}
	return &Counter{spec: spec, fd: fd}, nil
}

// Reset resets the counter value to zero (PERF_EVENT_IOC_RESET).
func (c *Counter) Reset() error {
	return unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_RESET, 0)
}

// Enable starts counting (PERF_EVENT_IOC_ENABLE).
func (c *Counter) Enable() error {
	return unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

// Disable stops counting (PERF_EVENT_IOC_DISABLE). Safe to call on an
// already-disabled or closed counter during shutdown cleanup.
func (c *Counter) Disable() error {
	return unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

// Read performs one 8-byte counter snapshot read.
func (c *Counter) Read() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		return 0, fmt.Errorf("perfcounter: read %s: %w", c.spec.Name, err)
	}
	if n != 8 {
		return 0, fmt.Errorf("perfcounter: short read (%d bytes) for %s", n, c.spec.Name)
	}
	return nativeEndianUint64(buf[:]), nil
}

// Close disables and closes the underlying file descriptor. Errors from
// Disable are ignored since Close is called on every exit path, including
// ones where the fd may already be defunct (spec §4.3).
func (c *Counter) Close() error {
	_ = c.Disable()
	return unix.Close(c.fd)
}
