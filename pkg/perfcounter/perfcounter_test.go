//go:build linux

package perfcounter

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupSpec(t *testing.T) {
	for _, name := range []string{"instructions", "cycles", "branch-instructions", "branch-misses"} {
		s, err := LookupSpec(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name)
	}

	_, err := LookupSpec("not-a-real-counter")
	assert.Error(t, err)
}

func TestOpenSelf(t *testing.T) {
	spec, err := LookupSpec("instructions")
	require.NoError(t, err)

	c, err := Open(spec, os.Getpid())
	if err != nil {
		t.Skipf("perf_event_open unavailable in this environment: %v", err)
	}
	defer c.Close()

	require.NoError(t, c.Reset())
	require.NoError(t, c.Enable())

	// Burn a little CPU so the counter has something to report.
	x := 1.0
	for i := 0; i < 2_000_000; i++ {
		x = x*1.0000001 + 0.0000001
	}
	_ = x

	v, err := c.Read()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, uint64(0))
}
