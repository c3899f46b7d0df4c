//go:build linux

package procprobe

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttach_SeedsKnownFromCurrentProc(t *testing.T) {
	p := New()
	require.NoError(t, p.Attach(context.Background()))

	me := uint32(os.Getpid())
	_, known := p.known[me]
	assert.True(t, known, "current pid should already be known after Attach")
}

func TestPoll_DoesNotReportAlreadyRunningProcesses(t *testing.T) {
	p := New()
	require.NoError(t, p.Attach(context.Background()))

	events, err := p.Poll(context.Background(), time.Millisecond)
	require.NoError(t, err)

	me := uint32(os.Getpid())
	for _, ev := range events {
		assert.NotEqual(t, me, ev.PID, "already-attached pid should never be reported as new")
	}
}

func TestPoll_ExcludedPidNeverReported(t *testing.T) {
	p := New()
	require.NoError(t, p.Exclude(uint32(os.Getpid())))
	// Seed known from an empty baseline so the current process looks "new".
	p.known = make(map[uint32]struct{})

	events, err := p.Poll(context.Background(), time.Millisecond)
	require.NoError(t, err)

	me := uint32(os.Getpid())
	for _, ev := range events {
		assert.NotEqual(t, me, ev.PID, "excluded pid must never be reported")
	}
}

func TestPoll_RespectsContextCancellation(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Poll(ctx, time.Second)
	assert.Error(t, err)
}
