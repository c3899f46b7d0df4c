// Package control owns the process-wide stop flag, signal handling, and
// orderly shutdown of every long-running goroutine in the agent.
package control

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Group is a cancellation domain shared by the Event Source, every Sampler,
// and the Multiplexer. A single fatal error (storm, init failure) or an
// OS signal cancels the context; every loop in the agent selects on Done()
// with a bounded timeout so shutdown is observed within ~100ms (spec §5).
type Group struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	wg sync.WaitGroup

	mu       sync.Mutex
	aborted  bool
	exitCode int
	log      *slog.Logger
}

// New creates a Group wired to SIGINT/SIGTERM, mirroring
// cmd/consumption/main.go's signal.NotifyContext usage.
func New(parent context.Context, log *slog.Logger) (*Group, context.CancelFunc) {
	if log == nil {
		log = slog.Default()
	}
	sigCtx, stopSignals := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancelCause(sigCtx)

	g := &Group{ctx: ctx, cancel: cancel, log: log}

	stop := func() {
		cancel(nil)
		stopSignals()
	}
	return g, stop
}

// Context returns the cancellation context every component should select on.
func (g *Group) Context() context.Context { return g.ctx }

// Done reports whether shutdown has been requested.
func (g *Group) Done() <-chan struct{} { return g.ctx.Done() }

// Stopped is a non-blocking check of Done(), used at loop boundaries that
// don't otherwise block (spec §4.7 "all loops check this flag between
// iterations").
func (g *Group) Stopped() bool {
	select {
	case <-g.ctx.Done():
		return true
	default:
		return false
	}
}

// Abort cancels the group with a fatal cause and sets a non-zero exit code.
// Safe to call multiple times; only the first cause wins, and every call
// after it returns ErrAlreadyAborted instead of re-cancelling or re-logging.
func (g *Group) Abort(component string, err error) error {
	g.mu.Lock()
	if g.aborted {
		g.mu.Unlock()
		return ErrAlreadyAborted
	}
	g.aborted = true
	if g.exitCode == 0 {
		g.exitCode = 1
	}
	g.mu.Unlock()

	g.log.Error("fatal condition, shutting down", "component", component, "err", err)
	g.cancel(err)
	return nil
}

// Cause returns the error that triggered shutdown, if any.
func (g *Group) Cause() error {
	return context.Cause(g.ctx)
}

// ExitCode returns the process exit code implied by how the group stopped:
// 0 on clean shutdown, non-zero if Abort was ever called.
func (g *Group) ExitCode() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exitCode
}

// Go runs fn in a tracked goroutine; Wait blocks until every tracked
// goroutine returns.
func (g *Group) Go(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait blocks until all goroutines started via Go have returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// EnsureSignalExit is a convenience for cmd/ main functions: it exits the
// process with the group's final exit code after os.Exit-worthy cleanup has
// already run.
func EnsureSignalExit(code int) {
	os.Exit(code)
}
