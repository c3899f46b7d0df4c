package classifier

import (
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Live wraps a Classifier behind an atomic pointer so a background watcher
// can swap in newly-loaded weights without the inference engine ever
// observing a half-updated model. Default behavior (no WatchForReload call)
// loads exactly once, as spec §4.6 requires; the watch is strictly opt-in.
type Live struct {
	path     string
	inputDim int
	log      *slog.Logger

	cur atomic.Pointer[Classifier]

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLive loads path once and returns a Live classifier around it.
func NewLive(path string, inputDim int, log *slog.Logger) (*Live, error) {
	if log == nil {
		log = slog.Default()
	}
	w, err := LoadWeights(path, inputDim)
	if err != nil {
		return nil, err
	}
	l := &Live{path: path, inputDim: inputDim, log: log}
	l.cur.Store(New(w))
	return l, nil
}

// Predict delegates to the currently-loaded classifier.
func (l *Live) Predict(x []float32) ([OutputDim]float32, Verdict, error) {
	return l.cur.Load().Predict(x)
}

// WatchForReload starts an fsnotify watch on the weights file's directory
// and atomically swaps in the reloaded model on every write or create event
// for path (renaming a new file onto path arrives as a create; other rename
// events are ignored). Operators can then atomically replace the
// weights file between restarts without a SIGHUP.
func (l *Live) WatchForReload() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dirOf(l.path)); err != nil {
		_ = w.Close()
		return err
	}
	l.watcher = w
	l.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != l.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				nw, err := LoadWeights(l.path, l.inputDim)
				if err != nil {
					l.log.Warn("classifier: reload failed, keeping previous weights", "path", l.path, "err", err)
					continue
				}
				l.cur.Store(New(nw))
				l.log.Info("classifier: reloaded weights", "path", l.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.Warn("classifier: watch error", "err", err)
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the reload watcher, if any.
func (l *Live) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	return l.watcher.Close()
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
