package replset

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/amirimatin/go-replset/pkg/internal/logutil"
)

// WatchInterval is the cadence of the background recheck loop. It is read
// before every wait, so a change also reaches a running watcher at its next
// cycle; mainly a test and tuning knob.
var WatchInterval = 10 * time.Second

// watcher is the registry's single background recheck task: started once,
// on first monitor creation, and stopped only by Registry.Shutdown. The
// fast-path started flag keeps safeGo cheap on the common path.
type watcher struct {
	started atomic.Bool
	mu      sync.Mutex
	done    chan struct{}
	stopped bool
}

func (w *watcher) safeGo(r *Registry) {
	// check outside of lock for speed
	if w.started.Load() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started.Load() || w.stopped {
		return
	}
	w.started.Store(true)
	w.done = make(chan struct{})
	go w.run(r)
}

func (w *watcher) run(r *Registry) {
	logutil.Infof(r.logger, "replica set monitor watcher starting")
	for {
		select {
		case <-w.done:
			return
		case <-time.After(WatchInterval):
		}
		w.checkAll(r)
	}
}

// checkAll shields the loop from a panicking config-change hook.
func (w *watcher) checkAll(r *Registry) {
	defer func() {
		if e := recover(); e != nil {
			logutil.Errorf(r.logger, "replica set monitor check failed: %v", e)
		}
	}()
	r.CheckAll(true)
}

func (w *watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.started.Load() {
		close(w.done)
	}
}
