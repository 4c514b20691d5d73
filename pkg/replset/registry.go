package replset

import (
	"log"
	"sync"

	"github.com/amirimatin/go-replset/pkg/conn"
)

// Registry holds the canonical Monitor per set name. Monitors outlive the
// routers using them; two monitors for the same name never coexist within a
// registry. Creating the first monitor starts the registry's background
// watcher.
type Registry struct {
	mu   sync.Mutex
	sets map[string]*Monitor

	// hook has its own lock: it is read from inside checks, which can run
	// while the registry lock is held during monitor construction.
	hookMu sync.Mutex
	hook   func(*Monitor)

	watcher watcher
	logger  *log.Logger
}

// NewRegistry returns an empty registry with its own watcher.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{sets: make(map[string]*Monitor), logger: logger}
}

// Default is the process-wide registry used by the package-level functions.
var Default = NewRegistry(nil)

// Get returns the monitor for name, creating it from seeds when absent.
// Creation happens under the registry lock, so concurrent callers for the
// same name converge on a single monitor. A failed creation leaves no entry
// behind. The watcher is (idempotently) started on every successful call.
func (r *Registry) Get(name string, seeds []conn.Addr, opts Options) (*Monitor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.sets[name]
	if m == nil {
		var err error
		m, err = newMonitor(r, name, seeds, opts)
		if err != nil {
			return nil, err
		}
		r.sets[name] = m
	}
	r.watcher.safeGo(r)
	return m, nil
}

// GetExisting returns the monitor for name, or nil when none was created.
func (r *Registry) GetExisting(name string) *Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sets[name]
}

// CheckAll runs Check on every registered monitor exactly once. A seen set
// keeps the iteration terminating even when monitors are added concurrently;
// checks run without holding the registry lock.
func (r *Registry) CheckAll(checkAllSecondaries bool) {
	seen := make(map[string]bool)
	for {
		var m *Monitor
		r.mu.Lock()
		for name, mon := range r.sets {
			if seen[name] {
				continue
			}
			seen[name] = true
			m = mon
			break
		}
		r.mu.Unlock()
		if m == nil {
			return
		}
		m.Check(checkAllSecondaries)
	}
}

// SetConfigChangeHook installs the callback invoked after a monitor learns
// of new members. At most one hook may ever be installed per registry.
// The hook runs from within a check; it must not call back into the monitor
// in a way that triggers another check.
func (r *Registry) SetConfigChangeHook(hook func(*Monitor)) error {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	if r.hook != nil {
		return ErrHookInstalled
	}
	r.hook = hook
	return nil
}

func (r *Registry) hookFn() func(*Monitor) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	return r.hook
}

// Names returns the registered set names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sets))
	for name := range r.sets {
		out = append(out, name)
	}
	return out
}

// Shutdown stops the registry's watcher. Monitors stay usable; only the
// periodic rechecking ends. Idempotent.
func (r *Registry) Shutdown() {
	r.watcher.stop()
}

// ---- package-level convenience over Default ----

// Get returns (or creates) a monitor in the Default registry.
func Get(name string, seeds []conn.Addr, opts Options) (*Monitor, error) {
	return Default.Get(name, seeds, opts)
}

// GetExisting returns an existing monitor from the Default registry.
func GetExisting(name string) *Monitor {
	return Default.GetExisting(name)
}

// CheckAll checks every monitor in the Default registry once.
func CheckAll(checkAllSecondaries bool) {
	Default.CheckAll(checkAllSecondaries)
}

// SetConfigChangeHook installs the Default registry's membership hook.
func SetConfigChangeHook(hook func(*Monitor)) error {
	return Default.SetConfigChangeHook(hook)
}
