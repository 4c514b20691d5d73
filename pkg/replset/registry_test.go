package replset

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/amirimatin/go-replset/pkg/conn/memconn"
)

func TestRegistryDedup(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1")
	reg := NewRegistry(nil)
	defer reg.Shutdown()

	m1, err := reg.Get("rs0", addrs("a:1"), Options{Dial: cluster.Dialer()})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	m2, err := reg.Get("rs0", addrs("b:1"), Options{Dial: cluster.Dialer()})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m1 != m2 {
		t.Fatalf("two monitors for the same set name")
	}
	if got := reg.GetExisting("rs0"); got != m1 {
		t.Fatalf("GetExisting returned a different monitor")
	}
	if got := reg.GetExisting("nope"); got != nil {
		t.Fatalf("GetExisting for unknown set = %v, want nil", got)
	}
}

func TestRegistryConcurrentGetConverges(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1")
	reg := NewRegistry(nil)
	defer reg.Shutdown()

	const workers = 8
	monitors := make([]*Monitor, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := reg.Get("rs0", addrs("a:1"), Options{Dial: cluster.Dialer()})
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			monitors[i] = m
		}(i)
	}
	wg.Wait()
	for i := 1; i < workers; i++ {
		if monitors[i] != monitors[0] {
			t.Fatalf("concurrent Get produced distinct monitors")
		}
	}
}

func TestHookAtMostOnce(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Shutdown()

	if err := reg.SetConfigChangeHook(func(*Monitor) {}); err != nil {
		t.Fatalf("first hook install: %v", err)
	}
	err := reg.SetConfigChangeHook(func(*Monitor) {})
	if !errors.Is(err, ErrHookInstalled) {
		t.Fatalf("expected ErrHookInstalled, got %v", err)
	}
}

func TestHookFiresOnMembershipGrowth(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1", "c:1")
	reg := NewRegistry(nil)
	defer reg.Shutdown()

	var mu sync.Mutex
	calls := 0
	if err := reg.SetConfigChangeHook(func(m *Monitor) {
		mu.Lock()
		calls++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SetConfigChangeHook: %v", err)
	}

	// single seed: b and c are learned from the handshake, which grows
	// membership and must fire the hook
	if _, err := reg.Get("rs0", addrs("a:1"), Options{Dial: cluster.Dialer()}); err != nil {
		t.Fatalf("Get: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Fatalf("config change hook never fired")
	}
}

func TestCheckAllVisitsEachMonitorOnce(t *testing.T) {
	cluster := memconn.New()
	reg := NewRegistry(nil)
	defer reg.Shutdown()

	const sets = 4
	for i := 0; i < sets; i++ {
		name := fmt.Sprintf("rs%d", i)
		primary := fmt.Sprintf("p%d:1", i)
		cluster.AddSet(name, primary)
		if _, err := reg.Get(name, addrs(primary), Options{Dial: cluster.Dialer()}); err != nil {
			t.Fatalf("Get(%s): %v", name, err)
		}
	}

	before := make(map[string]int, sets)
	for i := 0; i < sets; i++ {
		addr := fmt.Sprintf("p%d:1", i)
		before[addr] = countOps(cluster.Ops(addr), "ismaster")
	}

	reg.CheckAll(true)

	for i := 0; i < sets; i++ {
		addr := fmt.Sprintf("p%d:1", i)
		got := countOps(cluster.Ops(addr), "ismaster") - before[addr]
		// no master is known yet, so Check runs a full scan: one
		// handshake in the scan and one for the primary-hint quick check
		if got == 0 {
			t.Fatalf("monitor for %s not visited", addr)
		}
		if got > 2 {
			t.Fatalf("monitor for %s visited too often: %d handshakes", addr, got)
		}
	}
}

func TestCheckAllTerminatesWithConcurrentInserts(t *testing.T) {
	cluster := memconn.New()
	reg := NewRegistry(nil)
	defer reg.Shutdown()

	cluster.AddSet("rs0", "a:1")
	if _, err := reg.Get("rs0", addrs("a:1"), Options{Dial: cluster.Dialer()}); err != nil {
		t.Fatalf("Get: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 16; i++ {
			name := fmt.Sprintf("grow%d", i)
			primary := fmt.Sprintf("g%d:1", i)
			cluster.AddSet(name, primary)
			if _, err := reg.Get(name, addrs(primary), Options{Dial: cluster.Dialer()}); err != nil {
				t.Errorf("Get(%s): %v", name, err)
			}
		}
	}()

	// must terminate regardless of concurrent growth
	reg.CheckAll(true)
	<-done
}

func countOps(ops []string, kind string) int {
	n := 0
	for _, op := range ops {
		if op == kind {
			n++
		}
	}
	return n
}
