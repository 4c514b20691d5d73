package replset

import (
	"errors"
	"sync"
	"testing"

	"github.com/amirimatin/go-replset/pkg/conn"
	"github.com/amirimatin/go-replset/pkg/conn/memconn"
)

func addrs(ss ...string) []conn.Addr {
	out := make([]conn.Addr, 0, len(ss))
	for _, s := range ss {
		out = append(out, conn.MustAddr(s))
	}
	return out
}

// newTestMonitor builds a monitor in a private registry so tests do not
// share watcher or hook state.
func newTestMonitor(t *testing.T, cluster *memconn.Cluster, name string, seeds ...string) (*Monitor, *Registry) {
	t.Helper()
	reg := NewRegistry(nil)
	t.Cleanup(reg.Shutdown)
	m, err := reg.Get(name, addrs(seeds...), Options{Dial: cluster.Dialer()})
	if err != nil {
		t.Fatalf("Get(%s): %v", name, err)
	}
	return m, reg
}

func TestEmptySeedsFails(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Shutdown()
	cluster := memconn.New()
	_, err := reg.Get("rs0", nil, Options{Dial: cluster.Dialer()})
	if !errors.Is(err, ErrNoSeeds) {
		t.Fatalf("expected ErrNoSeeds, got %v", err)
	}
	if reg.GetExisting("rs0") != nil {
		t.Fatalf("failed construction must not leave a registry entry")
	}
}

func TestNilDialerFails(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Shutdown()
	_, err := reg.Get("rs0", addrs("a:1"), Options{})
	if !errors.Is(err, ErrNoDialer) {
		t.Fatalf("expected ErrNoDialer, got %v", err)
	}
}

func TestDiscoveryFromSingleSeed(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1", "c:1")
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1")

	if got := m.ServerAddress(); got != "rs0/a:1,b:1,c:1" {
		t.Fatalf("ServerAddress = %q", got)
	}
	for _, s := range []string{"a:1", "b:1", "c:1"} {
		if !m.Contains(conn.MustAddr(s)) {
			t.Fatalf("monitor should contain %s", s)
		}
	}

	master, err := m.GetMaster()
	if err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
	if master != conn.MustAddr("a:1") {
		t.Fatalf("GetMaster = %s, want a:1", master)
	}
}

func TestConstructionSkipsDeadSeeds(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1")
	// dead:1 was never added to the cluster, so its connect fails
	m, _ := newTestMonitor(t, cluster, "rs0", "dead:1", "a:1")

	if m.Contains(conn.MustAddr("dead:1")) {
		t.Fatalf("unreachable seed must not become a node")
	}
	if _, err := m.GetMaster(); err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
}

func TestGetMasterCachedNeedsNoIO(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1")
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1", "b:1")

	if _, err := m.GetMaster(); err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
	before := len(cluster.Ops("a:1")) + len(cluster.Ops("b:1"))
	for i := 0; i < 5; i++ {
		if _, err := m.GetMaster(); err != nil {
			t.Fatalf("GetMaster: %v", err)
		}
	}
	after := len(cluster.Ops("a:1")) + len(cluster.Ops("b:1"))
	if before != after {
		t.Fatalf("cached GetMaster performed I/O: %d ops -> %d", before, after)
	}
}

func TestFailover(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1", "c:1")
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1", "b:1", "c:1")

	if _, err := m.GetMaster(); err != nil {
		t.Fatalf("GetMaster: %v", err)
	}

	cluster.Down("a:1")
	cluster.SetPrimary("b:1")
	m.NotifyFailure(conn.MustAddr("a:1"))

	info := m.AppendInfo()
	if info.Master != -1 {
		t.Fatalf("master should be forgotten after NotifyFailure, got %d", info.Master)
	}

	master, err := m.GetMaster()
	if err != nil {
		t.Fatalf("GetMaster after failover: %v", err)
	}
	if master != conn.MustAddr("b:1") {
		t.Fatalf("GetMaster = %s, want b:1", master)
	}

	info = m.AppendInfo()
	if info.Hosts[0].Ok {
		t.Fatalf("a:1 should be marked down")
	}
	if info.Master != 1 {
		t.Fatalf("master index = %d, want 1", info.Master)
	}
}

func TestNotifyFailureIdempotent(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1")
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1", "b:1")

	if _, err := m.GetMaster(); err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
	m.NotifyFailure(conn.MustAddr("a:1"))
	m.NotifyFailure(conn.MustAddr("a:1")) // second call is a no-op
	if info := m.AppendInfo(); info.Master != -1 {
		t.Fatalf("master = %d, want -1", info.Master)
	}
}

func TestNotifyFailureIgnoresSecondaries(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1")
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1", "b:1")

	if _, err := m.GetMaster(); err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
	m.NotifyFailure(conn.MustAddr("b:1"))
	if info := m.AppendInfo(); info.Master != 0 {
		t.Fatalf("secondary failure must not clear the master, got %d", info.Master)
	}
}

func TestNotifySlaveFailure(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1")
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1", "b:1")

	if _, err := m.GetMaster(); err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
	m.NotifySlaveFailure(conn.MustAddr("b:1"))
	info := m.AppendInfo()
	if info.Hosts[1].Ok {
		t.Fatalf("b:1 should be marked down")
	}
	if info.Master != 0 {
		t.Fatalf("master must be untouched, got %d", info.Master)
	}
}

func TestSlaveRotationNeverReturnsMaster(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1", "c:1")
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1", "b:1", "c:1")

	if _, err := m.GetMaster(); err != nil {
		t.Fatalf("GetMaster: %v", err)
	}

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		s := m.GetSlave(conn.Addr{})
		if s == conn.MustAddr("a:1") {
			t.Fatalf("GetSlave returned the master")
		}
		seen[s.String()]++
	}
	if seen["b:1"] == 0 || seen["c:1"] == 0 {
		t.Fatalf("rotation should visit both secondaries, got %v", seen)
	}
}

func TestSlaveSticky(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1", "c:1")
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1", "b:1", "c:1")

	if _, err := m.GetMaster(); err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
	// b and c were learned from a's host list; a full check gives them
	// their role flags
	m.Check(true)
	first := m.GetSlave(conn.Addr{})
	for i := 0; i < 4; i++ {
		if got := m.GetSlave(first); got != first {
			t.Fatalf("sticky selection broke: got %s, want %s", got, first)
		}
	}
}

func TestSlaveStickyBreaksOnFailure(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1", "c:1")
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1", "b:1", "c:1")

	if _, err := m.GetMaster(); err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
	first := m.GetSlave(conn.Addr{})
	m.NotifySlaveFailure(first)
	next := m.GetSlave(first)
	if next == first {
		t.Fatalf("failed slave must not be reused")
	}
	if next == conn.MustAddr("a:1") {
		t.Fatalf("rotation picked the master")
	}
}

func TestSlaveHiddenExcluded(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1", "c:1")
	cluster.Update("c:1", func(p *memconn.Peer) { p.Hidden = true })
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1", "b:1", "c:1")

	if _, err := m.GetMaster(); err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
	// b and c were learned from a's host list; a full check gives them
	// their role flags, including c's hidden flag
	m.Check(true)
	for i := 0; i < 6; i++ {
		if s := m.GetSlave(conn.Addr{}); s == conn.MustAddr("c:1") {
			t.Fatalf("hidden member selected for reads")
		}
	}
}

func TestMembershipOnlyGrows(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1", "c:1")
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1")

	if got := m.nodeCount(); got != 3 {
		t.Fatalf("nodeCount = %d, want 3", got)
	}

	// c drops out of everyone's host list; the monitor must keep it
	for _, a := range []string{"a:1", "b:1", "c:1"} {
		cluster.Update(a, func(p *memconn.Peer) { p.Hosts = []string{"a:1", "b:1"} })
	}
	m.Check(true)
	if got := m.nodeCount(); got != 3 {
		t.Fatalf("nodes must never shrink: nodeCount = %d", got)
	}
}

func TestCheckHostsConcurrentGrowthIsDuplicateFree(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1", "c:1", "d:1", "e:1")
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1")

	hosts := []string{"a:1", "b:1", "c:1", "d:1", "e:1"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var changed bool
			m.checkHosts(hosts, &changed)
		}()
	}
	wg.Wait()

	seen := map[conn.Addr]bool{}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if seen[n.addr] {
			t.Fatalf("duplicate node for %s", n.addr)
		}
		seen[n.addr] = true
	}
	if len(m.nodes) != 5 {
		t.Fatalf("node count = %d, want 5", len(m.nodes))
	}
}

func TestCheckHostsAddsUnreachableMembers(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1", "c:1")
	cluster.Down("c:1")
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1")

	// c is down but advertised; it must still become a node so later
	// checks can pick it up once it recovers
	if !m.Contains(conn.MustAddr("c:1")) {
		t.Fatalf("advertised-but-down member missing from nodes")
	}

	cluster.Up("c:1")
	m.Check(true)
	info := m.AppendInfo()
	for _, h := range info.Hosts {
		if h.Addr == "c:1" && !h.Ok {
			t.Fatalf("recovered member still marked down")
		}
	}
}

func TestWrongSetNameMarksNodeDown(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1")
	cluster.Update("b:1", func(p *memconn.Peer) { p.SetName = "other" })
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1", "b:1")

	m.Check(true)
	info := m.AppendInfo()
	for _, h := range info.Hosts {
		if h.Addr == "b:1" && h.Ok {
			t.Fatalf("node from a different set must be marked down")
		}
	}
}

func TestNoMasterError(t *testing.T) {
	cluster := memconn.New()
	cluster.Add("a:1", memconn.Peer{SetName: "rs0", Secondary: true, Hosts: []string{"a:1"}})
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1")

	_, err := m.GetMaster()
	if !errors.Is(err, ErrNoMaster) {
		t.Fatalf("expected ErrNoMaster, got %v", err)
	}
}

func TestPrimaryHintQuickCheck(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "c:1", "a:1", "b:1")
	// seed order puts secondaries first so the hint is what finds c
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1", "b:1", "c:1")

	master, err := m.GetMaster()
	if err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
	if master != conn.MustAddr("c:1") {
		t.Fatalf("GetMaster = %s, want c:1", master)
	}
}

func TestAppendInfo(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1")
	m, _ := newTestMonitor(t, cluster, "rs0", "a:1", "b:1")

	if _, err := m.GetMaster(); err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
	// b was learned from a's host list; a full check gives it its role flags
	m.Check(true)
	info := m.AppendInfo()
	if len(info.Hosts) != 2 {
		t.Fatalf("hosts = %d, want 2", len(info.Hosts))
	}
	if info.Hosts[0].Addr != "a:1" || !info.Hosts[0].IsMaster || !info.Hosts[0].Ok {
		t.Fatalf("unexpected first host: %+v", info.Hosts[0])
	}
	if !info.Hosts[1].Secondary {
		t.Fatalf("second host should be secondary: %+v", info.Hosts[1])
	}
	if info.Master != 0 {
		t.Fatalf("master = %d, want 0", info.Master)
	}
}
