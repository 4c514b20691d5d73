package replset

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"gopkg.in/mgo.v2/bson"

	"github.com/amirimatin/go-replset/pkg/conn"
	"github.com/amirimatin/go-replset/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-replset/pkg/observability/metrics"
)

const (
	// seedTimeout is the socket timeout for monitor-internal connections.
	seedTimeout = 5 * time.Second
	// slaveSelectPasses bounds the secondary-selection ring scan.
	slaveSelectPasses = 3
	// checkRetrySleep separates the two rounds of a full check.
	checkRetrySleep = time.Second
)

// Options configures a Monitor.
type Options struct {
	// Dial produces single-node connections (required).
	Dial conn.Dialer
	// Logger receives operational messages. Nil means log.Default().
	Logger *log.Logger
}

// Monitor tracks the membership and roles of one replica set. Monitors are
// shared process-wide through a Registry; all methods are safe for
// concurrent use.
//
// Two locks are involved: mu guards nodes, master and nextSlave and is never
// held across I/O; checkMu serializes handshakes against the set so that at
// most one check runs at a time while selection reads stay cheap.
type Monitor struct {
	name   string
	dial   conn.Dialer
	logger *log.Logger
	reg    *Registry

	mu        sync.Mutex
	nodes     []*node
	master    int
	nextSlave int

	checkMu sync.Mutex
}

// newMonitor connects to the seeds best-effort and performs an initial
// handshake on each reachable one that is not yet a node. A seed already
// learned from an earlier seed's host list is skipped; members added that
// way get their role flags from the next full check. It fails only on an
// empty seed list or missing dialer, never because some seeds are down.
func newMonitor(reg *Registry, name string, seeds []conn.Addr, opts Options) (*Monitor, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w (set %q)", ErrNoSeeds, name)
	}
	if opts.Dial == nil {
		return nil, ErrNoDialer
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if name == "" {
		logutil.Warnf(opts.Logger, "replica set name empty, first node: %s", seeds[0])
	}
	obsmetrics.Register()

	m := &Monitor{name: name, dial: opts.Dial, logger: opts.Logger, reg: reg, master: -1}

	for _, seed := range seeds {
		if m.find(seed) >= 0 {
			continue
		}
		c := m.dial(seedTimeout)
		if err := c.Connect(seed); err != nil {
			logutil.Infof(m.logger, "error connecting to seed %s: %v", seed, err)
			// skip seeds that don't work
			continue
		}
		m.mu.Lock()
		m.nodes = append(m.nodes, &node{addr: seed, conn: c})
		myLoc := len(m.nodes) - 1
		m.mu.Unlock()

		var maybePrimary string
		m.checkConnection(c, &maybePrimary, false, myLoc)
	}
	obsmetrics.NodesTotal.WithLabelValues(m.name).Set(float64(m.nodeCount()))
	return m, nil
}

// Name returns the set name.
func (m *Monitor) Name() string { return m.name }

// ServerAddress renders the set as "<name>/host1,host2,...".
func (m *Monitor) ServerAddress() string {
	var sb strings.Builder
	if m.name != "" {
		sb.WriteString(m.name)
		sb.WriteString("/")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.nodes {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(n.addr.String())
	}
	return sb.String()
}

// Contains reports whether addr is a known member of the set.
func (m *Monitor) Contains(addr conn.Addr) bool {
	return m.find(addr) >= 0
}

// NotifyFailure tells the monitor that the member at addr has failed. Only
// the current primary is acted upon: it is marked down and the primary is
// forgotten. Secondaries are reported through NotifySlaveFailure.
func (m *Monitor) NotifyFailure(addr conn.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.master >= 0 && m.master < len(m.nodes) {
		if addr == m.nodes[m.master].addr {
			m.nodes[m.master].ok = false
			m.master = -1
			obsmetrics.FailoversTotal.WithLabelValues(m.name).Inc()
			obsmetrics.MasterIndex.WithLabelValues(m.name).Set(-1)
		}
	}
}

// NotifySlaveFailure marks the member at addr as down. The primary index is
// untouched.
func (m *Monitor) NotifySlaveFailure(addr conn.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if x := m.findLocked(addr); x >= 0 {
		m.nodes[x].ok = false
	}
}

// GetMaster returns the address of the current primary, running a full check
// when the cached answer is stale. No I/O happens when the cached primary is
// still marked ok.
func (m *Monitor) GetMaster() (conn.Addr, error) {
	m.mu.Lock()
	if m.master >= 0 && m.nodes[m.master].ok {
		addr := m.nodes[m.master].addr
		m.mu.Unlock()
		return addr, nil
	}
	m.mu.Unlock()

	m.fullCheck(false)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.master < 0 {
		return conn.Addr{}, fmt.Errorf("%w for set: %s", ErrNoMaster, m.name)
	}
	return m.nodes[m.master].addr, nil
}

// GetSlave returns a member address suitable for a secondary read. A
// non-zero prev that is still a healthy secondary is returned unchanged, so
// cursors keep their member affinity. Otherwise a fresh selection is made.
func (m *Monitor) GetSlave(prev conn.Addr) conn.Addr {
	if !prev.IsZero() {
		wasFound := false
		m.mu.Lock()
		for _, n := range m.nodes {
			if n.addr != prev {
				continue
			}
			wasFound = true
			if n.okForSecondaryQueries() {
				m.mu.Unlock()
				return prev
			}
			break
		}
		m.mu.Unlock()
		if wasFound {
			logutil.Infof(m.logger, "slave '%s' is no longer ok to use", prev)
		} else {
			logutil.Infof(m.logger, "slave '%s' was not found in the replica set", prev)
		}
	}
	return m.selectSlave()
}

// selectSlave walks the node ring up to slaveSelectPasses times, skipping
// the primary. On the last pass any merely-ok node is accepted as a degraded
// fallback. Between passes a check refreshes member state. When nothing
// qualifies, the first node is the default.
func (m *Monitor) selectSlave() conn.Addr {
	for pass := 0; pass < slaveSelectPasses; pass++ {
		m.mu.Lock()
		for i := 0; i < len(m.nodes); i++ {
			m.nextSlave = (m.nextSlave + 1) % len(m.nodes)
			if m.nextSlave == m.master {
				continue
			}
			n := m.nodes[m.nextSlave]
			if n.okForSecondaryQueries() {
				addr := n.addr
				m.mu.Unlock()
				obsmetrics.SlaveSelections.WithLabelValues(m.name, "secondary").Inc()
				return addr
			}
			if n.ok && pass+1 >= slaveSelectPasses {
				addr := n.addr
				m.mu.Unlock()
				obsmetrics.SlaveSelections.WithLabelValues(m.name, "fallback_ok").Inc()
				return addr
			}
		}
		m.mu.Unlock()

		m.Check(false)
	}

	obsmetrics.SlaveSelections.WithLabelValues(m.name, "default").Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.nodes) == 0 {
		return conn.Addr{}
	}
	logutil.Infof(m.logger, "no suitable slave nodes found, returning default node %s", m.nodes[0].addr)
	return m.nodes[0].addr
}

// Check verifies the set, cheaply when possible: when the current primary
// still answers the handshake as master and no full scan was requested,
// nothing else is done. Otherwise a full check runs.
func (m *Monitor) Check(checkAllSecondaries bool) {
	// first see if the current master is fine
	m.mu.Lock()
	var c conn.Conn
	idx := -1
	if m.master >= 0 && m.master < len(m.nodes) {
		c = m.nodes[m.master].conn
		idx = m.master
	}
	m.mu.Unlock()

	if c != nil {
		var maybePrimary string
		if m.checkConnection(c, &maybePrimary, false, idx) && !checkAllSecondaries {
			return
		}
	}

	// we either have no master, or the current one is dead
	m.fullCheck(checkAllSecondaries)
}

// fullCheck handshakes every member over up to two rounds, following the
// peer's primary hint for an early answer. The primary index is updated as
// soon as a member reports master; with checkAllSecondaries the scan
// continues so every member's state is refreshed.
func (m *Monitor) fullCheck(checkAllSecondaries bool) {
	triedQuickCheck := false

	logutil.Infof(m.logger, "checking replica set: %s", m.name)

	for retry := 0; retry < 2; retry++ {
		newMaster := -1

		for i := 0; ; i++ {
			m.mu.Lock()
			if i >= len(m.nodes) {
				m.mu.Unlock()
				break
			}
			c := m.nodes[i].conn
			m.mu.Unlock()

			var maybePrimary string
			if m.checkConnection(c, &maybePrimary, retry == 1, i) {
				m.setMaster(i)
				newMaster = i
				if !checkAllSecondaries {
					return
				}
			}

			if !triedQuickCheck && maybePrimary != "" {
				if x := m.findHost(maybePrimary); x >= 0 {
					triedQuickCheck = true
					m.mu.Lock()
					testConn := m.nodes[x].conn
					m.mu.Unlock()
					var dummy string
					if m.checkConnection(testConn, &dummy, false, x) {
						m.setMaster(x)
						newMaster = x
						if !checkAllSecondaries {
							return
						}
					}
				}
			}
		}

		if newMaster >= 0 {
			return
		}
		if retry == 0 {
			time.Sleep(checkRetrySleep)
		}
	}
}

func (m *Monitor) setMaster(i int) {
	m.mu.Lock()
	m.master = i
	m.mu.Unlock()
	obsmetrics.MasterIndex.WithLabelValues(m.name).Set(float64(i))
}

// checkConnection runs one handshake against c and folds the result into the
// node at nodesOffset. It serializes on checkMu so concurrent checks of the
// same set cannot interleave. Returns the peer's ismaster verdict.
func (m *Monitor) checkConnection(c conn.Conn, maybePrimary *string, verbose bool, nodesOffset int) bool {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	changed := false
	start := time.Now()

	isMaster, o, err := c.IsMaster()
	if err != nil {
		logutil.Infof(m.logger, "check of %s caught error: %v", c.Addr(), err)
		obsmetrics.ChecksTotal.WithLabelValues(m.name, "error").Inc()
		m.markDown(nodesOffset)
		return false
	}

	setName, _ := o["setName"].(string)
	if setName != m.name {
		logutil.Warnf(m.logger, "node: %s isn't a part of set: %s ismaster: %v", c.Addr(), m.name, o)
		obsmetrics.ChecksTotal.WithLabelValues(m.name, "not_in_set").Inc()
		m.markDown(nodesOffset)
		return false
	}

	if nodesOffset >= 0 {
		m.mu.Lock()
		if nodesOffset < len(m.nodes) {
			n := m.nodes[nodesOffset]
			n.pingTimeMillis = time.Since(start).Milliseconds()
			n.hidden = truthy(o["hidden"])
			n.secondary = truthy(o["secondary"])
			n.ismaster = truthy(o["ismaster"])
			n.lastIsMaster = copyDoc(o)
			n.ok = true
			obsmetrics.NodePingMillis.WithLabelValues(m.name, n.addr.String()).Set(float64(n.pingTimeMillis))
		}
		m.mu.Unlock()
	}
	obsmetrics.ChecksTotal.WithLabelValues(m.name, "ok").Inc()

	if verbose {
		logutil.Infof(m.logger, "checkConnection: %s %v", c.Addr(), o)
	}

	// learn members advertised by the peer
	if hosts := stringList(o["hosts"]); hosts != nil {
		if p, ok := o["primary"].(string); ok {
			*maybePrimary = p
		}
		m.checkHosts(hosts, &changed)
	}
	if passives := stringList(o["passives"]); passives != nil {
		m.checkHosts(passives, &changed)
	}

	m.checkStatus(c)

	if changed {
		if hook := m.hook(); hook != nil {
			hook(m)
		}
	}

	return isMaster
}

// checkHosts appends a node for every previously-unknown address. The
// connect may fail quietly; the node is added regardless so later checks can
// retry the member. Presence is re-checked under the lock to keep concurrent
// growth duplicate-free.
func (m *Monitor) checkHosts(hosts []string, changed *bool) {
	for _, h := range hosts {
		addr, err := conn.ParseAddr(h)
		if err != nil {
			logutil.Warnf(m.logger, "bad member address %q in set %s: %v", h, m.name, err)
			continue
		}
		if m.find(addr) >= 0 {
			continue
		}

		c := m.dial(seedTimeout)
		_ = c.Connect(addr)

		m.mu.Lock()
		if m.findLocked(addr) >= 0 {
			// lost the race; another grower added it first
			m.mu.Unlock()
			continue
		}
		m.nodes = append(m.nodes, &node{addr: addr, conn: c})
		count := len(m.nodes)
		m.mu.Unlock()

		obsmetrics.NodesTotal.WithLabelValues(m.name).Set(float64(count))
		logutil.Infof(m.logger, "updated set (%s) to: %s", m.name, m.ServerAddress())
		*changed = true
	}
}

// checkStatus refreshes per-member liveness from the replica-set status
// command: a member is usable when health is 1 and it is primary or
// secondary. Command failures are ignored.
func (m *Monitor) checkStatus(c conn.Conn) {
	var status bson.M
	if err := c.RunCommand("admin", bson.D{{Name: "replSetGetStatus", Value: 1}}, &status); err != nil {
		return
	}
	for _, member := range docList(status["members"]) {
		host, _ := member["name"].(string)
		if host == "" {
			continue
		}
		x := m.findHost(host)
		if x < 0 {
			continue
		}
		health, okH := num(member["health"])
		state, okS := num(member["state"])
		usable := okH && okS && health == 1 && (state == 1 || state == 2)

		m.mu.Lock()
		if x < len(m.nodes) {
			m.nodes[x].ok = usable
		}
		m.mu.Unlock()
	}
}

func (m *Monitor) markDown(nodesOffset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nodesOffset >= 0 && nodesOffset < len(m.nodes) {
		m.nodes[nodesOffset].ok = false
	}
}

func (m *Monitor) hook() func(*Monitor) {
	if m.reg == nil {
		return nil
	}
	return m.reg.hookFn()
}

func (m *Monitor) nodeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

func (m *Monitor) find(addr conn.Addr) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(addr)
}

func (m *Monitor) findLocked(addr conn.Addr) int {
	for i, n := range m.nodes {
		if n.addr == addr {
			return i
		}
	}
	return -1
}

func (m *Monitor) findHost(host string) int {
	addr, err := conn.ParseAddr(host)
	if err != nil {
		return -1
	}
	return m.find(addr)
}

// ---- document field coercion ----
//
// Handshake documents may arrive as freshly-built maps or as decoded BSON,
// where arrays surface as []interface{} and numbers as several widths.

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	}
	return false
}

func num(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

func stringList(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func docList(v interface{}) []bson.M {
	switch t := v.(type) {
	case []bson.M:
		return t
	case []interface{}:
		out := make([]bson.M, 0, len(t))
		for _, e := range t {
			switch d := e.(type) {
			case bson.M:
				out = append(out, d)
			case map[string]interface{}:
				out = append(out, bson.M(d))
			}
		}
		return out
	}
	return nil
}

func copyDoc(o bson.M) bson.M {
	cp := make(bson.M, len(o))
	for k, v := range o {
		cp[k] = v
	}
	return cp
}
