// Package memconn provides an in-process implementation of conn.Conn backed
// by a scriptable fake replica set. It exists for tests, examples and local
// development: peers are plain records whose roles and health can be flipped
// at runtime to exercise discovery, failover and retry paths without sockets.
package memconn

import (
	"fmt"
	"sync"
	"time"

	"github.com/amirimatin/go-replset/pkg/conn"
)

// Peer describes one fake member. Zero values mean "healthy secondary-less
// unknown"; use Cluster helpers to build consistent sets.
type Peer struct {
	SetName   string
	IsMaster  bool
	Secondary bool
	Hidden    bool
	Primary   string   // primary hint advertised in handshakes
	Hosts     []string // members advertised in handshakes
	Passives  []string

	// Down makes the peer unreachable: connects and operations fail.
	Down bool
	// BadState keeps the peer reachable but reports a non-usable
	// replica-set state (RECOVERING) from the status command.
	BadState bool
	// AuthFail makes every authentication attempt fail.
	AuthFail bool
	// NoStatus disables the status command (command error).
	NoStatus bool

	// QueryFn, when set, scripts the reply for reads served by this peer.
	QueryFn func(ns string, q conn.Query) (*conn.Reply, error)
}

// AuthRecord is one credential applied to a peer, in application order.
type AuthRecord struct {
	DB       string
	User     string
	Password string
	Digest   bool
}

// Cluster is a set of fake peers addressable by "host:port" strings.
// All access is serialized by one mutex; Conn handles created by Dialer
// resolve their peer on every operation, which models the auto-reconnect
// behavior of a real driver connection.
type Cluster struct {
	mu    sync.Mutex
	peers map[string]*Peer
	ops   map[string][]string
	auths map[string][]AuthRecord
}

func New() *Cluster {
	return &Cluster{
		peers: make(map[string]*Peer),
		ops:   make(map[string][]string),
		auths: make(map[string][]AuthRecord),
	}
}

// Add registers a peer under addr. The Peer is copied.
func (c *Cluster) Add(addr string, p Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := p
	c.peers[addr] = &cp
}

// AddSet populates a fully-connected set: one primary, the rest secondaries,
// every member advertising the full host list and the primary hint.
func (c *Cluster) AddSet(setName, primary string, secondaries ...string) {
	hosts := append([]string{primary}, secondaries...)
	c.Add(primary, Peer{SetName: setName, IsMaster: true, Primary: primary, Hosts: hosts})
	for _, s := range secondaries {
		c.Add(s, Peer{SetName: setName, Secondary: true, Primary: primary, Hosts: hosts})
	}
}

// Update mutates the peer registered under addr while holding the cluster
// lock. No-op when the peer does not exist.
func (c *Cluster) Update(addr string, fn func(*Peer)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[addr]; ok {
		fn(p)
	}
}

// SetPrimary flips roles so that addr is the sole primary and every other
// member is a secondary, and updates everyone's primary hint.
func (c *Cluster) SetPrimary(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for a, p := range c.peers {
		p.IsMaster = a == addr
		p.Secondary = a != addr
		p.Primary = addr
	}
}

// Down marks the peer unreachable. Up restores it.
func (c *Cluster) Down(addr string) { c.Update(addr, func(p *Peer) { p.Down = true }) }
func (c *Cluster) Up(addr string)   { c.Update(addr, func(p *Peer) { p.Down = false }) }

// Ops returns the operations served by the peer at addr, in order.
func (c *Cluster) Ops(addr string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops[addr]...)
}

// Auths returns the credentials applied to the peer at addr, in order.
func (c *Cluster) Auths(addr string) []AuthRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AuthRecord(nil), c.auths[addr]...)
}

// Dialer returns a conn.Dialer producing connections into this cluster.
func (c *Cluster) Dialer() conn.Dialer {
	return func(timeout time.Duration) conn.Conn {
		return &memConn{cluster: c, timeout: timeout}
	}
}

func (c *Cluster) record(addr, op string) {
	c.ops[addr] = append(c.ops[addr], op)
}

// lookup returns a copy of the peer state, or an error when the peer is
// missing or down.
func (c *Cluster) lookup(addr string) (Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[addr]
	if !ok {
		return Peer{}, fmt.Errorf("memconn: no route to %s", addr)
	}
	if p.Down {
		return Peer{}, fmt.Errorf("memconn: %s is unreachable", addr)
	}
	return *p, nil
}
