package memconn

import (
	"fmt"
	"time"

	"gopkg.in/mgo.v2/bson"

	"github.com/amirimatin/go-replset/pkg/conn"
)

// memConn implements conn.Conn against a Cluster. The peer is resolved on
// every operation, so a handle recovers as soon as its peer comes back up.
type memConn struct {
	cluster *Cluster
	timeout time.Duration

	addr      conn.Addr
	connected bool
	failed    bool
	closed    bool

	pending    *conn.Reply
	pendingErr error
}

func (m *memConn) Connect(addr conn.Addr) error {
	if m.closed {
		return conn.ErrClosed
	}
	m.addr = addr
	if _, err := m.cluster.lookup(addr.String()); err != nil {
		m.failed = true
		return err
	}
	m.connected = true
	m.failed = false
	return nil
}

// peer resolves the current peer state, re-establishing the logical
// connection when possible.
func (m *memConn) peer() (Peer, error) {
	if m.closed {
		return Peer{}, conn.ErrClosed
	}
	if m.addr.IsZero() {
		return Peer{}, conn.ErrNotConnected
	}
	p, err := m.cluster.lookup(m.addr.String())
	if err != nil {
		m.failed = true
		return Peer{}, err
	}
	m.connected = true
	m.failed = false
	return p, nil
}

func (m *memConn) IsMaster() (bool, bson.M, error) {
	p, err := m.peer()
	if err != nil {
		return false, nil, err
	}
	m.cluster.mu.Lock()
	m.cluster.record(m.addr.String(), "ismaster")
	m.cluster.mu.Unlock()
	doc := bson.M{
		"ismaster":  p.IsMaster,
		"secondary": p.Secondary,
		"hidden":    p.Hidden,
		"ok":        1,
	}
	if p.SetName != "" {
		doc["setName"] = p.SetName
	}
	if p.Primary != "" {
		doc["primary"] = p.Primary
	}
	if len(p.Hosts) > 0 {
		doc["hosts"] = append([]string(nil), p.Hosts...)
	}
	if len(p.Passives) > 0 {
		doc["passives"] = append([]string(nil), p.Passives...)
	}
	return p.IsMaster, doc, nil
}

func (m *memConn) RunCommand(db string, cmd bson.D, reply *bson.M) error {
	p, err := m.peer()
	if err != nil {
		return err
	}
	if len(cmd) == 0 {
		return fmt.Errorf("memconn: empty command")
	}
	switch cmd[0].Name {
	case "replSetGetStatus":
		if p.NoStatus {
			return fmt.Errorf("memconn: replSetGetStatus unavailable on %s", m.addr)
		}
		*reply = m.statusDoc()
		return nil
	case "ping":
		*reply = bson.M{"ok": 1}
		return nil
	}
	return fmt.Errorf("memconn: unknown command %q", cmd[0].Name)
}

// statusDoc reports every cluster member the way replSetGetStatus would:
// health from reachability, state from role.
func (m *memConn) statusDoc() bson.M {
	m.cluster.mu.Lock()
	defer m.cluster.mu.Unlock()
	members := make([]bson.M, 0, len(m.cluster.peers))
	for addr, p := range m.cluster.peers {
		health, state := 1, 3
		switch {
		case p.Down:
			health, state = 0, 8
		case p.BadState:
			state = 3
		case p.IsMaster:
			state = 1
		case p.Secondary:
			state = 2
		}
		members = append(members, bson.M{"name": addr, "health": health, "state": state})
	}
	return bson.M{"set": "", "members": members, "ok": 1}
}

func (m *memConn) Auth(db, user, password string, digest bool) error {
	p, err := m.peer()
	if err != nil {
		return err
	}
	if p.AuthFail {
		return fmt.Errorf("memconn: auth failed for %s on %s", user, db)
	}
	m.cluster.mu.Lock()
	defer m.cluster.mu.Unlock()
	key := m.addr.String()
	m.cluster.auths[key] = append(m.cluster.auths[key], AuthRecord{DB: db, User: user, Password: password, Digest: digest})
	return nil
}

func (m *memConn) Insert(ns string, docs []bson.M, flags int) error {
	return m.write(fmt.Sprintf("insert %s n=%d", ns, len(docs)))
}

func (m *memConn) Update(ns string, selector, update bson.M, upsert, multi bool) error {
	return m.write(fmt.Sprintf("update %s", ns))
}

func (m *memConn) Remove(ns string, selector bson.M, justOne bool) error {
	return m.write(fmt.Sprintf("remove %s", ns))
}

func (m *memConn) write(op string) error {
	if _, err := m.peer(); err != nil {
		return err
	}
	m.cluster.mu.Lock()
	defer m.cluster.mu.Unlock()
	m.cluster.record(m.addr.String(), op)
	return nil
}

func (m *memConn) Query(ns string, q conn.Query) (*conn.Reply, error) {
	p, err := m.peer()
	if err != nil {
		return nil, err
	}
	m.cluster.mu.Lock()
	m.cluster.record(m.addr.String(), "query "+ns)
	m.cluster.mu.Unlock()
	return m.serveRead(p, ns, q)
}

// serveRead applies the role check a real member performs before serving a
// read: a member that is neither primary nor usable secondary answers with
// the well-known error document instead of data.
func (m *memConn) serveRead(p Peer, ns string, q conn.Query) (*conn.Reply, error) {
	if !p.IsMaster && !(p.Secondary && !p.Hidden) {
		return &conn.Reply{
			Docs: []bson.M{{
				"$err": fmt.Sprintf("not master or secondary; cannot currently read from %s", m.addr),
				"code": conn.NotMasterOrSecondary,
			}},
			NReturned: 1,
		}, nil
	}
	if p.QueryFn != nil {
		return p.QueryFn(ns, q)
	}
	return &conn.Reply{Docs: []bson.M{{"ok": 1, "served_by": m.addr.String()}}, NReturned: 1}, nil
}

func (m *memConn) FindOne(ns string, q conn.Query) (bson.M, error) {
	reply, err := m.Query(ns, q)
	if err != nil {
		return nil, err
	}
	if doc, ok := reply.PeekError(); ok {
		return nil, fmt.Errorf("memconn: %v", doc["$err"])
	}
	if len(reply.Docs) == 0 {
		return nil, nil
	}
	return reply.Docs[0], nil
}

func (m *memConn) Say(msg *conn.Message) error {
	p, err := m.peer()
	if err != nil {
		return err
	}
	m.pending, m.pendingErr = nil, nil
	switch msg.Op {
	case conn.OpQuery:
		m.cluster.mu.Lock()
		m.cluster.record(m.addr.String(), "say query "+msg.NS)
		m.cluster.mu.Unlock()
		m.pending, m.pendingErr = m.serveRead(p, msg.NS, conn.Query{
			Filter:    msg.Query,
			Fields:    msg.Fields,
			NToReturn: msg.NToReturn,
			NToSkip:   msg.NToSkip,
			Flags:     msg.Flags,
		})
	case conn.OpInsert:
		return m.write("say insert " + msg.NS)
	case conn.OpUpdate:
		return m.write("say update " + msg.NS)
	case conn.OpDelete:
		return m.write("say remove " + msg.NS)
	default:
		return fmt.Errorf("memconn: say: unsupported op %d", msg.Op)
	}
	return nil
}

func (m *memConn) Recv() (*conn.Reply, error) {
	// the peer must still be reachable to deliver the reply
	if _, err := m.peer(); err != nil {
		return nil, err
	}
	if m.pending == nil && m.pendingErr == nil {
		return nil, conn.ErrNoPending
	}
	reply, err := m.pending, m.pendingErr
	m.pending, m.pendingErr = nil, nil
	return reply, err
}

func (m *memConn) Call(msg *conn.Message) (*conn.Reply, error) {
	if err := m.Say(msg); err != nil {
		return nil, err
	}
	return m.Recv()
}

func (m *memConn) CheckResponse(data bson.M, nReturned int) {}

func (m *memConn) IsFailed() bool { return m.failed }

func (m *memConn) Addr() conn.Addr { return m.addr }

func (m *memConn) Close() error {
	m.closed = true
	m.connected = false
	return nil
}

var _ conn.Conn = (*memConn)(nil)
