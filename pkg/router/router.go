// Package router routes operations over a monitored replica set: writes to
// the primary, reads optionally to secondaries, with cached connections,
// credential replay on reconnect and bounded retry on role changes.
package router

import (
	"fmt"
	"log"
	"time"

	"gopkg.in/mgo.v2/bson"

	"github.com/amirimatin/go-replset/pkg/conn"
	"github.com/amirimatin/go-replset/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-replset/pkg/observability/metrics"
	"github.com/amirimatin/go-replset/pkg/replset"
)

// readAttempts bounds how many secondaries are tried before a read falls
// back to the primary.
const readAttempts = 3

// AuthInfo is one credential successfully applied to the primary, replayed
// on every connection the router opens afterwards.
type AuthInfo struct {
	DB       string
	User     string
	Password string
	Digest   bool
}

// Options configures a Router.
type Options struct {
	// Dial produces single-node connections (required).
	Dial conn.Dialer
	// Timeout is the socket timeout for the router's own connections.
	// Zero means the dialer's default.
	Timeout time.Duration
	// Registry is the monitor registry to resolve the set in. Nil means
	// replset.Default.
	Registry *replset.Registry
	// Logger receives operational messages. Nil means log.Default().
	Logger *log.Logger
}

// Router is a replica-set-aware client. It holds at most one cached
// connection to the primary and one to a secondary, re-resolving through
// the shared Monitor whenever a cached member goes stale.
//
// A Router is not safe for concurrent use: the lazy Say/Recv state is owned
// by the calling goroutine.
type Router struct {
	monitor *replset.Monitor
	dial    conn.Dialer
	timeout time.Duration
	logger  *log.Logger

	masterHost conn.Addr
	master     conn.Conn
	slaveHost  conn.Addr
	slave      conn.Conn

	auths []AuthInfo

	lazy lazyState
}

// New resolves (or creates) the Monitor for name via the registry and
// returns a router over it. No user-facing connection is opened yet; use
// Connect to prime the primary eagerly.
func New(name string, seeds []conn.Addr, opts Options) (*Router, error) {
	if opts.Dial == nil {
		return nil, replset.ErrNoDialer
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = replset.Default
	}
	mon, err := reg.Get(name, seeds, replset.Options{Dial: opts.Dial, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	return &Router{
		monitor: mon,
		dial:    opts.Dial,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}, nil
}

// Monitor returns the shared monitor backing this router.
func (r *Router) Monitor() *replset.Monitor { return r.monitor }

// Connect primes the primary connection. It reports failure instead of
// returning a connection; the monitor is notified when the cached primary
// turned out to be dead.
func (r *Router) Connect() error {
	if _, err := r.checkMaster(); err != nil {
		if r.master != nil {
			r.monitor.NotifyFailure(r.masterHost)
		}
		return err
	}
	return nil
}

// checkMaster returns a connected, authenticated primary connection,
// reusing the cached one while the monitor still names its address and the
// connection is healthy.
func (r *Router) checkMaster() (conn.Conn, error) {
	h, err := r.monitor.GetMaster()
	if err != nil {
		return nil, err
	}

	if h == r.masterHost && r.master != nil {
		// a master is selected. let's just make sure the connection didn't die
		if !r.master.IsFailed() {
			return r.master, nil
		}
		r.monitor.NotifyFailure(r.masterHost)
	}

	if r.masterHost, err = r.monitor.GetMaster(); err != nil {
		return nil, err
	}
	c := r.dial(r.timeout)
	if err := c.Connect(r.masterHost); err != nil {
		r.monitor.NotifyFailure(r.masterHost)
		return nil, fmt.Errorf("%w [%s]: %v", ErrConnectMaster, r.masterHost, err)
	}
	r.master = c
	r.applyAuth(c)
	return c, nil
}

// checkSlave returns a connected, authenticated secondary connection. The
// previous secondary is kept while the monitor still considers it usable;
// otherwise the monitor rotates to the next candidate.
func (r *Router) checkSlave() (conn.Conn, error) {
	h := r.monitor.GetSlave(r.slaveHost)

	if h == r.slaveHost && r.slave != nil {
		if !r.slave.IsFailed() {
			return r.slave, nil
		}
		r.monitor.NotifySlaveFailure(r.slaveHost)
		r.slaveHost = r.monitor.GetSlave(conn.Addr{})
	} else {
		r.slaveHost = h
	}

	c := r.dial(r.timeout)
	if err := c.Connect(r.slaveHost); err != nil {
		r.monitor.NotifySlaveFailure(r.slaveHost)
		return nil, fmt.Errorf("%w [%s]: %v", ErrConnectSlave, r.slaveHost, err)
	}
	r.slave = c
	r.applyAuth(c)
	return c, nil
}

// applyAuth replays every cached credential, in the order they were added.
// Individual failures are logged, not returned: a partially-authenticated
// connection still serves the credentials that did apply.
func (r *Router) applyAuth(c conn.Conn) {
	for _, a := range r.auths {
		if err := c.Auth(a.DB, a.User, a.Password, a.Digest); err != nil {
			logutil.Warnf(r.logger, "cached auth failed for set: %s db: %s user: %s: %v",
				r.monitor.Name(), a.DB, a.User, err)
		}
	}
}

// Auth authenticates against the current primary. On success the credential
// joins the replay list so every future connection receives it. Failures
// are returned and not cached.
func (r *Router) Auth(db, user, password string, digest bool) error {
	m, err := r.checkMaster()
	if err != nil {
		return err
	}
	// first make sure it actually works
	if err := m.Auth(db, user, password, digest); err != nil {
		return err
	}
	// now that it does, save it so new nodes can be authenticated
	r.auths = append(r.auths, AuthInfo{DB: db, User: user, Password: password, Digest: digest})
	return nil
}

// MasterConn returns a live primary connection.
func (r *Router) MasterConn() (conn.Conn, error) { return r.checkMaster() }

// SlaveConn returns a live secondary connection.
func (r *Router) SlaveConn() (conn.Conn, error) { return r.checkSlave() }

// IsntMaster records that the cached primary lost its role: the monitor is
// notified and the connection dropped so the next use re-resolves.
func (r *Router) IsntMaster() {
	logutil.Infof(r.logger, "got not master for: %s", r.masterHost)
	r.monitor.NotifyFailure(r.masterHost)
	r.master = nil
}

// IsntSecondary records that the cached secondary lost its role.
func (r *Router) IsntSecondary() {
	logutil.Infof(r.logger, "slave no longer has secondary status: %s", r.slaveHost)
	r.monitor.NotifySlaveFailure(r.slaveHost)
	r.slave = nil
}

// ---- writes: always the primary, no retry ----

func (r *Router) Insert(ns string, docs []bson.M, flags int) error {
	m, err := r.checkMaster()
	if err != nil {
		return err
	}
	return m.Insert(ns, docs, flags)
}

func (r *Router) Update(ns string, selector, update bson.M, upsert, multi bool) error {
	m, err := r.checkMaster()
	if err != nil {
		return err
	}
	return m.Update(ns, selector, update, upsert, multi)
}

func (r *Router) Remove(ns string, selector bson.M, justOne bool) error {
	m, err := r.checkMaster()
	if err != nil {
		return err
	}
	return m.Remove(ns, selector, justOne)
}

// ---- reads: secondaries when permitted, primary fallback ----

// Query routes the read to a secondary when the request carries FlagSlaveOk,
// trying up to readAttempts members; checkSlave rotates to a different
// member after each failure. When every attempt fails, or the flag is
// absent, the primary serves the read.
func (r *Router) Query(ns string, q conn.Query) (*conn.Reply, error) {
	if q.Flags&conn.FlagSlaveOk != 0 {
		for i := 0; i < readAttempts; i++ {
			reply, err := r.querySlave(ns, q)
			if err == nil {
				return reply, nil
			}
			logutil.Infof(r.logger, "can't query replica set slave %d : %s : %v", i, r.slaveHost, err)
			obsmetrics.RouterRetries.WithLabelValues("query").Inc()
		}
	}

	m, err := r.checkMaster()
	if err != nil {
		return nil, err
	}
	return m.Query(ns, q)
}

func (r *Router) querySlave(ns string, q conn.Query) (*conn.Reply, error) {
	s, err := r.checkSlave()
	if err != nil {
		return nil, err
	}
	reply, err := s.Query(ns, q)
	if err != nil {
		return nil, err
	}
	return r.checkSlaveQueryResult(reply)
}

// checkSlaveQueryResult peeks at the reply's error document. A
// not-master-or-secondary answer demotes the cached secondary and surfaces
// as ErrNotSecondary so the caller's retry loop rotates.
func (r *Router) checkSlaveQueryResult(reply *conn.Reply) (*conn.Reply, error) {
	errDoc, isError := reply.PeekError()
	if !isError {
		return reply, nil
	}
	if conn.IsNotMasterOrSecondary(errDoc) {
		host := r.slaveHost
		r.IsntSecondary()
		return nil, fmt.Errorf("%w: slave %s", ErrNotSecondary, host)
	}
	return reply, nil
}

func (r *Router) FindOne(ns string, q conn.Query) (bson.M, error) {
	if q.Flags&conn.FlagSlaveOk != 0 {
		for i := 0; i < readAttempts; i++ {
			s, err := r.checkSlave()
			if err == nil {
				var doc bson.M
				if doc, err = s.FindOne(ns, q); err == nil {
					return doc, nil
				}
			}
			logutil.Infof(r.logger, "can't findone replica set slave %d : %s : %v", i, r.slaveHost, err)
			obsmetrics.RouterRetries.WithLabelValues("find_one").Inc()
		}
	}

	m, err := r.checkMaster()
	if err != nil {
		return nil, err
	}
	return m.FindOne(ns, q)
}

// KillCursor is not supported on a replica-set router: a cursor can outlive
// a primary change or secondary rotation, so the owning member is unknown
// here. Calling it is a programming error.
func (r *Router) KillCursor(cursorID int64) {
	panic("router: KillCursor must not be called on a replica-set connection; the owning member is unknown")
}
