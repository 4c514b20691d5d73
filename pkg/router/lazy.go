package router

import (
	"gopkg.in/mgo.v2/bson"

	"github.com/amirimatin/go-replset/pkg/conn"
	"github.com/amirimatin/go-replset/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-replset/pkg/observability/metrics"
)

// lazyState bridges a Say to its later Recv/CheckResponse on the same
// goroutine. retries counts secondary attempts consumed so far; a value of
// readAttempts means the primary served the request and no retry remains.
type lazyState struct {
	lastOp     conn.OpCode
	slaveOk    bool
	retries    int
	lastClient conn.Conn
}

// Say sends msg without waiting for the reply. A SlaveOk query is attempted
// on up to readAttempts secondaries, resuming from the retry budget already
// consumed when isRetry is set; anything else goes to the primary.
func (r *Router) Say(msg *conn.Message, isRetry bool) error {
	if !isRetry {
		r.lazy = lazyState{}
	}

	lastOp := msg.Op
	slaveOk := false

	if msg.Op == conn.OpQuery {
		if slaveOk = msg.Flags&conn.FlagSlaveOk != 0; slaveOk {
			for i := r.lazy.retries; i < readAttempts; i++ {
				s, err := r.checkSlave()
				if err == nil {
					err = s.Say(msg)
				}
				if err == nil {
					r.lazy = lazyState{lastOp: lastOp, slaveOk: slaveOk, retries: i, lastClient: s}
					return nil
				}
				logutil.Infof(r.logger, "can't call lazy replica set slave %d : %s : %v", i, r.slaveHost, err)
				obsmetrics.RouterRetries.WithLabelValues("lazy").Inc()
			}
		}
	}

	m, err := r.checkMaster()
	if err != nil {
		return err
	}
	if err := m.Say(msg); err != nil {
		return err
	}
	r.lazy = lazyState{lastOp: lastOp, slaveOk: slaveOk, retries: readAttempts, lastClient: m}
	return nil
}

// Recv reads the reply to the last Say. Calling it without a prior
// successful Say is a programming error.
func (r *Router) Recv() (*conn.Reply, error) {
	if r.lazy.lastClient == nil {
		panic("router: Recv called without a prior Say")
	}
	reply, err := r.lazy.lastClient.Recv()
	if err != nil {
		logutil.Infof(r.logger, "could not receive data from %s: %v", r.lazy.lastClient.Addr(), err)
		return nil, err
	}
	return reply, nil
}

// CheckResponse decides, after a Recv, whether the request should be
// replayed. data is the reply's first document (nil when none came back,
// nReturned == -1). With a nil retry the call only delegates to the serving
// connection, preserving the legacy contract. Otherwise *retry is set when
// the prior op was a SlaveOk query answered with "no document" or the
// not-master-or-secondary code and the retry budget is not exhausted;
// *targetHost receives the address that served the request.
func (r *Router) CheckResponse(data bson.M, nReturned int, retry *bool, targetHost *string) {
	if retry == nil {
		if r.lazy.lastClient != nil {
			r.lazy.lastClient.CheckResponse(data, nReturned)
			return
		}
		if m, err := r.checkMaster(); err == nil {
			m.CheckResponse(data, nReturned)
		}
		return
	}

	*retry = false
	if targetHost != nil {
		if r.lazy.lastClient != nil {
			*targetHost = r.lazy.lastClient.Addr().String()
		} else {
			*targetHost = ""
		}
	}

	if r.lazy.lastClient == nil {
		return
	}
	if nReturned != 1 && nReturned != -1 {
		return
	}

	if r.lazy.lastOp != conn.OpQuery || !r.lazy.slaveOk {
		return
	}
	if nReturned != -1 && !(hasErrField(data) && conn.IsNotMasterOrSecondary(data)) {
		return
	}

	switch r.lazy.lastClient {
	case r.slave:
		r.IsntSecondary()
	case r.master:
		r.IsntMaster()
	default:
		logutil.Warnf(r.logger, "got %v but last rs client %s is not master or secondary",
			data, r.lazy.lastClient.Addr())
	}

	if r.lazy.retries < readAttempts {
		r.lazy.retries++
		*retry = true
	} else {
		logutil.Infof(r.logger, "too many retries (%d), could not get data from replica set", r.lazy.retries)
	}
}

// Call performs a full round trip with the same routing as Say. The address
// that served the request is returned alongside the reply.
func (r *Router) Call(msg *conn.Message) (*conn.Reply, string, error) {
	if msg.Op == conn.OpQuery && msg.Flags&conn.FlagSlaveOk != 0 {
		for i := 0; i < readAttempts; i++ {
			s, err := r.checkSlave()
			if err == nil {
				var reply *conn.Reply
				if reply, err = s.Call(msg); err == nil {
					return reply, s.Addr().String(), nil
				}
			}
			logutil.Infof(r.logger, "can't call replica set slave %d : %s : %v", i, r.slaveHost, err)
			obsmetrics.RouterRetries.WithLabelValues("call").Inc()
		}
	}

	m, err := r.checkMaster()
	if err != nil {
		return nil, "", err
	}
	reply, err := m.Call(msg)
	return reply, m.Addr().String(), err
}

func hasErrField(doc bson.M) bool {
	if doc == nil {
		return false
	}
	_, ok := doc["$err"]
	return ok
}
