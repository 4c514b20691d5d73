package conn

import (
	"time"

	"gopkg.in/mgo.v2/bson"
)

// OpCode identifies the operation carried by a Message. Values follow the
// peer wire protocol.
type OpCode int

const (
	OpReply       OpCode = 1
	OpUpdate      OpCode = 2001
	OpInsert      OpCode = 2002
	OpQuery       OpCode = 2004
	OpGetMore     OpCode = 2005
	OpDelete      OpCode = 2006
	OpKillCursors OpCode = 2007
)

// QueryFlags are caller-provided query options.
type QueryFlags int

const (
	// FlagSlaveOk permits the read to be served by a secondary.
	FlagSlaveOk QueryFlags = 1 << 2
)

// NotMasterOrSecondary is the peer error code signalling that the member
// which served a read is neither primary nor a usable secondary.
const NotMasterOrSecondary = 13436

// Query bundles the parameters of a read operation.
type Query struct {
	Filter    bson.M
	Fields    bson.M
	NToReturn int
	NToSkip   int
	Flags     QueryFlags
	BatchSize int
}

// Message is a request in wire form, used by the split Say/Recv path.
type Message struct {
	Op        OpCode
	NS        string
	Flags     QueryFlags
	Query     bson.M
	Fields    bson.M
	NToReturn int
	NToSkip   int
	Docs      []bson.M
}

// Reply is the peer's response to a read or a Call.
type Reply struct {
	Docs      []bson.M
	NReturned int
	CursorID  int64
}

// PeekError returns the first document of the reply when it carries a
// protocol-level error ($err), without consuming it.
func (r *Reply) PeekError() (bson.M, bool) {
	if r == nil || len(r.Docs) == 0 {
		return nil, false
	}
	doc := r.Docs[0]
	if _, ok := doc["$err"]; !ok {
		return nil, false
	}
	return doc, true
}

// ErrCode extracts a numeric "code" field from an error document. BSON
// decoding may surface numbers as int, int64 or float64.
func ErrCode(doc bson.M) (int, bool) {
	switch v := doc["code"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// IsNotMasterOrSecondary reports whether doc carries the
// NotMasterOrSecondary error code.
func IsNotMasterOrSecondary(doc bson.M) bool {
	code, ok := ErrCode(doc)
	return ok && code == NotMasterOrSecondary
}

// Conn is a connection to a single database member. Implementations are
// expected to transparently reconnect on next use after a failure, so a
// handle stays usable across member restarts; IsFailed reports whether the
// last operation left the connection in a failed state.
//
// Conn is not safe for concurrent use; owners serialize access.
type Conn interface {
	// Connect establishes the connection to addr. It may be called again
	// after a failure to re-establish the link.
	Connect(addr Addr) error

	// IsMaster runs the handshake and returns the peer's ismaster verdict
	// along with the full self-description document.
	IsMaster() (bool, bson.M, error)

	// RunCommand executes a database command against db.
	RunCommand(db string, cmd bson.D, reply *bson.M) error

	// Auth authenticates against db.
	Auth(db, user, password string, digest bool) error

	Insert(ns string, docs []bson.M, flags int) error
	Update(ns string, selector, update bson.M, upsert, multi bool) error
	Remove(ns string, selector bson.M, justOne bool) error

	Query(ns string, q Query) (*Reply, error)
	FindOne(ns string, q Query) (bson.M, error)

	// Say sends msg without waiting for a reply; Recv reads the reply to
	// the last Say. Call is the combined round trip.
	Say(msg *Message) error
	Recv() (*Reply, error)
	Call(msg *Message) (*Reply, error)

	// CheckResponse lets the connection inspect a reply that was consumed
	// by a higher layer (legacy hook; most implementations no-op).
	CheckResponse(data bson.M, nReturned int)

	// IsFailed reports whether the last operation failed.
	IsFailed() bool

	// Addr returns the address this connection was last connected to.
	Addr() Addr

	Close() error
}

// Dialer produces an unconnected Conn with the given socket timeout.
// Dialing never fails; errors surface from Connect and from operations.
type Dialer func(timeout time.Duration) Conn
