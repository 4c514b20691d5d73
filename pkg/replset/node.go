package replset

import (
	"gopkg.in/mgo.v2/bson"

	"github.com/amirimatin/go-replset/pkg/conn"
)

// node is the per-member record owned by a Monitor. addr is immutable after
// insertion; the remaining fields are guarded by the Monitor's lock.
type node struct {
	addr conn.Addr
	conn conn.Conn

	ok        bool
	ismaster  bool
	secondary bool
	hidden    bool

	pingTimeMillis int64
	lastIsMaster   bson.M
}

// okForSecondaryQueries reports whether the member may serve secondary reads.
func (n *node) okForSecondaryQueries() bool {
	return n.ok && n.secondary && !n.hidden
}
