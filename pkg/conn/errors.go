package conn

import "errors"

var (
	ErrNotConnected = errors.New("conn: not connected")
	ErrClosed       = errors.New("conn: closed")
	ErrNoPending    = errors.New("conn: no pending reply; Say must precede Recv")
)
