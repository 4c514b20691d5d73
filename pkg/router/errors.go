package router

import "errors"

var (
	// ErrConnectMaster wraps a failed connection attempt to a fresh primary.
	ErrConnectMaster = errors.New("router: can't connect to new replica set master")
	// ErrConnectSlave wraps a failed connection attempt to a secondary.
	ErrConnectSlave = errors.New("router: can't connect to replica set slave")
	// ErrNotSecondary signals that the member which served a read is no
	// longer a usable secondary; read loops rotate on it.
	ErrNotSecondary = errors.New("router: slave is no longer secondary")
)
