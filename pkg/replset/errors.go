package replset

import "errors"

var (
	// ErrNoSeeds is returned when a monitor is created with an empty seed list.
	ErrNoSeeds = errors.New("replset: need at least 1 node for a replica set")
	// ErrNoDialer is returned when Options carries no Dial function.
	ErrNoDialer = errors.New("replset: nil Dial in Options")
	// ErrNoMaster is returned by GetMaster when no primary could be found.
	ErrNoMaster = errors.New("replset: no master found")
	// ErrHookInstalled is returned on a second SetConfigChangeHook call.
	ErrHookInstalled = errors.New("replset: config change hook already specified")
)
