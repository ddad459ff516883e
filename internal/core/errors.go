// Package core defines the engine's sentinel errors and the narrow
// interfaces through which video enters and leaves the agent.
package core

import "errors"

// Sentinel errors. Recoverable conditions are handled inside the loop that
// produced them; only the fatal ones terminate the process.
var (
	// Persistent store
	ErrIndexCorrupted = errors.New("kestrel: metadata index corrupted")

	// Sink interaction. Full is transient backpressure, Closed is fatal.
	ErrSinkFull   = errors.New("kestrel: sink buffer full")
	ErrSinkClosed = errors.New("kestrel: sink closed")

	// Caps handshake
	ErrCapsAlreadySet = errors.New("kestrel: caps already published")

	// Configuration
	ErrConfigInvalid = errors.New("kestrel: invalid configuration")
)
