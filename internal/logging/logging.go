// Package logging sets up the ambient structured logging shared by every
// component, following the teacher's use of github.com/ipfs/go-log/v2:
// one named sub-logger per subsystem, with noisy subsystems dialed down
// at init.
package logging

import (
	logging "github.com/ipfs/go-log/v2"
)

func init() {
	// Mirrors the teacher's p2p.node.init() selective quieting
	// (internal/p2p/node.go): keep the node's own components at their
	// default level, dial down components that are chatty at debug.
	logging.SetLogLevel("transport", "info")
	logging.SetLogLevel("rendezvous", "info")
}

// Logger returns a named sub-logger for the given component, e.g.
// Logger("transport"), Logger("rendezvous"), Logger("node").
func Logger(name string) *logging.ZapEventLogger {
	return logging.Logger(name)
}

// SetLevel adjusts a single subsystem's log level at runtime (e.g. from a
// config hot-reload), mirroring logging.SetLogLevel's teacher usage.
func SetLevel(subsystem, level string) error {
	return logging.SetLogLevel(subsystem, level)
}
