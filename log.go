package trinity

import (
	"github.com/btcsuite/btclog"
	"github.com/trinity-network/trinity/build"
	"github.com/trinity-network/trinity/chainrpc"
	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/chanstate"
	"github.com/trinity-network/trinity/contractcourt"
	"github.com/trinity-network/trinity/htlcswitch"
	"github.com/trinity-network/trinity/peer"
	"github.com/trinity-network/trinity/signal"
	"github.com/trinity-network/trinity/transport"
)

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, add the subsystem logger variable here and to SetupLoggers.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling InitLogRotator on the root writer.
var trndLog = build.NewSubLogger("TRND", nil)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.RotatingLogWriter) {
	// Now that we have the root logger, we can replace the default
	// daemon logger with one that writes to the rotator.
	trndLog = build.NewSubLogger("TRND", root.GenSubLogger)

	AddSubLogger(root, "CHDB", channeldb.UseLogger)
	AddSubLogger(root, "CHST", chanstate.UseLogger)
	AddSubLogger(root, "HSWC", htlcswitch.UseLogger)
	AddSubLogger(root, "BRAR", contractcourt.UseBreachLogger)
	AddSubLogger(root, "PEER", peer.UseLogger)
	AddSubLogger(root, "CRPC", chainrpc.UseLogger)
	AddSubLogger(root, "TRNS", transport.UseLogger)
	AddSubLogger(root, "SGNL", signal.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.RotatingLogWriter, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.RotatingLogWriter, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
