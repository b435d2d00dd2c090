package contractcourt

import (
	"github.com/btcsuite/btclog"
	"github.com/trinity-network/trinity/build"
)

// brarLog is the logger used by the breach arbitrator. It is initialized
// with no output filters, so the package will not perform any logging by
// default until the caller requests it.
var brarLog btclog.Logger

// The default amount of logging is none.
func init() {
	UseBreachLogger(build.NewSubLogger("BRAR", nil))
}

// DisableLog disables all library log output.  Logging output is disabled
// by default until UseBreachLogger is called.
func DisableLog() {
	UseBreachLogger(btclog.Disabled)
}

// UseBreachLogger uses a specified Logger to output package logging info.
// This should be used in preference to SetLogWriter if the caller is also
// using btclog.
func UseBreachLogger(logger btclog.Logger) {
	brarLog = logger
}

// logClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
