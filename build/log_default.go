//go:build !stdlog && !nolog
// +build !stdlog,!nolog

package build

// LoggingType is a log type that writes to both stdout and the log rotator, if
// present.
const LoggingType = LogTypeDefault

// LogLevel is the level used by stdout loggers created for unit tests.
const LogLevel = "info"
