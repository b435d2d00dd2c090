//go:build stdlog
// +build stdlog

package build

// LoggingType is a log type that only writes to stdout.
const LoggingType = LogTypeStdOut

// LogLevel is the level used by stdout loggers created for unit tests.
const LogLevel = "debug"
