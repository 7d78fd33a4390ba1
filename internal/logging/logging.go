// Package logging wires a single process-wide go-kit logger, in the same
// level.Info(logger).Log("msg", ..., "k", v) style used throughout the
// reference codebase's friggdb/ingester modules.
package logging

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// New builds a logfmt logger writing to stderr, synchronized for
// concurrent use (the server's event loop and Run's snapshot/shutdown loop
// log from separate goroutines),
// filtered to levelName ("debug", "info", "warn", "error"; anything else
// is "info").
func New(levelName string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	return level.NewFilter(logger, parseLevel(levelName))
}

func parseLevel(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
