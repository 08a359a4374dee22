// Package logging builds the go-kit loggers shared by all components.
package logging

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// New returns a logfmt logger writing to w.
//
// verbose selects the level filter: 0 keeps warnings and errors, 1 adds
// info, 2 and above add debug.
func New(w io.Writer, verbose int) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, filterFor(verbose))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// Component derives a logger tagged with the component name. A nil logger
// yields a no-op logger.
func Component(logger log.Logger, name string) log.Logger {
	if logger == nil {
		return log.NewNopLogger()
	}
	return log.With(logger, "component", name)
}

func filterFor(verbose int) level.Option {
	switch {
	case verbose >= 2:
		return level.AllowDebug()
	case verbose == 1:
		return level.AllowInfo()
	default:
		return level.AllowWarn()
	}
}
