package hublink

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// StructuredLogger is the simplest logging interface for structured logging.
// See github.com/go-kit/log
type StructuredLogger interface {
	Log(keyVals ...interface{}) error
}

// Logger sets the logger used by the connection to log info events.
// If debug is true, debug log events are generated, too.
func Logger(logger StructuredLogger, debug bool) func(*conn) error {
	return func(c *conn) error {
		i, d := buildInfoDebugLogger(logger, debug)
		c.info, c.dbg = i, d
		return nil
	}
}

func buildInfoDebugLogger(logger log.Logger, debug bool) (log.Logger, log.Logger) {
	if debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return level.Info(logger), log.With(level.Debug(logger), "caller", log.DefaultCaller)
}

// log key constants shared by all components
const (
	evt     = "event"
	msg     = "message"
	msgRecv = "message received"
	msgSend = "message send"
	react   = "reaction"
)
