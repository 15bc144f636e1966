// Package telemetry centralizes the engine's logging and metrics: a single
// charmbracelet/log handler and a single prometheus registry threaded
// through every subsystem constructor.
package telemetry

import (
	"context"
	"os"

	charm "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
)

// _logHandler is the process-wide logger. Verbosity is raised by the CLI's
// --verbose flag via SetVerbose.
var _logHandler = charm.NewWithOptions(os.Stderr, charm.Options{
	ReportTimestamp: true,
	TimeFormat:      "15:04:05",
})

// SetVerbose raises the log level to debug.
func SetVerbose() {
	_logHandler.SetLevel(charm.DebugLevel)
}

// Log returns a logger annotated with the request id carried on ctx, if
// any. Background goroutines that want a stable label (e.g. the
// maintainer loop) should seed ctx with middleware.RequestIDKey
// themselves.
func Log(ctx context.Context) *charm.Logger {
	reqID, _ := ctx.Value(middleware.RequestIDKey).(string)
	if reqID == "" {
		return _logHandler
	}
	return _logHandler.With("req_id", reqID)
}
