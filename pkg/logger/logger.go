package logger

import (
	"fmt"
	"log"
	"log/slog"
	"os"
)

// New returns a stdlib-backed logger with component prefix.
func New(component string) *log.Logger {
	prefix := fmt.Sprintf("[%s] ", component)
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lshortfile)
}

// FromSlog returns a *log.Logger that forwards every line to base at the
// given level, tagged with component. Used for http.Server.ErrorLog.
func FromSlog(base *slog.Logger, component string, level slog.Level) *log.Logger {
	if base == nil {
		return New(component)
	}
	return slog.NewLogLogger(base.With("component", component).Handler(), level)
}
