package cli

import (
	"io"

	charmlog "github.com/charmbracelet/log"
)

// newLogger creates a charm logger with short timestamps. It doubles as
// the slog handler the runtime logs through.
func newLogger(w io.Writer, level charmlog.Level) *charmlog.Logger {
	return charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}
