// Package observability configures process logging for CPOR endpoints.
package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the console logger for a CPOR endpoint at the default
// info level and installs it as the process-global logger.
func InitLogger(app string) zerolog.Logger {
	return InitLoggerAt(app, "info")
}

// InitLoggerAt builds the console logger at the named zerolog level.
// Protocol-hot paths (per-frame handling, acks, resume traffic) log at
// debug, so "debug" turns on wire tracing. Unknown or empty levels fall
// back to info.
func InitLoggerAt(app, level string) zerolog.Logger {
	return newLogger(os.Stdout, app, level)
}

func newLogger(out io.Writer, app, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(writer).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
