// Package logging builds the zerolog loggers used across the service.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

var (
	mu   sync.RWMutex
	root = newLogger(os.Stderr, FormatConsole, zerolog.InfoLevel)
)

func newLogger(w io.Writer, format string, level zerolog.Level) zerolog.Logger {
	if format != FormatJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Setup replaces the root logger. Unknown levels fall back to info.
func Setup(w io.Writer, format, level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	mu.Lock()
	root = newLogger(w, format, lvl)
	mu.Unlock()
}

// For returns a child logger tagged with the component name.
func For(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", component).Logger()
}

// Nop is handy for tests that do not care about output.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
