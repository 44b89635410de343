// Package logger provides the process-wide logger shared by all remora
// components, a github.com/rs/zerolog console logger by default. It is
// silenced under `go test` unless the debug build tag is set.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/oceanlab/remora/debug"
	"github.com/rs/zerolog"
)

var logger zerolog.Logger

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	logger = zerolog.New(output).With().Timestamp().Logger()

	if !debug.Debug && strings.HasSuffix(os.Args[0], ".test") {
		logger = zerolog.Nop()
	}
}

// SetOutput redirects the global logger.
func SetOutput(w io.Writer) {
	logger = logger.Output(w)
}

// Set replaces the global logger entirely.
func Set(l zerolog.Logger) {
	logger = l
}

// Disable silences all logging.
func Disable() {
	logger = zerolog.Nop()
}

// Logger returns the global logger; components derive sub-loggers from it.
func Logger() zerolog.Logger {
	return logger
}
