// Package logging configures the zerolog logger shared by the upload pipeline.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Field names used across components so log lines can be correlated
const (
	FieldBatchID  = "batch_id"
	FieldScope    = "scope"
	FieldFile     = "file"
	FieldFileSize = "file_size"
	FieldState    = "state"
	FieldSlot     = "service_slot"
)

// New builds a logger writing to out (stderr when nil). Pretty selects the
// human readable console writer instead of JSON lines.
func New(level string, pretty bool, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(out).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// IsDebug reports whether the configured level emits debug lines
func IsDebug(level string) bool {
	return ParseLevel(level) <= zerolog.DebugLevel
}
