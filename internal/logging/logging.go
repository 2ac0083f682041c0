// Package logging configures the process-wide slog logger.
//
// Records are rendered by a tint handler writing to stderr. The level lives in
// a shared [slog.LevelVar] so that flags parsed after startup can raise or
// lower verbosity without rebuilding loggers already handed out.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

var level slog.LevelVar

// Options controlling handler construction.
type Options struct {
	Level   slog.Level // Minimum level to emit.
	Verbose bool       // Include source locations and full timestamps.
	Color   bool       // Emit ANSI colour codes.
}

// Builds a logger writing to w. A nil writer means stderr.
func New(w io.Writer, opts Options) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	level.Set(opts.Level)

	format := time.Kitchen
	if opts.Verbose {
		format = time.RFC3339
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      &level,
		AddSource:  opts.Verbose,
		TimeFormat: format,
		NoColor:    !opts.Color,
	}))
}

// Changes the level of every logger built by [New].
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Whether the given file is an interactive terminal.
func IsTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
