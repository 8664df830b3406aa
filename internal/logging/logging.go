// Configures the process-wide slog logger.
//
// Output goes to a text handler when the stream is a terminal and to a JSON
// handler otherwise, so daemon logs collected by a supervisor stay machine
// readable. The level is held in a shared [slog.LevelVar] and can be changed
// after flags are parsed without rebuilding the handler.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

var level slog.LevelVar

// Options controls handler construction.
type Options struct {
	Level   slog.Level // Minimum level.
	Verbose bool       // Include source locations.
	JSON    *bool      // Force JSON (true) or text (false). Nil picks by terminal detection.
	Group   string     // Optional group applied to all attributes.
}

// Builds a logger writing to w and installs it as the slog default.
func Configure(w io.Writer, opts Options) *slog.Logger {
	level.Set(opts.Level)

	hopts := &slog.HandlerOptions{
		Level:     &level,
		AddSource: opts.Verbose,
	}

	useJSON := !isTerminal(w)
	if opts.JSON != nil {
		useJSON = *opts.JSON
	}

	var handler slog.Handler
	if useJSON {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	if opts.Group != "" {
		handler = handler.WithGroup(opts.Group)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// Changes the level of every logger built by [Configure].
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Returns the current level.
func Level() slog.Level {
	return level.Level()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
