package internal

import (
	"log/slog"
	"strconv"
	"sync/atomic"
)

// Output modes. Seeded from ldflags and overridden by CLI flags.
var (
	quiet   atomic.Bool
	debug   atomic.Bool
	verbose atomic.Bool
)

// Raw ldflag values. Anything strconv.ParseBool rejects is treated as false.
var (
	rawQuiet   = "false"
	rawDebug   = "false"
	rawVerbose = "false"
)

func init() {
	quiet.Store(parseFlag(rawQuiet))
	debug.Store(parseFlag(rawDebug))
	verbose.Store(parseFlag(rawVerbose))
}

func parseFlag(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}

// Merges CLI flags into the current modes. Flags can only turn a mode on.
func ApplyFlags(q, v, d bool) {
	if q {
		quiet.Store(true)
	}
	if v {
		verbose.Store(true)
	}
	if d {
		debug.Store(true)
	}
}

func IsQuiet() bool   { return quiet.Load() }
func IsDebug() bool   { return debug.Load() }
func IsVerbose() bool { return verbose.Load() }

// Returns the log level implied by the current modes. Debug wins over quiet.
func LogLevel() slog.Level {
	switch {
	case IsDebug():
		return slog.LevelDebug
	case IsQuiet():
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
