// Package logging builds the process zerolog logger and adapts native runtime
// diagnostics onto it.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trtd/internal/trt"
)

// Options configure New. Zero values give info-level JSON on stderr.
type Options struct {
	Level  string // trace|debug|info|warn|error|off
	Format string // json|console
	Writer io.Writer
}

// New returns a logger with timestamps at the requested level. Unknown levels
// fall back to info.
func New(opts Options) zerolog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(opts.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(ParseLevel(opts.Level)).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level; "off" disables logging.
func ParseLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zerolog.InfoLevel
	case "off", "none":
		return zerolog.Disabled
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// ParseSeverity maps a runtime severity name to trt.Severity. Unknown names
// give trt.SeverityWarning.
func ParseSeverity(s string) trt.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "internal_error", "internal":
		return trt.SeverityInternalError
	case "error":
		return trt.SeverityError
	case "info":
		return trt.SeverityInfo
	case "verbose", "trace", "debug":
		return trt.SeverityVerbose
	default:
		return trt.SeverityWarning
	}
}

type runtimeLogger struct {
	l   zerolog.Logger
	min trt.Severity
}

// RuntimeLogger forwards native runtime diagnostics at least as severe as min
// to l, tagged component=runtime.
func RuntimeLogger(l zerolog.Logger, min trt.Severity) trt.Logger {
	return &runtimeLogger{l: l.With().Str("component", "runtime").Logger(), min: min}
}

func (r *runtimeLogger) Log(sev trt.Severity, msg string) {
	if sev > r.min {
		return
	}
	var ev *zerolog.Event
	switch sev {
	case trt.SeverityInternalError, trt.SeverityError:
		ev = r.l.Error()
	case trt.SeverityWarning:
		ev = r.l.Warn()
	case trt.SeverityInfo:
		ev = r.l.Info()
	default:
		ev = r.l.Trace()
	}
	ev.Str("severity", sev.String()).Msg(msg)
}
