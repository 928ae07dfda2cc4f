// Package logging provides the slog-based logger plumbing shared by every
// subsystem of the backup orchestration engine: a context-carried logger,
// named subsystems, and a console handler tuned for operator readability.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// Subsys identifies the owning component of a log line, mirroring the way
// daemons in this codebase tag every record with where it came from.
type Subsys string

const (
	SubsysSnapshot   Subsys = "snapshot"
	SubsysRemote     Subsys = "remote"
	SubsysStreamCrypt Subsys = "streamcrypt"
	SubsysPipeline   Subsys = "pipeline"
	SubsysPolicy     Subsys = "policy"
	SubsysLineage    Subsys = "lineage"
	SubsysRetention  Subsys = "retention"
	SubsysRunctl     Subsys = "runctl"
	SubsysControl    Subsys = "control"
	SubsysRestore    Subsys = "restore"
)

type ctxKey struct{}

// Format selects the console rendering. JSON is intended for production
// log shipping, Console for interactive operator use.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// New builds the root *slog.Logger for the process according to format and
// level. Unknown formats fall back to console.
func New(w io.Writer, format Format, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var h slog.Handler
	switch format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: "15:04:05.000"})
	}
	return slog.New(h)
}

// WithLogger stashes logger in ctx, to be retrieved later with GetLogger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// With returns a derived context whose logger has attrs appended.
func With(ctx context.Context, attrs ...slog.Attr) context.Context {
	l := loggerFromCtx(ctx)
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return WithLogger(ctx, l.With(args...))
}

// GetLogger returns the context's logger tagged with subsys. Falls back to
// slog.Default if ctx carries no logger (e.g. in unit tests).
func GetLogger(ctx context.Context, subsys Subsys) *slog.Logger {
	return loggerFromCtx(ctx).With(slog.String("subsys", string(subsys)))
}

func loggerFromCtx(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// WithError logs msg at error level with err attached, the way every
// fallible operation in this codebase reports its failure.
func WithError(l *slog.Logger, err error, msg string) {
	l.With(slog.String("err", err.Error())).Error(msg)
}
