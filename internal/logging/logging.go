// Package logging builds the process logger and carries correlation ids through contexts.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/metgo/quillota/internal/failure"
)

type ctxKey struct{}

// New returns a JSON or text slog logger at the given level.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// WithCorrelationID attaches a fresh correlation id unless ctx already carries one.
func WithCorrelationID(ctx context.Context) context.Context {
	if _, ok := CorrelationID(ctx); ok {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, uuid.NewString())
}

func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok
}

// FromContext returns base annotated with the context's correlation id.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if id, ok := CorrelationID(ctx); ok {
		return base.With("correlation_id", id)
	}
	return base
}

// Failure logs err once with its kind and operation.
func Failure(ctx context.Context, base *slog.Logger, msg string, err error) {
	attrs := []any{"kind", string(failure.KindOf(err)), "error", err}
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Op != "" {
		attrs = append(attrs, "op", fe.Op)
	}
	FromContext(ctx, base).ErrorContext(ctx, msg, attrs...)
}
