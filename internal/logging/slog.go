package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

type ctxAttrsKey struct{}

// ContextWith returns a copy of ctx carrying args. Every record logged with
// that context, or a context derived from it, includes them.
func ContextWith(ctx context.Context, args ...any) context.Context {
	prev := attrsFrom(ctx)
	merged := make([]any, 0, len(prev)+len(args))
	merged = append(append(merged, prev...), args...)
	return context.WithValue(ctx, ctxAttrsKey{}, merged)
}

func attrsFrom(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(ctxAttrsKey{}).([]any)
	return v
}

// ParseLevel accepts the slog level names (debug, info, warn, error) in any
// case, with an optional offset such as "debug+2".
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(strings.TrimSpace(s)))
	return level, err
}

type SlogLogger struct {
	l *slog.Logger
}

func NewSlogLogger(l *slog.Logger) *SlogLogger {
	return &SlogLogger{l: l}
}

// NewConsole logs text to an interactive terminal and JSON everywhere else.
func NewConsole(f *os.File, level slog.Level) *SlogLogger {
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(f.Fd())) {
		return NewSlogLogger(slog.New(slog.NewTextHandler(f, opts)))
	}
	return NewSlogLogger(slog.New(slog.NewJSONHandler(f, opts)))
}

// Discard returns a logger that drops everything.
func Discard() *SlogLogger {
	return NewSlogLogger(slog.New(slog.DiscardHandler))
}

func (s *SlogLogger) log(ctx context.Context, level slog.Level, msg string, args []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.l.Enabled(ctx, level) {
		return
	}
	if extra := attrsFrom(ctx); len(extra) > 0 {
		args = append(append(make([]any, 0, len(extra)+len(args)), extra...), args...)
	}
	s.l.Log(ctx, level, msg, args...)
}

func (s *SlogLogger) Debug(ctx context.Context, msg string, args ...any) {
	s.log(ctx, slog.LevelDebug, msg, args)
}

func (s *SlogLogger) Info(ctx context.Context, msg string, args ...any) {
	s.log(ctx, slog.LevelInfo, msg, args)
}

func (s *SlogLogger) Warn(ctx context.Context, msg string, args ...any) {
	s.log(ctx, slog.LevelWarn, msg, args)
}

func (s *SlogLogger) Error(ctx context.Context, msg string, args ...any) {
	s.log(ctx, slog.LevelError, msg, args)
}

func (s *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{l: s.l.With(args...)}
}
