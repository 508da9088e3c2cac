// Package logging wraps log/slog with chainable context builders so call
// sites can attach run/phase/worker identifiers once and have every
// subsequent log line carry them.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Level mirrors slog's levels as uppercase strings, matching the values
// accepted in configuration files.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ValidLevels lists the accepted configuration values.
func ValidLevels() []Level { return []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} }

func parseLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger is an immutable-builder wrapper around *slog.Logger.
type Logger struct {
	logger *slog.Logger
	file   *os.File
	mu     *sync.Mutex
	attrs  []slog.Attr
}

// New creates a Logger writing JSON lines to dataRoot/orchestrator.log, or
// to stderr when dataRoot is empty.
func New(dataRoot string, level Level) (*Logger, error) {
	var w io.Writer = os.Stderr
	var f *os.File
	if dataRoot != "" {
		if err := os.MkdirAll(dataRoot, 0o755); err != nil {
			return nil, err
		}
		var err error
		f, err = os.OpenFile(filepath.Join(dataRoot, "orchestrator.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		w = f
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{
		logger: slog.New(handler),
		file:   f,
		mu:     &sync.Mutex{},
	}, nil
}

// Nop returns a Logger that discards all output, for tests.
func Nop() *Logger {
	return &Logger{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		mu:     &sync.Mutex{},
	}
}

func (l *Logger) with(args ...any) *Logger {
	attrs := append(append([]slog.Attr{}, l.attrs...), argsToAttrs(args)...)
	return &Logger{logger: l.logger, file: l.file, mu: l.mu, attrs: attrs}
}

func argsToAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	return attrs
}

// With returns a child Logger with additional persistent attributes.
func (l *Logger) With(args ...any) *Logger { return l.with(args...) }

// WithRun returns a child Logger tagged with a run id.
func (l *Logger) WithRun(runID string) *Logger { return l.with("run_id", runID) }

// WithPhase returns a child Logger tagged with a phase number.
func (l *Logger) WithPhase(phase int) *Logger { return l.with("phase", phase) }

// WithWorker returns a child Logger tagged with a worker id.
func (l *Logger) WithWorker(workerID string) *Logger { return l.with("worker_id", workerID) }

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args []any) {
	all := make([]any, 0, len(args)+len(l.attrs)*2)
	for _, a := range l.attrs {
		all = append(all, a.Key, a.Value.Any())
	}
	all = append(all, args...)
	l.logger.Log(ctx, level, msg, all...)
}

func (l *Logger) Debug(msg string, args ...any) { l.log(context.Background(), slog.LevelDebug, msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.log(context.Background(), slog.LevelInfo, msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(context.Background(), slog.LevelWarn, msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.log(context.Background(), slog.LevelError, msg, args) }

// Close flushes and closes the underlying log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_ = l.file.Sync()
	return l.file.Close()
}
