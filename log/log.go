// Package log is junction's logging facility: a small, levelled wrapper
// around log/slog modeled on github.com/ethereum/go-ethereum/log (see
// its logger_test.go/handler_test.go, which pin down this shape even
// though the implementation itself wasn't in the retrieval pack).
//
// It exists because spec.md §1 treats "the logging facility" as an
// external collaborator whose interface the core code calls into; a
// real, buildable repository needs a concrete one.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors go-ethereum's six levels: slog's built-in four plus
// Trace and Crit.
type Level = slog.Level

const (
	LevelTrace Level = slog.Level(-8)
	LevelDebug Level = slog.LevelDebug
	LevelInfo  Level = slog.LevelInfo
	LevelWarn  Level = slog.LevelWarn
	LevelError Level = slog.LevelError
	LevelCrit  Level = slog.Level(12)
)

// Logger is a named, attribute-carrying handle onto the shared slog
// logger. Node, Peer, and Dispatcher each hold one built with With().
type Logger struct {
	inner *slog.Logger
}

var root = New(newTerminalHandler(os.Stderr))

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) { root = l }

// Default returns the process-wide default logger.
func Default() *Logger { return root }

// New wraps an slog.Handler as a Logger.
func New(h slog.Handler) *Logger {
	return &Logger{inner: slog.New(h)}
}

// With returns a Logger that always includes the given key/value pairs.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{inner: l.inner.With(args...)}
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	if level == LevelCrit {
		args = append(args, "stack", fmt.Sprintf("%v", stack.Trace().TrimRuntime()))
	}
	l.inner.Log(context.Background(), level, msg, args...)
}

func (l *Logger) Trace(msg string, args ...interface{}) { l.log(LevelTrace, msg, args...) }
func (l *Logger) Debug(msg string, args ...interface{}) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(LevelError, msg, args...) }
func (l *Logger) Crit(msg string, args ...interface{})  { l.log(LevelCrit, msg, args...) }

// Package-level convenience functions operate on the default logger,
// matching go-ethereum's log.Info/log.Error top-level functions.
func Trace(msg string, args ...interface{}) { root.Trace(msg, args...) }
func Debug(msg string, args ...interface{}) { root.Debug(msg, args...) }
func Info(msg string, args ...interface{})  { root.Info(msg, args...) }
func Warn(msg string, args ...interface{})  { root.Warn(msg, args...) }
func Error(msg string, args ...interface{}) { root.Error(msg, args...) }
func Crit(msg string, args ...interface{})  { root.Crit(msg, args...) }

func newTerminalHandler(w io.Writer) slog.Handler {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return &terminalHandler{w: w, color: useColor, level: LevelInfo}
}

// NewFileHandler builds a Logger that writes JSON lines to a rotating
// log file, for use by long-running nodes (cmd/meshnode).
func NewFileHandler(path string, maxMegabytes, maxBackups, maxAgeDays int) *Logger {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxMegabytes,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}
	return New(slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: LevelTrace}))
}

// terminalHandler is a minimal slog.Handler that formats records the
// way go-ethereum's terminal handler does: "LVL [timestamp] msg k=v …".
type terminalHandler struct {
	w     io.Writer
	color bool
	level Level
	attrs []slog.Attr
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	line := fmt.Sprintf("%-5s[%s] %s", levelLabel(Level(r.Level)), ts.Format("01-02|15:04:05.000"), r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *terminalHandler) WithGroup(_ string) slog.Handler { return h }

func levelLabel(l Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l <= LevelDebug:
		return "DEBUG"
	case l <= LevelInfo:
		return "INFO"
	case l <= LevelWarn:
		return "WARN"
	case l <= LevelError:
		return "ERROR"
	default:
		return "CRIT"
	}
}
