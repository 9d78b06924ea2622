package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Output formats accepted by Setup.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var level = new(slog.LevelVar)

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level.Set(ParseLevel(levelStr))
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	switch level.Level() {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel parses a string to an slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// lineHandler renders "[15:04:05] [LEVEL] msg k=v" lines to every output
// whose minimum level admits the record.
type lineHandler struct {
	outputs map[io.Writer]slog.Level
	attrs   []slog.Attr
	group   string
	mu      *sync.Mutex
}

func newLineHandler(outputs map[io.Writer]slog.Level) *lineHandler {
	return &lineHandler{outputs: outputs, mu: &sync.Mutex{}}
}

// Handle implements slog.Handler
func (h *lineHandler) Handle(_ context.Context, record slog.Record) error {
	if record.Level < level.Level() {
		return nil
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(record.Time.Format("15:04:05"))
	b.WriteString("] [")
	b.WriteString(strings.ToUpper(record.Level.String()))
	b.WriteString("] ")
	b.WriteString(record.Message)

	write := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(a.Value.Resolve().String())
	}
	for _, a := range h.attrs {
		write(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		write(a)
		return true
	})
	b.WriteString("\n")
	line := []byte(b.String())

	h.mu.Lock()
	defer h.mu.Unlock()
	for out, floor := range h.outputs {
		if out != nil && record.Level >= floor {
			_, _ = out.Write(line)
		}
	}
	return nil
}

// WithAttrs implements slog.Handler
func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler
func (h *lineHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}

// Enabled implements slog.Handler
func (h *lineHandler) Enabled(_ context.Context, l slog.Level) bool {
	if l < level.Level() {
		return false
	}
	for _, floor := range h.outputs {
		if l >= floor {
			return true
		}
	}
	return false
}

// InitLogger initializes the global logger with one or more output writers
func InitLogger(outputs ...io.Writer) {
	levels := make(map[io.Writer]slog.Level, len(outputs))
	for _, out := range outputs {
		levels[out] = slog.LevelDebug
	}
	InitLoggerWithLevels(levels)
}

// InitLoggerWithLevels initializes logger with different levels for different outputs
func InitLoggerWithLevels(outputs map[io.Writer]slog.Level) {
	slog.SetDefault(slog.New(newLineHandler(outputs)))
}

// Setup configures the default logger from the log.* config keys.
func Setup(format, levelStr string, out io.Writer) {
	SetLevel(levelStr)
	if strings.EqualFold(format, FormatJSON) {
		slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))
		return
	}
	InitLogger(out)
}

// Convenience functions that use the default logger
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}
