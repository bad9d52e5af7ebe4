// Package logging is the structured JSON logger used across fusiond. A
// Logger carries a set of bound fields and writes one JSON object per line;
// the daemon installs a file-backed instance as the process-wide fallback and
// hands request-scoped children out through context.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sensorfuse/fusiond/internal/config"
)

// TraceIDHeader is the HTTP header trace identifiers travel in.
const TraceIDHeader = "X-Trace-ID"

// Level orders log verbosity. Messages below the logger's level are dropped.
type Level int8

const (
	DebugLevel Level = iota - 1
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = map[Level]string{
	DebugLevel: "debug",
	InfoLevel:  "info",
	WarnLevel:  "warn",
	ErrorLevel: "error",
	FatalLevel: "fatal",
}

var levelValues = map[string]Level{
	"debug":   DebugLevel,
	"":        InfoLevel,
	"info":    InfoLevel,
	"warn":    WarnLevel,
	"warning": WarnLevel,
	"error":   ErrorLevel,
	"fatal":   FatalLevel,
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseLevel resolves a configured level name, defaulting blanks to info.
func ParseLevel(raw string) (Level, error) {
	level, ok := levelValues[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
	return level, nil
}

// Field is one structured attribute attached to a log line.
type Field struct {
	key   string
	value any
}

// String returns a string field.
func String(key, value string) Field { return Field{key: key, value: value} }

// Strings returns a string slice field.
func Strings(key string, values []string) Field { return Field{key: key, value: values} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{key: key, value: value} }

// Error returns an "error" field holding the error text.
func Error(err error) Field {
	if err == nil {
		return Field{key: "error", value: nil}
	}
	return Field{key: "error", value: err.Error()}
}

// Logger emits JSON lines at or above its level. The zero value is not
// usable; construct instances through New or NewTestLogger.
type Logger struct {
	level Level
	mu    *sync.Mutex
	out   io.Writer
	file  *logFile
	bound []Field
}

// active is the process-wide fallback logger.
var active atomic.Pointer[Logger]

func init() {
	active.Store(NewTestLogger())
}

// L returns the current process-wide logger.
func L() *Logger {
	return active.Load()
}

// ReplaceGlobals installs logger as the process-wide fallback.
func ReplaceGlobals(logger *Logger) {
	if logger != nil {
		active.Store(logger)
	}
}

// New builds a logger writing to the configured rotated file and mirroring
// every line to stdout, then installs it as the process-wide fallback.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	file, err := openLogFile(cfg)
	if err != nil {
		return nil, err
	}
	logger := &Logger{
		level: level,
		mu:    &sync.Mutex{},
		out:   io.MultiWriter(file, os.Stdout),
		file:  file,
		bound: []Field{String("service", "fusiond")},
	}
	ReplaceGlobals(logger)
	return logger, nil
}

// NewTestLogger returns a logger that discards output, suitable for tests.
func NewTestLogger() *Logger {
	return &Logger{level: DebugLevel, mu: &sync.Mutex{}, out: io.Discard}
}

// With returns a child logger carrying the extra fields. The child shares the
// parent's sink, so lines from parent and child never interleave mid-write.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	child := *l
	child.bound = append(append([]Field(nil), l.bound...), fields...)
	return &child
}

// Sync flushes the backing file, if any.
func (l *Logger) Sync() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...Field) { l.emit(DebugLevel, msg, fields) }

// Info logs an informational message.
func (l *Logger) Info(msg string, fields ...Field) { l.emit(InfoLevel, msg, fields) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...Field) { l.emit(WarnLevel, msg, fields) }

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...Field) { l.emit(ErrorLevel, msg, fields) }

// Fatal logs the message, flushes, and exits the process.
func (l *Logger) Fatal(msg string, fields ...Field) { l.emit(FatalLevel, msg, fields) }

func (l *Logger) emit(level Level, msg string, fields []Field) {
	if l == nil {
		l = L()
	}
	if level < l.level {
		return
	}
	entry := make(map[string]any, len(l.bound)+len(fields)+3)
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg
	for _, field := range l.bound {
		entry[field.key] = field.value
	}
	for _, field := range fields {
		entry[field.key] = field.value
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	_, _ = l.out.Write(append(line, '\n'))
	l.mu.Unlock()
	if level == FatalLevel {
		_ = l.Sync()
		os.Exit(1)
	}
}

type contextKey struct{}

// ContextWith stores a logger in the context.
func ContextWith(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the request-scoped logger, or the process fallback.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(contextKey{}).(*Logger); ok && logger != nil {
			return logger
		}
	}
	return L()
}

// TraceHandler wraps next so every request carries a trace identifier: the
// inbound header is honoured when present, echoed on the response, and a
// logger tagged with it rides the request context.
func TraceHandler(base *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get(TraceIDHeader))
		if traceID == "" {
			traceID = newTraceID()
		}
		w.Header().Set(TraceIDHeader, traceID)
		reqLog := base.With(String("trace_id", traceID))
		reqLog.Debug("http request", String("method", r.Method), String("path", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(ContextWith(r.Context(), reqLog)))
	})
}

func newTraceID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("t%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
