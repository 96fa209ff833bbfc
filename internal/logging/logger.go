/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package logging provides component loggers for the stream client.

Records are written through log/slog handlers, as text by default or as
JSON when enabled. Level, output and format are process-wide and can be
changed at any time; existing loggers pick up the change on their next
call.

	log := logging.NewLogger("producer").With("stream", "orders")
	log.Info("Publisher declared", "publisher_id", 3)
*/
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level represents the severity of a log message.
type Level int

const (
	// DEBUG level for detailed debugging information.
	DEBUG Level = iota
	// INFO level for general operational information.
	INFO
	// WARN level for warning conditions.
	WARN
	// ERROR level for error conditions.
	ERROR
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level. Unknown values mean INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config holds logger configuration options.
type Config struct {
	Level    Level
	Output   io.Writer
	JSONMode bool
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:    INFO,
		Output:   os.Stdout,
		JSONMode: false,
	}
}

var (
	globalMu      sync.RWMutex
	globalConfig  = DefaultConfig()
	globalLevel   = new(slog.LevelVar)
	globalHandler = buildHandler(globalConfig)
)

// renameKeys gives records the field names used across our log pipeline.
func renameKeys(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		a.Key = "timestamp"
		a.Value = slog.TimeValue(a.Value.Time().UTC())
	case slog.MessageKey:
		a.Key = "message"
	}
	return a
}

func buildHandler(cfg Config) slog.Handler {
	globalLevel.Set(cfg.Level.slogLevel())
	opts := &slog.HandlerOptions{Level: globalLevel, ReplaceAttr: renameKeys}
	if cfg.JSONMode {
		return slog.NewJSONHandler(cfg.Output, opts)
	}
	return slog.NewTextHandler(cfg.Output, opts)
}

// Configure replaces the process-wide configuration.
func Configure(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = cfg
	globalHandler = buildHandler(cfg)
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig.Level = level
	globalLevel.Set(level.slogLevel())
}

// SetGlobalOutput sets the global log output.
func SetGlobalOutput(w io.Writer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig.Output = w
	globalHandler = buildHandler(globalConfig)
}

// SetJSONMode enables or disables JSON output mode.
func SetJSONMode(enabled bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig.JSONMode = enabled
	globalHandler = buildHandler(globalConfig)
}

func currentHandler() slog.Handler {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHandler
}

// Logger is a component-scoped structured logger.
type Logger struct {
	component string
	attrs     []any
}

// NewLogger creates a new Logger for the specified component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// With returns a logger that adds the given key-value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	attrs := make([]any, 0, len(l.attrs)+len(args))
	attrs = append(attrs, l.attrs...)
	attrs = append(attrs, args...)
	return &Logger{component: l.component, attrs: attrs}
}

// Slog returns the logger as a *slog.Logger bound to the current handler.
func (l *Logger) Slog() *slog.Logger {
	return slog.New(currentHandler()).With("component", l.component).With(l.attrs...)
}

// Enabled reports whether records at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return currentHandler().Enabled(context.Background(), level.slogLevel())
}

func (l *Logger) log(level Level, msg string, args ...any) {
	h := currentHandler()
	if !h.Enabled(context.Background(), level.slogLevel()) {
		return
	}
	slog.New(h).Log(context.Background(), level.slogLevel(), msg,
		append(append([]any{"component", l.component}, l.attrs...), args...)...)
}

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(DEBUG, msg, args...)
}

// Info logs a message at INFO level.
func (l *Logger) Info(msg string, args ...any) {
	l.log(INFO, msg, args...)
}

// Warn logs a message at WARN level.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(WARN, msg, args...)
}

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string, args ...any) {
	l.log(ERROR, msg, args...)
}
