// Package obslog provides the scheduler's structured logging primitives.
//
// Every notable state transition the scheduler makes goes through a
// Logger rather than the bare log package, one structured line each,
// so that operators can switch between human-readable text and JSON
// without touching call sites.
package obslog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level is a logging severity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, defaulting to InfoLevel on error.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", name)
	}
}

// Format selects the on-the-wire encoding of log entries.
type Format int

const (
	TextFormat Format = iota
	JSONFormat
)

// Entry is a single emitted log line.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// Config configures a Logger.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	ShowCaller bool
	Component  string
}

// DefaultConfig returns sensible defaults: info level, text format, stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:  InfoLevel,
		Format: TextFormat,
		Output: os.Stdout,
	}
}

// Logger is a leveled, field-aware, concurrency-safe logger.
type Logger struct {
	mu         sync.RWMutex
	level      Level
	format     Format
	output     io.Writer
	showCaller bool
	component  string
}

// New creates a Logger from the given configuration (nil uses DefaultConfig).
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	return &Logger{
		level:      cfg.Level,
		format:     cfg.Format,
		output:     cfg.Output,
		showCaller: cfg.ShowCaller,
		component:  cfg.Component,
	}
}

// WithComponent returns a derived logger tagging every entry with component.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level:      l.level,
		format:     l.format,
		output:     l.output,
		showCaller: l.showCaller,
		component:  component,
	}
}

// SetLevel changes the minimum emitted level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput redirects log output.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *Logger) enabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) emit(level Level, message string, fields map[string]interface{}) {
	if !l.enabled(level) {
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
		Fields:    fields,
	}

	if l.component != "" {
		if entry.Fields == nil {
			entry.Fields = make(map[string]interface{})
		}
		entry.Fields["component"] = l.component
	}

	if l.showCaller {
		if _, file, line, ok := runtime.Caller(3); ok {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}

	var out string
	switch l.format {
	case JSONFormat:
		data, _ := json.Marshal(entry)
		out = string(data) + "\n"
	default:
		out = formatText(entry)
	}

	l.output.Write([]byte(out))
}

func formatText(entry Entry) string {
	parts := []string{
		entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		fmt.Sprintf("[%s]", entry.Level),
	}
	if entry.Caller != "" {
		parts = append(parts, fmt.Sprintf("(%s)", entry.Caller))
	}
	parts = append(parts, entry.Message)
	result := strings.Join(parts, " ")

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		var fieldParts []string
		for _, k := range keys {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", k, entry.Fields[k]))
		}
		result += " [" + strings.Join(fieldParts, " ") + "]"
	}
	return result + "\n"
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) { l.emit(DebugLevel, message, firstOrNil(fields)) }
func (l *Logger) Info(message string, fields ...map[string]interface{})  { l.emit(InfoLevel, message, firstOrNil(fields)) }
func (l *Logger) Warn(message string, fields ...map[string]interface{})  { l.emit(WarnLevel, message, firstOrNil(fields)) }
func (l *Logger) Error(message string, fields ...map[string]interface{}) { l.emit(ErrorLevel, message, firstOrNil(fields)) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.emit(DebugLevel, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Infof(format string, args ...interface{})  { l.emit(InfoLevel, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.emit(WarnLevel, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.emit(ErrorLevel, fmt.Sprintf(format, args...), nil) }

func firstOrNil(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// WithField starts a FieldLogger carrying one key/value pair.
func (l *Logger) WithField(key string, value interface{}) *FieldLogger {
	return &FieldLogger{logger: l, fields: map[string]interface{}{key: value}}
}

// WithFields starts a FieldLogger carrying a copy of fields.
func (l *Logger) WithFields(fields map[string]interface{}) *FieldLogger {
	f := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		f[k] = v
	}
	return &FieldLogger{logger: l, fields: f}
}

// FieldLogger is a Logger plus a fixed set of structured fields, used to
// tag every message emitted through it with task/cycle/flow identity.
type FieldLogger struct {
	logger *Logger
	fields map[string]interface{}
}

func (fl *FieldLogger) Debug(message string) { fl.logger.emit(DebugLevel, message, fl.fields) }
func (fl *FieldLogger) Info(message string)  { fl.logger.emit(InfoLevel, message, fl.fields) }
func (fl *FieldLogger) Warn(message string)  { fl.logger.emit(WarnLevel, message, fl.fields) }
func (fl *FieldLogger) Error(message string) { fl.logger.emit(ErrorLevel, message, fl.fields) }

func (fl *FieldLogger) WithField(key string, value interface{}) *FieldLogger {
	fields := make(map[string]interface{}, len(fl.fields)+1)
	for k, v := range fl.fields {
		fields[k] = v
	}
	fields[key] = value
	return &FieldLogger{logger: fl.logger, fields: fields}
}

// CreateFileOutput opens (creating parent directories as needed) an
// append-mode writer suitable for log/scheduler/log.
func CreateFileOutput(filename string) (io.Writer, error) {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// CreateCombinedOutput writes to stdout and filename simultaneously.
func CreateCombinedOutput(filename string) (io.Writer, error) {
	fileWriter, err := CreateFileOutput(filename)
	if err != nil {
		return nil, err
	}
	return io.MultiWriter(os.Stdout, fileWriter), nil
}
