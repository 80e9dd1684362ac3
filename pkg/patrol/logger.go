package patrol

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// Field поле структурированного лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Float(key string, value float64) Field          { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// StructuredLogger интерфейс логирования харнесса.
//
// Компоненты получают дочерние логгеры через WithComponent/WithFields,
// тесты подставляют NoOpLogger.
type StructuredLogger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// logEntry запись лога
type logEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// DefaultLogger реализация StructuredLogger
type DefaultLogger struct {
	mu         sync.RWMutex
	level      LogLevel
	output     io.Writer
	component  string
	fields     map[string]interface{}
	jsonOutput bool
}

// NewDefaultLogger создает логгер с выводом в stdout в текстовом формате
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{
		level:  LogLevelInfo,
		output: os.Stdout,
		fields: make(map[string]interface{}),
	}
}

// NewFileLogger создает логгер с выводом в указанный writer в JSON формате
func NewFileLogger(w io.Writer) *DefaultLogger {
	return &DefaultLogger{
		level:      LogLevelDebug,
		output:     w,
		fields:     make(map[string]interface{}),
		jsonOutput: true,
	}
}

// SetLevel устанавливает минимальный уровень логирования
func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// IsEnabled проверяет, включен ли уровень логирования
func (l *DefaultLogger) IsEnabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *DefaultLogger) child(component string, extra map[string]interface{}) *DefaultLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fields := make(map[string]interface{}, len(l.fields)+len(extra))
	for k, v := range l.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	if component == "" {
		component = l.component
	}
	return &DefaultLogger{
		level:      l.level,
		output:     l.output,
		component:  component,
		fields:     fields,
		jsonOutput: l.jsonOutput,
	}
}

// WithComponent создает логгер с указанным компонентом
func (l *DefaultLogger) WithComponent(component string) StructuredLogger {
	return l.child(component, nil)
}

// WithFields создает логгер с дополнительными полями
func (l *DefaultLogger) WithFields(fields ...Field) StructuredLogger {
	extra := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		extra[f.Key] = f.Value
	}
	return l.child("", extra)
}

func (l *DefaultLogger) Debug(msg string, fields ...Field) { l.log(LogLevelDebug, msg, fields...) }
func (l *DefaultLogger) Info(msg string, fields ...Field)  { l.log(LogLevelInfo, msg, fields...) }
func (l *DefaultLogger) Warn(msg string, fields ...Field)  { l.log(LogLevelWarn, msg, fields...) }
func (l *DefaultLogger) Error(msg string, fields ...Field) { l.log(LogLevelError, msg, fields...) }

func (l *DefaultLogger) log(level LogLevel, msg string, fields ...Field) {
	if !l.IsEnabled(level) {
		return
	}

	entry := logEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
	}

	if len(l.fields) > 0 || len(fields) > 0 {
		entry.Fields = make(map[string]interface{}, len(l.fields)+len(fields))
		for k, v := range l.fields {
			entry.Fields[k] = v
		}
		for _, f := range fields {
			if err, ok := f.Value.(error); ok && f.Key == "error" {
				entry.Error = err.Error()
				continue
			}
			entry.Fields[f.Key] = f.Value
		}
	}

	l.mu.RLock()
	output := l.output
	jsonOutput := l.jsonOutput
	l.mu.RUnlock()

	var line string
	if jsonOutput {
		if data, err := json.Marshal(entry); err == nil {
			line = string(data) + "\n"
		} else {
			line = l.formatSimple(&entry)
		}
	} else {
		line = l.formatSimple(&entry)
	}
	output.Write([]byte(line))
}

func (l *DefaultLogger) formatSimple(entry *logEntry) string {
	var parts []string
	parts = append(parts, entry.Timestamp.Format("2006-01-02 15:04:05.000"))
	parts = append(parts, fmt.Sprintf("[%-5s]", entry.Level))
	if entry.Component != "" {
		parts = append(parts, fmt.Sprintf("[%s]", entry.Component))
	}
	parts = append(parts, entry.Message)
	for k, v := range entry.Fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	if entry.Error != "" {
		parts = append(parts, fmt.Sprintf("error=%s", entry.Error))
	}
	return strings.Join(parts, " ") + "\n"
}

// NoOpLogger логгер-заглушка для тестов
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, fields ...Field)              {}
func (NoOpLogger) Info(msg string, fields ...Field)               {}
func (NoOpLogger) Warn(msg string, fields ...Field)               {}
func (NoOpLogger) Error(msg string, fields ...Field)              {}
func (NoOpLogger) WithComponent(component string) StructuredLogger { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger     { return NoOpLogger{} }
func (NoOpLogger) SetLevel(level LogLevel)                         {}
func (NoOpLogger) IsEnabled(level LogLevel) bool                   { return false }
