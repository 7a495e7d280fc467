package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel controls which messages a JSONLogger emits
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// ParseLogLevel converts a level name to a LogLevel, defaulting to info
func ParseLogLevel(level string) LogLevel {
	switch level {
	case "debug":
		return LogDebug
	case "warn", "warning":
		return LogWarn
	case "error":
		return LogError
	default:
		return LogInfo
	}
}

// JSONLogger writes structured log lines as JSON objects, one per line.
// It is safe for concurrent use and is the production implementation of
// the Logger interface.
type JSONLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     LogLevel
	component string
}

// NewJSONLogger creates a logger writing to stdout at the given level
func NewJSONLogger(level string, component string) *JSONLogger {
	return &JSONLogger{
		out:       os.Stdout,
		level:     ParseLogLevel(level),
		component: component,
	}
}

// NewJSONLoggerWithWriter creates a logger with a custom output writer
func NewJSONLoggerWithWriter(out io.Writer, level LogLevel, component string) *JSONLogger {
	return &JSONLogger{
		out:       out,
		level:     level,
		component: component,
	}
}

func (l *JSONLogger) log(level LogLevel, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		// Errors do not marshal to useful JSON; flatten them here
		if err, ok := v.(error); ok {
			entry[k] = err.Error()
			continue
		}
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = levelName
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Marshal failures fall back to a plain line rather than dropping the event
		data = []byte(fmt.Sprintf(`{"level":%q,"message":%q,"marshal_error":%q}`, levelName, msg, err.Error()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LogDebug, "debug", msg, fields)
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LogInfo, "info", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LogWarn, "warn", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogError, "error", msg, fields)
}

// WithComponent returns a copy of the logger attributed to another component
func (l *JSONLogger) WithComponent(component string) *JSONLogger {
	return &JSONLogger{
		out:       l.out,
		level:     l.level,
		component: component,
	}
}
