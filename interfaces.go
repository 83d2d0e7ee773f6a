package redisserver

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// Logger interface for custom logging implementations
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// MetricsCollector interface for metrics collection
type MetricsCollector interface {
	// RecordSyncDuration records the time a replica spent on a full resync
	RecordSyncDuration(duration time.Duration)

	// RecordCommandProcessed records a processed command with its duration
	RecordCommandProcessed(cmd string, duration time.Duration)

	// RecordNetworkBytes records replication stream bytes sent or received
	RecordNetworkBytes(bytes int64)

	// RecordReconnection records a replica reconnecting to its master
	RecordReconnection()

	// RecordError records an error event
	RecordError(errorType string)
}

// LogLevel orders log severities
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelError
)

// ParseLogLevel parses "debug", "info" or "error"
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, s)
}

// NewStdLogger returns a Logger writing through the standard log package,
// dropping messages below level
func NewStdLogger(level LogLevel) Logger {
	return &defaultLogger{level: level}
}

// defaultLogger is a simple logger implementation using the standard log package
type defaultLogger struct {
	level LogLevel
}

func (l *defaultLogger) Debug(msg string, fields ...Field) {
	l.logWithFields(LevelDebug, "DEBUG", msg, fields...)
}

func (l *defaultLogger) Info(msg string, fields ...Field) {
	l.logWithFields(LevelInfo, "INFO", msg, fields...)
}

func (l *defaultLogger) Error(msg string, fields ...Field) {
	l.logWithFields(LevelError, "ERROR", msg, fields...)
}

func (l *defaultLogger) logWithFields(level LogLevel, name, msg string, fields ...Field) {
	if level < l.level {
		return
	}
	logMsg := name + ": " + msg
	for _, field := range fields {
		logMsg += " " + field.Key + "=" + formatValue(field.Value)
	}
	log.Println(logMsg)
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", val)
	}
}
