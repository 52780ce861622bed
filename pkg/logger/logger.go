// Package logger provides component-scoped structured logging on top of zerolog.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
	FATAL: "fatal",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

var (
	mu      sync.RWMutex
	current = newZerolog(os.Stderr, false)
)

func newZerolog(w io.Writer, jsonOutput bool) zerolog.Logger {
	if !jsonOutput {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// Configure replaces the output sink. JSON output is meant for log shippers;
// the console writer is the default for interactive use.
func Configure(w io.Writer, jsonOutput bool) {
	mu.Lock()
	defer mu.Unlock()
	lvl := current.GetLevel()
	current = newZerolog(w, jsonOutput).Level(lvl)
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	current = current.Level(toZerolog(level))
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	switch current.GetLevel() {
	case zerolog.DebugLevel, zerolog.TraceLevel:
		return DEBUG
	case zerolog.WarnLevel:
		return WARN
	case zerolog.ErrorLevel:
		return ERROR
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return FATAL
	default:
		return INFO
	}
}

// Zerolog returns the underlying logger, scoped to component when non-empty.
func Zerolog(component string) zerolog.Logger {
	mu.RLock()
	l := current
	mu.RUnlock()
	if component == "" {
		return l
	}
	return l.With().Str("component", component).Logger()
}

func toZerolog(level LogLevel) zerolog.Level {
	switch level {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func logMessage(level LogLevel, component, message string, fields map[string]interface{}) {
	l := Zerolog(component)
	var ev *zerolog.Event
	switch level {
	case DEBUG:
		ev = l.Debug()
	case WARN:
		ev = l.Warn()
	case ERROR:
		ev = l.Error()
	case FATAL:
		// Fatal would exit the process; callers decide that themselves.
		ev = l.WithLevel(zerolog.FatalLevel)
	default:
		ev = l.Info()
	}
	if ev == nil {
		return
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)
}

func Debug(message string)             { logMessage(DEBUG, "", message, nil) }
func Info(message string)              { logMessage(INFO, "", message, nil) }
func Warn(message string)              { logMessage(WARN, "", message, nil) }
func Error(message string)             { logMessage(ERROR, "", message, nil) }
func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logMessage(INFO, component, message, nil) }
func WarnC(component, message string)  { logMessage(WARN, component, message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func DebugF(message string, fields map[string]interface{}) {
	logMessage(DEBUG, "", message, fields)
}

func InfoF(message string, fields map[string]interface{}) {
	logMessage(INFO, "", message, fields)
}

func DebugCF(component, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}
