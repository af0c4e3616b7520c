// Package logx wraps logrus with the key/value logging style used
// throughout wb-connection-manager.
package logx

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger provides structured logging with a fixed component field.
type Logger struct {
	log       *logrus.Logger
	component string

	// Repeat suppression for per-connection state messages.
	lastMsgMu sync.Mutex
	lastMsg   map[string]string
}

// NewLogger creates a logger for the given level and component name.
// Unknown levels fall back to info.
func NewLogger(level, component string) *Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	log.SetLevel(parseLevel(level))

	return &Logger{
		log:       log,
		component: component,
		lastMsg:   make(map[string]string),
	}
}

// SetLevel changes the log level at runtime.
func (l *Logger) SetLevel(level string) {
	l.log.SetLevel(parseLevel(level))
}

// Verbose reports whether debug logging is enabled.
func (l *Logger) Verbose() bool {
	return l.log.IsLevelEnabled(logrus.DebugLevel)
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// fields converts variadic key/value pairs into logrus fields. A
// single map argument is accepted as-is, matching both call styles
// used in the codebase.
func (l *Logger) fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	if l.component != "" {
		f["component"] = l.component
	}
	if len(kv) == 1 {
		if m, ok := kv[0].(map[string]interface{}); ok {
			for k, v := range m {
				f[k] = v
			}
			return f
		}
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}

func (l *Logger) Trace(msg string, kv ...interface{}) {
	l.log.WithFields(l.fields(kv)).Trace(msg)
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.log.WithFields(l.fields(kv)).Debug(msg)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.log.WithFields(l.fields(kv)).Info(msg)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.log.WithFields(l.fields(kv)).Warn(msg)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.log.WithFields(l.fields(kv)).Error(msg)
}

// InfoState logs an info message tagged with a connection id,
// suppressing consecutive repeats of the same message for the same
// connection unless debug logging is enabled. Keeps the steady-state
// "connection is active" line from flooding the log every cycle.
func (l *Logger) InfoState(cnID, msg string, kv ...interface{}) {
	if !l.Verbose() {
		l.lastMsgMu.Lock()
		last, seen := l.lastMsg[cnID]
		l.lastMsg[cnID] = msg
		l.lastMsgMu.Unlock()
		if seen && last == msg {
			return
		}
	}
	args := append([]interface{}{"cn_id", cnID}, kv...)
	l.log.WithFields(l.fields(args)).Info(msg)
}
