package logx

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a component-scoped structured logger. Call sites pass
// alternating key/value pairs after the message.
type Logger struct {
	backend   *logrus.Logger
	component string
}

// NewLogger creates a logger for the named component. Level is one of
// trace, debug, info, warn, error (case-insensitive); unknown values
// fall back to info.
func NewLogger(level, component string) *Logger {
	backend := logrus.New()
	backend.SetOutput(os.Stdout)
	backend.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	backend.SetLevel(parseLevel(level))

	return &Logger{backend: backend, component: component}
}

// SetLevel changes the log level at runtime (SIGHUP reload path).
func (l *Logger) SetLevel(level string) {
	l.backend.SetLevel(parseLevel(level))
}

// WithComponent returns a logger sharing the backend under a new component
// name, so subsystems can be told apart in the output.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{backend: l.backend, component: component}
}

func (l *Logger) Trace(msg string, keysAndValues ...interface{}) {
	l.log(logrus.TraceLevel, msg, keysAndValues)
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(logrus.DebugLevel, msg, keysAndValues)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.log(logrus.InfoLevel, msg, keysAndValues)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(logrus.WarnLevel, msg, keysAndValues)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.log(logrus.ErrorLevel, msg, keysAndValues)
}

func (l *Logger) log(level logrus.Level, msg string, keysAndValues []interface{}) {
	if !l.backend.IsLevelEnabled(level) {
		return
	}
	fields := logrus.Fields{"component": l.component}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = "arg"
		}
		fields[key] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 != 0 {
		fields["extra"] = keysAndValues[len(keysAndValues)-1]
	}
	l.backend.WithFields(fields).Log(level, msg)
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
