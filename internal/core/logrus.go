package core

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LogrusLogger adapts a logrus logger to Logger. Key/value arguments become
// entry fields; a trailing key without a value is kept under "extra".
type LogrusLogger struct {
	entry logrus.FieldLogger
}

// NewLogrusLogger wraps l. A nil logger uses the logrus standard logger.
func NewLogrusLogger(l logrus.FieldLogger) *LogrusLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &LogrusLogger{entry: l}
}

func (l *LogrusLogger) with(args []any) logrus.FieldLogger {
	if len(args) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			fields["extra"] = args[i]
			break
		}
		fields[fmt.Sprint(args[i])] = args[i+1]
	}
	return l.entry.WithFields(fields)
}

// Debug implements Logger.
func (l *LogrusLogger) Debug(msg string, args ...any) { l.with(args).Debug(msg) }

// Info implements Logger.
func (l *LogrusLogger) Info(msg string, args ...any) { l.with(args).Info(msg) }

// Warn implements Logger.
func (l *LogrusLogger) Warn(msg string, args ...any) { l.with(args).Warn(msg) }

// Error implements Logger.
func (l *LogrusLogger) Error(msg string, args ...any) { l.with(args).Error(msg) }
