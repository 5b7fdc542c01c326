package logger

import (
	"context"

	"github.com/sirupsen/logrus"
)

type contextKey string

const loggerContextKey contextKey = "logger.fields"

var defaultLogger = logrus.New()

// SetLevel adjusts the default logger's level.
func SetLevel(level logrus.Level) {
	defaultLogger.SetLevel(level)
}

// SetFormatter adjusts the default logger's formatter.
func SetFormatter(f logrus.Formatter) {
	defaultLogger.SetFormatter(f)
}

// For returns a log entry carrying any fields attached to ctx. A nil context is
// allowed and returns a bare entry.
func For(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return logrus.NewEntry(defaultLogger)
	}
	if fields, ok := ctx.Value(loggerContextKey).(logrus.Fields); ok {
		return defaultLogger.WithFields(fields)
	}
	return logrus.NewEntry(defaultLogger)
}

// NewContextWithFields returns a context whose log entries include the given
// fields, merged over any fields already present.
func NewContextWithFields(ctx context.Context, fields logrus.Fields) context.Context {
	merged := logrus.Fields{}
	if existing, ok := ctx.Value(loggerContextKey).(logrus.Fields); ok {
		for k, v := range existing {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	return context.WithValue(ctx, loggerContextKey, merged)
}
