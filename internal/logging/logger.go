// Package logging provides structured logging with trace-id propagation,
// grounded on the teacher's infrastructure/logging and pkg/logger packages:
// a thin wrapper around *logrus.Logger with a context-carried trace id.
package logging

import (
	"context"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ctxKey is the type for context keys used by this package.
type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	accountKey ctxKey = "account_id"
)

// Logger wraps logrus.Logger with the service name attached to every entry.
type Logger struct {
	*logrus.Logger
	service string
}

// Config controls level, format, and output destination.
type Config struct {
	Level  string
	Format string // "json" or "text"
	Output string // "stdout" or "file"
	File   string
}

// New builds a Logger for the given service name.
func New(service string, cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.ToLower(cfg.Format) == "json" {
		l.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if strings.ToLower(cfg.Output) == "file" && cfg.File != "" {
		if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			l.SetOutput(f)
		} else {
			l.SetOutput(os.Stdout)
			l.WithError(err).Warn("failed to open log file, falling back to stdout")
		}
	} else {
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l, service: service}
}

// NewDefault returns a logger with sane development defaults.
func NewDefault(service string) *Logger {
	return New(service, Config{Level: "info", Format: "text", Output: "stdout"})
}

// WithContext attaches trace id / account id fields carried on ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.WithField("service", l.service)
	if tid, ok := ctx.Value(traceIDKey).(string); ok && tid != "" {
		entry = entry.WithField("trace_id", tid)
	}
	if acc, ok := ctx.Value(accountKey).(string); ok && acc != "" {
		entry = entry.WithField("account_id", acc)
	}
	return entry
}

// WithTraceID returns a derived context carrying a trace id, generating one
// if ctx does not already carry one.
func WithTraceID(ctx context.Context) (context.Context, string) {
	if tid, ok := ctx.Value(traceIDKey).(string); ok && tid != "" {
		return ctx, tid
	}
	tid := uuid.NewString()
	return context.WithValue(ctx, traceIDKey, tid), tid
}

// WithAccountID annotates ctx with an account id for downstream logging.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey, accountID)
}

// WithField returns a log entry with a single field, never logging secret
// material (callers must not pass key material as a field value).
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a log entry with multiple fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
