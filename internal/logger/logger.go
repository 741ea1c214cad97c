// Package logger provides context-aware structured logging
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const fieldsKey contextKey = "logger_fields"

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Config configures the process-wide logger
type Config struct {
	Level  string
	Format string // "text" or "json"
	File   string // rotating log file, empty for stderr
}

// Setup initializes the logging system
func Setup(cfg Config) error {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}
	base.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	if cfg.File != "" {
		base.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	} else {
		base.SetOutput(os.Stderr)
	}

	return nil
}

// SetOutput redirects log output, mainly so the TUI can keep the terminal
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// WithField returns a context whose log entries carry key=value
func WithField(ctx context.Context, key string, value any) context.Context {
	return WithFields(ctx, logrus.Fields{key: value})
}

// WithFields returns a context whose log entries carry the given fields
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	merged := logrus.Fields{}
	if existing, ok := ctx.Value(fieldsKey).(logrus.Fields); ok {
		for k, v := range existing {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	return context.WithValue(ctx, fieldsKey, merged)
}

// GetLogger returns an entry carrying the fields stored in ctx
func GetLogger(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return logrus.NewEntry(base)
	}
	if fields, ok := ctx.Value(fieldsKey).(logrus.Fields); ok {
		return base.WithFields(fields)
	}
	return logrus.NewEntry(base)
}

// Debugf logs a formatted debug message
func Debugf(ctx context.Context, format string, args ...any) {
	GetLogger(ctx).Debugf(format, args...)
}

// Info logs an info message
func Info(ctx context.Context, args ...any) {
	GetLogger(ctx).Info(args...)
}

// Infof logs a formatted info message
func Infof(ctx context.Context, format string, args ...any) {
	GetLogger(ctx).Infof(format, args...)
}

// Warnf logs a formatted warning
func Warnf(ctx context.Context, format string, args ...any) {
	GetLogger(ctx).Warnf(format, args...)
}

// Errorf logs a formatted error
func Errorf(ctx context.Context, format string, args ...any) {
	GetLogger(ctx).Errorf(format, args...)
}

// ErrorWithFields logs err with extra structured fields
func ErrorWithFields(ctx context.Context, err error, fields logrus.Fields) {
	GetLogger(ctx).WithFields(fields).WithError(err).Error(err.Error())
}
