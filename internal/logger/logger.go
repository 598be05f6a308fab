// Package logger provides leveled structured logging.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a set of structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// FileConfig enables rotating file output next to stderr.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

var (
	defaultLogger = newLogger(os.Stderr)
	rotator       *lumberjack.Logger
)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
	return l
}

// Init initializes the default logger with the specified level and format.
func Init(level string, format string) {
	InitWithFile(level, format, FileConfig{})
}

// InitWithFile is Init plus optional rotating file output.
func InitWithFile(level string, format string, file FileConfig) {
	l := newLogger(os.Stderr)

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.ToLower(format) == "json" {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	}

	rotator = nil
	if file.Path != "" {
		rotator = &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxAge:     file.MaxAgeDays,
			MaxBackups: file.MaxBackups,
			Compress:   true,
		}
		l.SetOutput(io.MultiWriter(os.Stderr, rotator))
	}

	defaultLogger = l
}

// SetOutput redirects the default logger. Used by tests.
func SetOutput(w io.Writer) {
	defaultLogger.SetOutput(w)
}

// Rotate closes the current log file and starts a new one. No-op without file output.
func Rotate() error {
	if rotator == nil {
		return nil
	}
	return rotator.Rotate()
}

// Entry is a log line builder carrying structured fields.
type Entry struct {
	entry *logrus.Entry
}

// WithFields starts a structured log line.
func WithFields(fields Fields) *Entry {
	return &Entry{entry: defaultLogger.WithFields(logrus.Fields(fields))}
}

// WithError starts a log line carrying err.
func WithError(err error) *Entry {
	return &Entry{entry: defaultLogger.WithError(err)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{entry: e.entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{entry: e.entry.WithError(err)}
}

func (e *Entry) Debug(format string, args ...interface{}) { e.entry.Debugf(format, args...) }
func (e *Entry) Info(format string, args ...interface{})  { e.entry.Infof(format, args...) }
func (e *Entry) Warn(format string, args ...interface{})  { e.entry.Warnf(format, args...) }
func (e *Entry) Error(format string, args ...interface{}) { e.entry.Errorf(format, args...) }

func Debug(format string, args ...interface{}) {
	defaultLogger.Debugf(format, args...)
}

func Info(format string, args ...interface{}) {
	defaultLogger.Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	defaultLogger.Errorf(format, args...)
}

func Fatal(format string, args ...interface{}) {
	defaultLogger.Log(logrus.FatalLevel, fmt.Sprintf(format, args...))
	os.Exit(1)
}
