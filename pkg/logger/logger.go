// Package logger provides a thin structured-logging wrapper around logrus.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger so call sites depend on this package, not
// logrus directly.
type Logger struct {
	*logrus.Logger
}

// Config controls level, format, and destination.
type Config struct {
	Level      string
	Format     string // "json" or "text"
	Output     string // "stdout" or "file"
	FilePrefix string
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "workflow-engine"
		}
		if err := os.MkdirAll("logs", 0o755); err != nil {
			log.Errorf("create log dir: %v", err)
			break
		}
		f, err := os.OpenFile(filepath.Join("logs", prefix+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Errorf("open log file: %v", err)
			break
		}
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	default:
		log.SetOutput(os.Stdout)
	}

	return &Logger{Logger: log}
}

// NewDefault returns a Logger with sane development defaults.
func NewDefault() *Logger {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	return &Logger{Logger: log}
}

// WithField returns a log entry carrying one field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a log entry carrying several fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
