// Package logger wraps logrus with the field conventions every kernel and
// the Stage-0 loader log under: component=<kernel-name>, span_id, tenant_id,
// trace_id (SPEC_FULL.md §A "Logging"). Grounded on the teacher's
// pkg/logger.Logger — a thin struct embedding *logrus.Logger with a JSON
// formatter in production and a text formatter with full timestamps
// otherwise.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger so call sites can use either the embedded
// logrus API or the WithField/WithFields convenience methods.
type Logger struct {
	*logrus.Logger
}

// Config controls formatter and level selection.
type Config struct {
	Level       string // logrus level name; defaults to "info" if unparseable
	Environment string // "production" selects the JSON formatter
}

// New builds a Logger per cfg.
func New(cfg Config) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Environment, "production") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{Logger: l}
}

// NewDefault builds an info-level, text-formatted Logger for call sites that
// don't carry a full Config (tests, one-off CLI tools). The component
// argument is not attached to the Logger; entries carry a component tag only
// when logged through Component(name).
func NewDefault(component string) *Logger {
	l := New(Config{Level: "info"})
	return &Logger{Logger: l.Logger}
}

// Component returns an entry pre-tagged with component=name, the
// granularity every kernel and Stage-0 log at (SPEC_FULL.md §A).
func (l *Logger) Component(name string) *logrus.Entry {
	return l.WithField("component", name)
}

// WithField returns a new log entry with a field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new log entry with multiple fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
