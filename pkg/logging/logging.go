// Package logging builds the shared logger used across the store. Every
// component takes a *logrus.Logger so tests can inject a quiet one.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing human-readable output to stderr.
func New(level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return log
}

// Discard returns a logger that drops everything. Used by tests and as the
// fallback when a component is handed a nil logger.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// OrDiscard returns log unchanged, or a discarding logger when log is nil.
func OrDiscard(log *logrus.Logger) *logrus.Logger {
	if log == nil {
		return Discard()
	}
	return log
}
