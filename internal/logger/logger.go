// Package logger builds the logrus loggers used across the project.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to stderr at the given verbosity
// (trace, debug, info, warn, error).
func New(verbosity string) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(verbosity)
	if err != nil {
		return nil, fmt.Errorf("invalid verbosity %q: %w", verbosity, err)
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	return log, nil
}

// Default returns an info-level logger for components that were not
// handed one.
func Default() *logrus.Logger {
	log, _ := New("info")
	return log
}
