package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger for tests. Output is discarded unless TEST_LOGS
// is set, 2 turns on debug and 3 trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true}

	switch os.Getenv("TEST_LOGS") {
	case "":
		l.SetOutput(io.Discard)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}
