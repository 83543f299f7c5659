// Package log provides loggers for dataflow executors.
package log

import (
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// DebugEnv is the environment variable that enables debug level.
const DebugEnv = "DATAFLOW_DEBUG"

var debug bool

// Logger is the interface accepted by executors.
type Logger = logrus.FieldLogger

func init() {
	var err error
	debug, err = strconv.ParseBool(os.Getenv(DebugEnv))
	if err != nil {
		debug = false
	}
}

// GetLogger returns a new logger instance.
func GetLogger() *logrus.Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// Discard returns logger that drops all entries. Executors use it when
// no logger is provided.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// Debug reports whether debug level is enabled by environment.
func Debug() bool {
	return debug
}

// OrDiscard returns provided logger or the discarding one if it's nil.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// Executor returns logger with the executor kind and id fields.
func Executor(l Logger, kind, id string) Logger {
	return OrDiscard(l).WithFields(logrus.Fields{
		"executor": kind,
		kind:       id,
	})
}
