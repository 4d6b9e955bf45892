// Package clog provides conditional, structured logging shared by every node
// role. Output is conditionally enabled (Printf) or always emitted (Errorf),
// in the manner of the node engine's original logger, but backed by logrus so
// output can be scraped as JSON in production.
package clog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var enabled = false

// Enable turns on conditional log output (the -l flag on every cmd/* binary).
func Enable() {
	enabled = true
}

// Enabled reports whether conditional output is currently turned on.
func Enabled() bool {
	return enabled
}

// Configure sets the process-wide logrus formatter and level. json selects
// the JSON formatter used in production; otherwise a human-readable text
// formatter is used, matching local/dev runs.
func Configure(json bool, level logrus.Level) {
	logrus.SetLevel(level)
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stderr)
}

// A CLogger logs through a logrus.Entry carrying fixed fields (e.g. role,
// id) attached once at construction time. Printf only emits when
// Enable has been called; Errorf always emits. This mirrors the node
// engine's conditional-logger contract while giving every log line
// structured fields for downstream aggregation.
type CLogger struct {
	entry *logrus.Entry
}

// New creates a CLogger carrying the given structured fields.
func New(fields logrus.Fields) *CLogger {
	return &CLogger{entry: logrus.WithFields(fields)}
}

// Printf logs at info level conditionally, i.e. only if Enable has been
// called (typically via the -l command line flag).
func (c *CLogger) Printf(format string, a ...any) {
	if !enabled {
		return
	}
	c.entry.Infof(format, a...)
}

// Errorf logs at error level unconditionally.
func (c *CLogger) Errorf(format string, a ...any) {
	c.entry.Errorf(format, a...)
}

// WithField returns a derived CLogger carrying one additional field, useful
// for per-job or per-peer log lines (e.g. job guid).
func (c *CLogger) WithField(key string, value any) *CLogger {
	return &CLogger{entry: c.entry.WithField(key, value)}
}
