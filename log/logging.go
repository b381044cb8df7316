// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

// Package log is the public logging configuration surface. The library logs
// through a process-global logger; hosting applications use this package to
// adjust verbosity or plug in their own logger without importing the
// underlying logging library.
package log // import "github.com/probescope/probescope/log"

import (
	"github.com/sirupsen/logrus"
)

// SetLevel configures the log level of the library's internal logging.
func SetLevel(level logrus.Level) {
	logrus.SetLevel(level)
}

// SetOutput redirects the library's internal logging to the given logger's
// output and formatter settings.
func SetOutput(l *logrus.Logger) {
	std := logrus.StandardLogger()
	std.SetOutput(l.Out)
	std.SetFormatter(l.Formatter)
	std.SetLevel(l.Level)
}
