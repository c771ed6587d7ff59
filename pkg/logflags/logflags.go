// Package logflags configures the per-layer debug loggers of rvld.
package logflags

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var gc = false
var input = false
var layout = false

var out io.Writer = os.Stderr

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.PanicLevel
	}
	return logger.WithFields(fields)
}

// GC returns true if the section garbage collector should log.
func GC() bool {
	return gc
}

// GCLogger returns a logger for the --gc-sections passes.
func GCLogger() *logrus.Entry {
	return makeLogger(gc, logrus.Fields{"layer": "gc"})
}

// Input returns true if file ingestion should log.
func Input() bool {
	return input
}

// InputLogger returns a logger for reading object files and archives.
func InputLogger() *logrus.Entry {
	return makeLogger(input, logrus.Fields{"layer": "input"})
}

// Layout returns true if output layout should log.
func Layout() bool {
	return layout
}

// LayoutLogger returns a logger for section layout and output writing.
func LayoutLogger() *logrus.Entry {
	return makeLogger(layout, logrus.Fields{"layer": "layout"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr and
// redirects log output to dest when it is not empty.
func Setup(logFlag bool, logstr string, dest string) error {
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if dest != "" {
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return errors.Wrapf(err, "could not open log destination %s", dest)
		}
		out = f
	}
	if logstr == "" {
		logstr = "gc"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "gc":
			gc = true
		case "input":
			input = true
		case "layout":
			layout = true
		}
	}
	return nil
}

// SetOutput redirects every logger created afterwards to w.
func SetOutput(w io.Writer) {
	out = w
}
