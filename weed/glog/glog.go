// Package glog is the leveled logger used across the filter. It keeps the
// seaweedfs call shape (glog.V(n).Infof, glog.Warningf, ...) on top of
// github.com/golang/glog, and adds request-id aware variants in glog_ctx.go.
package glog

import (
	"fmt"

	"github.com/golang/glog"
)

// Level is a verbosity level, as set by the -v flag.
type Level int32

// Verbose is returned by V and guards info logging.
type Verbose bool

// V reports whether verbosity at the call site is at least the requested level.
func V(level Level) Verbose {
	return Verbose(glog.V(glog.Level(level)))
}

func (v Verbose) Info(args ...interface{}) {
	if v {
		glog.InfoDepth(1, args...)
	}
}

func (v Verbose) Infoln(args ...interface{}) {
	if v {
		glog.InfoDepth(1, fmt.Sprintln(args...))
	}
}

func (v Verbose) Infof(format string, args ...interface{}) {
	if v {
		glog.InfoDepth(1, fmt.Sprintf(format, args...))
	}
}

func Info(args ...interface{}) {
	glog.InfoDepth(1, args...)
}

func Infof(format string, args ...interface{}) {
	glog.InfoDepth(1, fmt.Sprintf(format, args...))
}

func Warning(args ...interface{}) {
	glog.WarningDepth(1, args...)
}

func Warningf(format string, args ...interface{}) {
	glog.WarningDepth(1, fmt.Sprintf(format, args...))
}

func Error(args ...interface{}) {
	glog.ErrorDepth(1, args...)
}

func Errorf(format string, args ...interface{}) {
	glog.ErrorDepth(1, fmt.Sprintf(format, args...))
}

// Fatalf logs to the FATAL log and exits the process.
func Fatalf(format string, args ...interface{}) {
	glog.FatalDepth(1, fmt.Sprintf(format, args...))
}

// Flush writes any buffered log lines.
func Flush() {
	glog.Flush()
}
