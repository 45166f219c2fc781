package logger

import (
	"reflect"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	logrusPackage = "github.com/sirupsen/logrus"
	maxCallerScan = 24
)

// loggerPackage is this package's import path, e.g. "crowdwatch/logger".
var loggerPackage = reflect.TypeOf(callerHook{}).PkgPath()

// callerHook rewrites the reported caller to the first frame outside logrus
// and the wrappers in this package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	if frame, ok := externalCaller(); ok {
		entry.Caller = &frame
	}
	return nil
}

func externalCaller() (runtime.Frame, bool) {
	pcs := make([]uintptr, maxCallerScan)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !isLoggerFrame(frame.Function) {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

// isLoggerFrame matches functions of logrus and of this package, including
// methods such as "crowdwatch/logger.(*Entry).Warn".
func isLoggerFrame(fn string) bool {
	return strings.HasPrefix(fn, logrusPackage+".") ||
		strings.HasPrefix(fn, logrusPackage+"/") ||
		strings.HasPrefix(fn, loggerPackage+".")
}
