// Package log provides the package-wide structured logger used by every
// component in the reactor core, so that event-loop, connection and timer
// diagnostics share one sink and one format.
package log

import "go.uber.org/zap"

var logger = newDefault()

func newDefault() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

// SetLogger replaces the package-wide logger. Intended for tests and for
// hosts embedding the reactor core that want their own zap configuration.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		logger = l
	}
}

// L returns the current package-wide logger.
func L() *zap.SugaredLogger {
	return logger
}

func Debugf(format string, args ...interface{}) { logger.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { logger.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { logger.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { logger.Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { logger.Fatalf(format, args...) }
