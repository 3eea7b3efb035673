// Package logging owns process-wide log configuration and the printf-style
// helpers used across peerwire.
package logging

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	current.Store(&l)
}

func setLogger(l zerolog.Logger) {
	current.Store(&l)
}

// Logger returns the configured zerolog logger.
func Logger() zerolog.Logger {
	return *current.Load()
}

func Tracef(format string, args ...any) { emit(zerolog.TraceLevel, format, args...) }
func Debugf(format string, args ...any) { emit(zerolog.DebugLevel, format, args...) }
func Infof(format string, args ...any)  { emit(zerolog.InfoLevel, format, args...) }
func Warnf(format string, args ...any)  { emit(zerolog.WarnLevel, format, args...) }
func Errf(format string, args ...any)   { emit(zerolog.ErrorLevel, format, args...) }

// Logf writes at info level without a level-specific prefix; tests use it for narration.
func Logf(format string, args ...any) {
	l := current.Load()
	l.Log().Msg(fmt.Sprintf(format, args...))
}

func emit(level zerolog.Level, format string, args ...any) {
	l := current.Load()
	if e := l.WithLevel(level); e != nil {
		e.Msg(fmt.Sprintf(format, args...))
	}
}
