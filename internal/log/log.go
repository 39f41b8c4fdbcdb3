// Package log is the logging facade used across layers. It wraps logrus behind
// a small interface and formats entries with a configurable pattern.
package log

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

type holder struct{ Logger }

var (
	once    sync.Once
	current atomic.Pointer[holder]
	output  *MultiWriter

	fallbackOnce sync.Once
	fallback     Logger
)

// GetLogger returns the global logger. Before Init it returns an info level
// logger writing to stdout.
func GetLogger() Logger {
	if h := current.Load(); h != nil {
		return h.Logger
	}
	fallbackOnce.Do(func() {
		fallback = newLogrusLogger(Config{}, os.Stdout)
	})
	return fallback
}

// Init configures the global logger. Only the first call has an effect.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		out := NewMultiWriter().Add(os.Stdout)
		if cfg.File.Enabled {
			if _, err = out.AddRotatingFile(cfg.File); err != nil {
				return
			}
		}
		var l Logger
		l, err = New(cfg, out)
		if err != nil {
			return
		}
		output = out
		current.Store(&holder{l})
	})
	return err
}

// Close releases file appenders opened by Init.
func Close() error {
	if output == nil {
		return nil
	}
	return output.Close()
}

// New builds a standalone logger writing to out.
func New(cfg Config, out io.Writer) (Logger, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newLogrusLogger(cfg, out), nil
}
