// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Config controls the logger output.
type Config struct {
	Level  string // trace, debug, info, warn, error
	Format string // json or text
	Output string // stdout, stderr or a file path
}

var (
	standard *logrus.Logger
	once     sync.Once
)

// Standard returns the singleton logger. Defaults to info-level text on
// stdout until Init is called.
func Standard() *logrus.Logger {
	once.Do(func() {
		standard = logrus.New()
		standard.SetOutput(os.Stdout)
	})
	return standard
}

// Init applies cfg to the standard logger and returns a cleanup function
// closing any log file it opened.
func Init(cfg *Config) (func(), error) {
	l := Standard()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	cleanup := func() {}
	switch cfg.Output {
	case "", "stdout":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		l.SetOutput(f)
		cleanup = func() { _ = f.Close() }
	}

	return cleanup, nil
}

// Component returns a logger entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return Standard().WithField("component", name)
}
