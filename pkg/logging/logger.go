package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Component names attached to every log line as the "component" field.
const (
	ComponentDrivers  = "drivers"
	ComponentResolver = "resolver"
	ComponentPool     = "pool"
	ComponentSessions = "sessions"
	ComponentHTTP     = "http"
)

// Options controls root logger construction.
type Options struct {
	Level  string
	Format string // json or text
	Output string // file path; empty means stderr
}

// New builds the root logger. The returned closer releases the output file
// and is a no-op when logging to stderr.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()

	level := logrus.InfoLevel
	if strings.TrimSpace(opts.Level) != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, err
		}
		level = parsed
	}
	log.SetLevel(level)

	switch opts.Format {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	default:
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	var closer io.Closer = nopCloser{}
	if opts.Output != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Output), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		log.SetOutput(f)
		closer = f
	} else {
		log.SetOutput(os.Stderr)
	}
	return log, closer, nil
}

// NewNullLogger returns a logger whose output is discarded.
func NewNullLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// For returns a child logger tagged with the component name. A nil parent
// yields a discarding logger so components can be built without one.
func For(parent logrus.FieldLogger, component string) logrus.FieldLogger {
	if parent == nil {
		parent = NewNullLogger()
	}
	return parent.WithField("component", component)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
