package logger

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. It is usable before Init so packages
// and tests can log without wiring.
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

// Init replaces Logger with a fresh instance at the given level.
// Unknown levels fall back to info.
func Init(level string) {
	l := newLogger()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	Logger = l
	if err != nil && level != "" {
		Logger.WithField("level", level).Warn("Unknown log level, using info")
	}
}

// SetOutput redirects log output; tests use it to silence or capture logs
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// WithComponent returns an entry tagged with the emitting component
func WithComponent(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
