package wsstream

import (
	"io"

	"github.com/sirupsen/logrus"
)

type logrusLogger struct {
	logrus.FieldLogger
}

// NewLogrusLogger adapts a logrus logger or entry to Logger.
func NewLogrusLogger(l logrus.FieldLogger) Logger {
	return logrusLogger{FieldLogger: l}
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return NewLogrusLogger(l)
}

func defaultLogger() Logger {
	return NewLogrusLogger(logrus.StandardLogger()).WithField("lib", "wsstream")
}

func (l logrusLogger) WithField(key string, value any) Logger {
	return logrusLogger{FieldLogger: l.FieldLogger.WithField(key, value)}
}
