package logflags

import (
	"github.com/sirupsen/logrus"
)

// Logger is the logging surface used by the extraction layers.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithError(err error) Logger

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Fields are attached to every entry of a layer logger.
type Fields map[string]interface{}

type entry struct {
	*logrus.Entry
}

func (e entry) WithField(key string, value interface{}) Logger {
	return entry{e.Entry.WithField(key, value)}
}

func (e entry) WithError(err error) Logger {
	return entry{e.Entry.WithError(err)}
}
