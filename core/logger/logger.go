package logger

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// Type for the context keys
type contextKeySessionLoggerType struct{}

var contextKeySessionLogger = &contextKeySessionLoggerType{}

const deviceLoggerKey string = "device"

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	logrus.SetFormatter(customFormatter)
	customFormatter.FullTimestamp = true
	logrus.SetLevel(logLevel)
}

// SetOutput redirects all log statements to w, typically a log file. The
// terminal belongs to the UI layer, logging to stderr would corrupt the
// screen.
func SetOutput(w io.Writer) {
	logrus.SetOutput(w)
}

// Default returns a logger without device scope.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ForDevice returns a logger scoped to the given device id.
func ForDevice(deviceID string) *logrus.Entry {
	return logrus.WithField(deviceLoggerKey, deviceID)
}

// ContextWithLogger returns a new context carrying a device-scoped logger if
// the given context has none yet. If the context already has a logger the
// given context is returned unchanged.
func ContextWithLogger(ctx context.Context, deviceID string) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else {
		rlog := loggerFromContext(ctx)
		if rlog != nil {
			return ctx, rlog
		}
	}
	rlog := ForDevice(deviceID)
	return context.WithValue(ctx, contextKeySessionLogger, rlog), rlog
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, ok := ctx.Value(contextKeySessionLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// FromContext returns the logger from the context. If the context does not
// have a logger a new default logger is returned.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return rlog
}
