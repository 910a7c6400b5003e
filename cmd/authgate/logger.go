package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/thefixer3x/onasis-authgate/server"
)

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"json", "text"}
)

// utcFormatter forces every emitted record's timestamp to UTC, grounded
// on dex's own utcFormatter in cmd/dex/serve.go.
type utcFormatter struct {
	f logrus.Formatter
}

func (f *utcFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return f.f.Format(e)
}

// newLogger builds the process logger. Unlike dex's cmd/dex/logger.go
// (slog, with a requestContextHandler that reads ctx on every record),
// every other package in this module takes a logrus.FieldLogger, so the
// equivalent here is a logrus.Hook: Fire runs on each entry and, if the
// caller attached a request context via Entry.WithContext, copies
// server.RequestKeyRequestID/RequestKeyRemoteIP into the entry's fields.
func newLogger(level, format string) (*logrus.Logger, error) {
	logLevel, err := logrus.ParseLevel(orDefault(level, "info"))
	if err != nil {
		return nil, fmt.Errorf("log level is not one of the supported values (%s): %s", strings.Join(logLevels, ", "), level)
	}

	var formatter utcFormatter
	switch strings.ToLower(format) {
	case "", "text":
		formatter.f = &logrus.TextFormatter{DisableColors: true}
	case "json":
		formatter.f = &logrus.JSONFormatter{}
	default:
		return nil, fmt.Errorf("log format is not one of the supported values (%s): %s", strings.Join(logFormats, ", "), format)
	}

	logger := &logrus.Logger{
		Out:       os.Stderr,
		Formatter: &formatter,
		Level:     logLevel,
		Hooks:     make(logrus.LevelHooks),
	}
	logger.AddHook(requestContextHook{})
	return logger, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// requestContextHook promotes the request id / remote IP carried on an
// entry's context (set via server's WithRequestID/WithRemoteIP and a
// logger.WithContext(ctx) call on the request path) into log fields.
type requestContextHook struct{}

func (requestContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (requestContextHook) Fire(e *logrus.Entry) error {
	if e.Context == nil {
		return nil
	}
	if id := server.RequestIDFromContext(e.Context); id != "" {
		e.Data[string(server.RequestKeyRequestID)] = id
	}
	if ip := server.RemoteIPFromContext(e.Context); ip != "" {
		e.Data[string(server.RequestKeyRemoteIP)] = ip
	}
	return nil
}
