package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thefixer3x/onasis-authgate/server"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger, err := newLogger("", "")
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.Level)
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, err := newLogger("noisy", "")
	require.Error(t, err)
}

func TestNewLoggerInvalidFormat(t *testing.T) {
	_, err := newLogger("info", "xml")
	require.Error(t, err)
}

func TestNewLoggerJSONFormat(t *testing.T) {
	logger, err := newLogger("debug", "json")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.Level)
	assert.IsType(t, &utcFormatter{}, logger.Formatter)
}

func TestRequestContextHookInjectsFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("info", "json")
	require.NoError(t, err)
	logger.Out = &buf

	ctx := server.WithRequestID(context.Background())
	ctx = server.WithRemoteIP(ctx, "203.0.113.7")

	logger.WithContext(ctx).Info("hello")

	out := buf.String()
	assert.Contains(t, out, "client_remote_addr")
	assert.Contains(t, out, "203.0.113.7")
	assert.Contains(t, out, "request_id")
}

func TestRequestContextHookNoContext(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("info", "json")
	require.NoError(t, err)
	logger.Out = &buf

	logger.Info("hello")

	out := buf.String()
	assert.NotContains(t, out, "client_remote_addr")
}
